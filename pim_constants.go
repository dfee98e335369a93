package main

// Register region (scratchpad) layout, relative to SPM base
const (
	SPM_DEFAULT_BASE = 0x1000

	REG_FIRST_CMD_OFF = 0x00 // uint64: first in-flight slot marker
	SLOT_BASE_OFF     = 0x08 // slot 0 starts here
	SLOT_STRIDE       = 0x28 // opcode word + REG_0..REG_3

	SLOT_CMD_OFF  = 0x00 // uint8 opcode, rest of the word reserved
	SLOT_REG0_OFF = 0x08
	SLOT_REG1_OFF = 0x10
	SLOT_REG2_OFF = 0x18
	SLOT_REG3_OFF = 0x20

	DEFAULT_MAX_JOB_NUM = 15

	COPY_EXT_BUFFERS = 4 // destination buffers per FILE_R_EXT
)

// spmSize returns the bytes used by a register region with maxJobNum+1 slots.
func spmSize(maxJobNum int) uint64 {
	return SLOT_BASE_OFF + uint64(maxJobNum+1)*SLOT_STRIDE
}

// Command opcodes (slot opcode register). Dispatchable commands form the
// contiguous range CMD_SEARCH_RBTREE..CMD_FILE_EXT.
const (
	CMD_UNINIT        = 0x00
	CMD_DONE          = 0x01
	CMD_SEARCH_RBTREE = 0x02
	CMD_DL_LOOKUP     = 0x03
	CMD_FILE_R        = 0x04
	CMD_FILE_R_EXT    = 0x05
	CMD_FILE_W        = 0x06
	CMD_FILE_EXT      = 0x07
	CMD_FAULT         = 0xFE // written back instead of CMD_DONE when a kernel fails

	CMD_FIRST = CMD_SEARCH_RBTREE
	CMD_LAST  = CMD_FILE_EXT
)

// Fault codes written to REG_0 alongside CMD_FAULT
const (
	FAULT_NONE            = 0
	FAULT_BUS             = 1
	FAULT_TRANSLATE       = 2
	FAULT_COPY_BUSY       = 3
	FAULT_NO_CONTINUATION = 4
	FAULT_CORRUPT         = 5
)

// Value the host stores in the first in-flight register to release the core
const HOST_READY = 0x01

// Lookup results
const (
	DL_NOT_FOUND = 0
	DL_DENIED    = ^uint64(0)
)

// Persistent tree node (rb node embedded at offset 0)
const (
	RB_PARENT_COLOR_OFF = 0x00
	RB_RIGHT_OFF        = 0x08
	RB_LEFT_OFF         = 0x10
	RANGE_VMA_OFF       = 0x18
	RANGE_MMAP_OFF      = 0x20
	RANGE_HASH_OFF      = 0x28
	RANGE_DIRENTRY_OFF  = 0x30
	RANGE_CSUM_OFF      = 0x38
	RANGE_NODE_SIZE     = 0x40

	RB_RED   = 0
	RB_BLACK = 1
)

// Directory lookup entry (hash-chain node embedded at offset 0)
const (
	DL_NEXT_OFF     = 0x00
	DL_PPREV_OFF    = 0x08
	DL_IDENTITY_OFF = 0x10
	DL_INO_OFF      = 0x18
	DL_RSET_OFF     = 0x20
	DL_ENTRY_SIZE   = 0x30

	RSET_COUNT_OFF   = 0x00
	RSET_ENTRIES_OFF = 0x08
	RULE_SIZE        = 12
	RULE_KIND_OFF    = 0
	RULE_UID_OFF     = 4
	RULE_GID_OFF     = 8
)

// Kernel virtual addresses map linearly onto physical memory at this offset.
const DEFAULT_DIRECT_MAP_OFFSET = 0xFFFF888000000000

// Page table format: 4 levels, 512 entries of 8 bytes per table.
const (
	PT_LEVELS     = 4
	PT_ENTRIES    = 512
	PT_ENTRY_SIZE = 8

	PTE_PRESENT = 1 << 0
	PTE_WRITE   = 1 << 1
	PTE_USER    = 1 << 2
	PTE_HUGE    = 1 << 7

	PTE_ADDR_MASK = 0x000FFFFFFFFFF000
)
