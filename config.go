package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// Config describes the simulated machine and the core's tunables. It is read
// from a JSON file and then overridden by command-line flags.
type Config struct {
	// MemorySize is the size of physical memory in bytes.
	MemorySize uint64 `json:"memory_size"`
	// SPMBase is the physical address of the command slot region.
	SPMBase uint64 `json:"spm_base"`
	// MaxJobNum is the highest slot index; the region holds MaxJobNum+1 slots.
	MaxJobNum int `json:"max_job_num"`
	// DirectMapOffset is the kernel virtual address of physical address 0.
	DirectMapOffset uint64 `json:"direct_map_offset"`
	// CacheLines bounds the core's line cache.
	CacheLines int `json:"cache_lines"`
	// PersistOnFlush makes every cache flush msync the NVM image as well.
	PersistOnFlush bool `json:"persist_on_flush"`
	// PollIntervalUS is how long an idle core sleeps between slot polls when no
	// register write wakes it first.
	PollIntervalUS int `json:"poll_interval_us"`
	// NVMImage, when set, backs physical memory with an mmap'd file.
	NVMImage string `json:"nvm_image,omitempty"`
	// ArenaBase is where host fixtures (trees, chains, page tables, buffers)
	// are allocated. Zero means "directly after the slot region, page aligned".
	ArenaBase uint64 `json:"arena_base,omitempty"`
	// HostTimeoutMS bounds how long the host waits for one command.
	HostTimeoutMS int `json:"host_timeout_ms"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		MemorySize:      DEFAULT_MEMORY_SIZE,
		SPMBase:         SPM_DEFAULT_BASE,
		MaxJobNum:       DEFAULT_MAX_JOB_NUM,
		DirectMapOffset: DEFAULT_DIRECT_MAP_OFFSET,
		CacheLines:      DEFAULT_CACHE_LINES,
		PollIntervalUS:  100,
		HostTimeoutMS:   1000,
	}
}

// LoadConfig reads path over the defaults. An empty path yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Validate fills zero values with defaults and rejects impossible layouts.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.MemorySize == 0 {
		c.MemorySize = def.MemorySize
	}
	if c.MemorySize%PAGE_SIZE != 0 {
		return errors.Errorf("memory_size %d is not a multiple of %d", c.MemorySize, PAGE_SIZE)
	}
	if c.SPMBase == 0 {
		c.SPMBase = def.SPMBase
	}
	if c.SPMBase%8 != 0 {
		return errors.Errorf("spm_base $%X is not 8-byte aligned", c.SPMBase)
	}
	if c.MaxJobNum < 0 || c.MaxJobNum > 255 {
		return errors.Errorf("max_job_num %d out of range 0..255", c.MaxJobNum)
	}
	if c.SPMBase+spmSize(c.MaxJobNum) > c.MemorySize {
		return errors.Errorf("slot region $%X+%d does not fit in %d bytes of memory",
			c.SPMBase, spmSize(c.MaxJobNum), c.MemorySize)
	}
	if c.DirectMapOffset == 0 {
		c.DirectMapOffset = def.DirectMapOffset
	}
	if c.DirectMapOffset+c.MemorySize < c.DirectMapOffset {
		return errors.Errorf("direct_map_offset $%X wraps the address space", c.DirectMapOffset)
	}
	if c.CacheLines <= 0 {
		c.CacheLines = def.CacheLines
	}
	if c.PollIntervalUS <= 0 {
		c.PollIntervalUS = def.PollIntervalUS
	}
	if c.HostTimeoutMS <= 0 {
		c.HostTimeoutMS = def.HostTimeoutMS
	}
	if c.ArenaBase == 0 {
		c.ArenaBase = (c.SPMBase + spmSize(c.MaxJobNum) + PAGE_SIZE - 1) & PAGE_MASK
	}
	if c.ArenaBase >= c.MemorySize {
		return errors.Errorf("arena_base $%X outside memory", c.ArenaBase)
	}
	if c.PersistOnFlush && c.NVMImage == "" {
		return errors.New("persist_on_flush needs nvm_image")
	}
	return nil
}

// PollInterval is PollIntervalUS as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalUS) * time.Microsecond
}

// HostTimeout is HostTimeoutMS as a duration.
func (c *Config) HostTimeout() time.Duration {
	return time.Duration(c.HostTimeoutMS) * time.Millisecond
}
