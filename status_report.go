// status_report.go - Console banner and end-of-run counters

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	reportMinWidth     = 40
	reportMaxWidth     = 100
	reportDefaultWidth = 80
)

// StatusReport prints the banner and the core's counters. Colour and the
// terminal width are only used when the output is a terminal.
type StatusReport struct {
	w     io.Writer
	color bool
	width int
}

// NewStatusReport writes to f, probing it with x/term.
func NewStatusReport(f *os.File) *StatusReport {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return newStatusReport(f, false, reportDefaultWidth)
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		width = reportDefaultWidth
	}
	return newStatusReport(f, true, width)
}

func newStatusReport(w io.Writer, color bool, width int) *StatusReport {
	if width < reportMinWidth {
		width = reportMinWidth
	}
	if width > reportMaxWidth {
		width = reportMaxWidth
	}
	return &StatusReport{w: w, color: color, width: width}
}

func (r *StatusReport) paint(rgb [3]int, s string) string {
	if !r.color {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", rgb[0], rgb[1], rgb[2], s)
}

func (r *StatusReport) rule() {
	fmt.Fprintln(r.w, r.paint([3]int{255, 20, 147}, strings.Repeat("─", r.width)))
}

// Banner announces the machine layout.
func (r *StatusReport) Banner(cfg *Config) {
	title := " pimcore "
	lines := []string{
		fmt.Sprintf("memory      %d MiB%s", cfg.MemorySize>>20, nvmSuffix(cfg)),
		fmt.Sprintf("slots       %d at $%X", cfg.MaxJobNum+1, cfg.SPMBase),
		fmt.Sprintf("direct map  $%X", cfg.DirectMapOffset),
		fmt.Sprintf("line cache  %d x %d bytes", cfg.CacheLines, CACHE_LINE_SIZE),
	}
	fmt.Fprintln(r.w)
	for i, l := range append([]string{title}, lines...) {
		g := 20 + i*45
		if g > 255 {
			g = 255
		}
		fmt.Fprintln(r.w, r.paint([3]int{255, g, 147}, l))
	}
	r.rule()
}

func nvmSuffix(cfg *Config) string {
	if cfg.NVMImage == "" {
		return ""
	}
	s := ", image " + cfg.NVMImage
	if cfg.PersistOnFlush {
		s += " (msync on flush)"
	}
	return s
}

// Print writes the counters in s.
func (r *StatusReport) Print(s CoreStats) {
	r.rule()
	fmt.Fprintf(r.w, "%-11s %s, cursor at slot %d, %d faults\n", "core", s.State, s.Cursor, s.TotalFaults())

	var cmds []string
	for op, n := range s.Commands {
		if n > 0 {
			cmds = append(cmds, fmt.Sprintf("%s %d", opcodeName(uint8(op)), n))
		}
	}
	r.wrapped("commands", cmds, fmt.Sprintf("%d total", s.TotalCommands()))

	var faults []string
	for code, n := range s.Faults {
		if n > 0 {
			faults = append(faults, fmt.Sprintf("%s %d", faultName(uint64(code)), n))
		}
	}
	r.wrapped("faults", faults, "none")

	fmt.Fprintf(r.w, "%-11s %d bytes, %d superseded, %d abandoned, %d ignored opcodes\n", "copies",
		s.BytesCopied, s.Superseded, s.Abandoned, s.Ignored)
	fmt.Fprintf(r.w, "%-11s %d hits, %d misses, %d flushes (%d lines)\n", "cache",
		s.Cache.Hits, s.Cache.Misses, s.Cache.Flushes, s.Cache.FlushedLines)
	r.rule()
}

// wrapped prints items after label, breaking lines at the report width.
func (r *StatusReport) wrapped(label string, items []string, empty string) {
	if len(items) == 0 {
		items = []string{empty}
	}
	indent := strings.Repeat(" ", 12)
	line := fmt.Sprintf("%-11s ", label)
	first := true
	for _, it := range items {
		if !first && len(line)+2+len(it) > r.width {
			fmt.Fprintln(r.w, line)
			line = indent
			first = true
		}
		if !first {
			line += ", "
		}
		line += it
		first = false
	}
	fmt.Fprintln(r.w, line)
}

var faultNames = map[uint64]string{
	FAULT_NONE:            "none",
	FAULT_BUS:             "bus",
	FAULT_TRANSLATE:       "translate",
	FAULT_COPY_BUSY:       "copy-busy",
	FAULT_NO_CONTINUATION: "no-continuation",
	FAULT_CORRUPT:         "corrupt",
}

func faultName(code uint64) string {
	if n, ok := faultNames[code]; ok {
		return n
	}
	return fmt.Sprintf("fault(%d)", code)
}
