// main.go - Command-line entry point for the PIM core model

/*
pimcore - near-memory accelerator firmware model
License: GPLv3 or later
*/

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath string
		nvmPath    string
		persist    bool
		memSize    string
		spmBase    string
		maxJobs    int
		cacheLines int
		pollUS     int
		timeoutMS  int
	)

	flagSet := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&configPath, "config", "", "JSON machine configuration")
	flagSet.StringVar(&nvmPath, "nvm", "", "back physical memory with this image file")
	flagSet.BoolVar(&persist, "persist", false, "msync the image on every cache flush")
	flagSet.StringVar(&memSize, "mem", "", "physical memory size in bytes (hex or decimal)")
	flagSet.StringVar(&spmBase, "spm", "", "physical address of the command slots (hex or decimal)")
	flagSet.IntVar(&maxJobs, "max-jobs", DEFAULT_MAX_JOB_NUM, "highest slot index")
	flagSet.IntVar(&cacheLines, "cache-lines", DEFAULT_CACHE_LINES, "line cache capacity")
	flagSet.IntVar(&pollUS, "poll-us", 100, "idle poll interval in microseconds")
	flagSet.IntVar(&timeoutMS, "timeout-ms", 1000, "host wait per command in milliseconds")
	adoptDefaultFlags(flagSet)

	flagSet.Usage = func() {
		flagSet.SetOutput(os.Stdout)
		fmt.Println("Usage: ./pimcore [-config machine.json] [-nvm image] [flags] script.lua...")
		fmt.Println("Without scripts the core serves commands until interrupted.")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if err := markDefaultFlagsParsed(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Flush()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	var ferr error
	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "nvm":
			cfg.NVMImage = nvmPath
		case "persist":
			cfg.PersistOnFlush = persist
		case "mem":
			cfg.MemorySize, ferr = parseAddrFlag("mem", memSize, ferr)
		case "spm":
			cfg.SPMBase, ferr = parseAddrFlag("spm", spmBase, ferr)
		case "max-jobs":
			cfg.MaxJobNum = maxJobs
		case "cache-lines":
			cfg.CacheLines = cacheLines
		case "poll-us":
			cfg.PollIntervalUS = pollUS
		case "timeout-ms":
			cfg.HostTimeoutMS = timeoutMS
		}
	})
	if ferr == nil {
		ferr = cfg.Validate()
	}
	if ferr != nil {
		fmt.Printf("Error: %v\n", ferr)
		os.Exit(1)
	}

	report := NewStatusReport(os.Stdout)
	report.Banner(&cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := runMachine(ctx, &cfg, flagSet.Args())
	report.Print(stats)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		log.Flush()
		os.Exit(1)
	}
}

// runMachine builds the machine described by cfg, runs the core and then each
// script in turn on the host side, and stops the core when the last script
// returns. With no scripts it runs until ctx is done.
func runMachine(ctx context.Context, cfg *Config, scripts []string) (CoreStats, error) {
	bus, err := newMachineBus(cfg)
	if err != nil {
		return CoreStats{}, err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warningf("closing memory: %v", err)
		}
	}()

	core, err := NewPIMCore(bus, cfg)
	if err != nil {
		return CoreStats{}, err
	}
	regs, err := NewSlotRegisters(bus, cfg.SPMBase, cfg.MaxJobNum)
	if err != nil {
		return CoreStats{}, err
	}
	arena, err := NewArena(bus, DirectMap{Offset: cfg.DirectMapOffset, Limit: bus.Size()}, cfg.ArenaBase, bus.Size())
	if err != nil {
		return CoreStats{}, err
	}
	host := NewLuaHost(bus, NewHostPort(regs, cfg.PollInterval()), arena, cfg.HostTimeout())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return core.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-core.Initialized():
		case <-gctx.Done():
			return nil
		}
		if len(scripts) == 0 {
			<-gctx.Done()
			return nil
		}
		defer core.Stop()
		for _, path := range scripts {
			fmt.Printf("Running %s\n", path)
			if err := host.RunFile(gctx, path); err != nil {
				return err
			}
		}
		return nil
	})
	err = g.Wait()
	return core.Stats(), err
}

// adoptDefaultFlags exposes the flags glog registers on the default set
// (-v, -logtostderr and friends) through fs.
func adoptDefaultFlags(fs *flag.FlagSet) {
	flag.CommandLine.VisitAll(func(f *flag.Flag) {
		if fs.Lookup(f.Name) == nil {
			fs.Var(f.Value, f.Name, f.Usage)
		}
	})
}

// markDefaultFlagsParsed parses an empty argument list into the default set.
// Values were already set through fs; glog only needs Parsed() to be true.
func markDefaultFlagsParsed() error {
	return errors.Wrap(flag.CommandLine.Parse(nil), "default flags")
}

func newMachineBus(cfg *Config) (*MachineBus, error) {
	if cfg.NVMImage == "" {
		return NewMachineBus(cfg.MemorySize), nil
	}
	img, err := OpenNVMImage(cfg.NVMImage, cfg.MemorySize)
	if err != nil {
		return nil, err
	}
	return NewMachineBusWithBacking(img.Bytes(), img), nil
}

func parseAddrFlag(name, value string, prev error) (uint64, error) {
	parsed, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid -%s", name)
	}
	return parsed, prev
}
