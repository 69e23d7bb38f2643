// Command gpures-demo exercises the unified resource manager end to end:
// allocate, release, register a foreign handle, run maintenance, and print
// statistics. It is a demonstration harness, not a production service.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hellblazer/gpuresource/internal/cli"
	"github.com/hellblazer/gpuresource/internal/config"
	"github.com/hellblazer/gpuresource/internal/handle"
	"github.com/hellblazer/gpuresource/internal/nativealloc"
	"github.com/hellblazer/gpuresource/internal/resourcemanager"
)

func main() {
	var (
		showVersion  = flag.Bool("version", false, "show version information")
		showHelp     = flag.Bool("help", false, "show help information")
		jsonOutput   = flag.Bool("json", false, "output version in JSON format")
		preset       = flag.String("preset", "", "configuration preset: minimal, default, production (overrides --settings-file)")
		sizes        = flag.String("sizes", "4096,300,500,600,700,2000", "comma-separated buffer sizes to allocate and release")
		verbose      = flag.Bool("verbose", false, "print per-allocation detail (overrides --settings-file)")
		settingsFile = flag.String("settings-file", "", "path to a JSON settings file to load defaults from and persist the final selection to")
	)

	flag.Usage = func() {
		cli.PrintUsage("gpures-demo", []cli.CommandInfo{
			{Name: "(default)", Description: "run the allocate/release/maintain demo"},
		})
	}
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if *showVersion {
		cli.PrintVersion("gpures-demo", *jsonOutput)
		os.Exit(0)
	}

	settings, err := cli.LoadSettings(*settingsFile)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	if *preset != "" {
		settings.Preset = *preset
	}
	if *verbose {
		settings.Verbose = true
	}
	if *settingsFile != "" {
		if err := settings.SaveSettings(*settingsFile); err != nil {
			cli.ExitWithError("%v", err)
		}
	}

	cfg, err := resolvePreset(settings.Preset)
	if err != nil {
		cli.ExitWithError("%v", err)
	}

	mgr := resourcemanager.New(cfg, nativealloc.NewSystem(), nil, nil, nil)
	defer mgr.Close()

	sizeList, err := parseSizes(*sizes)
	if err != nil {
		cli.ExitWithError("%v", err)
	}

	var buffers [][]byte
	for _, n := range sizeList {
		buf, err := mgr.AllocateMemory(n)
		if err != nil {
			cli.ExitWithError("allocate_memory(%d): %v", n, err)
		}
		if settings.Verbose {
			fmt.Printf("allocated %d bytes at %p\n", n, buf)
		}
		buffers = append(buffers, buf)
	}
	for _, buf := range buffers {
		if err := mgr.ReleaseMemory(buf); err != nil {
			cli.ExitWithError("release_memory: %v", err)
		}
	}

	sampler := handle.New("event", "demo-event", func(any) error { return nil }, nil)
	if err := mgr.Register(sampler, 64); err != nil {
		cli.ExitWithError("register: %v", err)
	}
	if err := mgr.Unregister(sampler); err != nil {
		cli.ExitWithError("unregister: %v", err)
	}
	_ = sampler.Close()

	evicted, cleaned := mgr.PerformMaintenance()
	stats := mgr.GetStatistics()

	fmt.Printf("active_count=%d total_bytes=%d pool_hits=%d pool_misses=%d hit_rate=%.2f evicted=%d cleaned=%d\n",
		stats.ActiveCount, stats.TotalBytes, stats.Pool.Hits, stats.Pool.Misses, stats.Pool.HitRate, evicted, cleaned)
}

func resolvePreset(name string) (config.Config, error) {
	switch name {
	case "minimal":
		return config.Minimal()
	case "production":
		return config.Production()
	default:
		return config.Default()
	}
}

func parseSizes(s string) ([]int, error) {
	var out []int
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", field, err)
		}
		out = append(out, n)
	}
	return out, nil
}
