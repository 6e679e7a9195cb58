// Package config loads and validates the recognised configuration surface:
// the cache media root and size, the I/O engine selection, the origin
// download throttling knobs, and the log level. Options are parsed
// as command-line flags, with an environment-variable fallback for the
// cache dir, cache size and log level only, matching the
// flag.FlagSet-per-command style of calvinalkan-agent-task's internal/cli
// package (the pack's one example of a flag-driven configuration surface;
// the teacher repo is a library with no CLI config loader of its own to
// imitate here).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/meigma/overlaycache/media"
)

const (
	defaultCacheDir    = "/opt/overlaybd/registryfs_cache"
	defaultCacheSizeGB = 4
	bytesPerGB         = 1 << 30
	defaultDelay       = 200 * time.Millisecond
	defaultDelayExtra  = 100 * time.Millisecond
	defaultTryCnt      = 5
	defaultLogLevel    = 2
	minLogLevel        = 0
	maxLogLevel        = 5
)

// Config is the recognised configuration surface.
type Config struct {
	// RegistryCacheDir is the root of the media filesystem for cached files.
	RegistryCacheDir string
	// RegistryCacheSizeGB is the capacity budget, in GiB.
	RegistryCacheSizeGB int64
	// IOEngine selects the media backend's I/O engine.
	IOEngine media.Engine
	// DownloadEnable gates whether origin fetches are permitted at all.
	DownloadEnable bool
	// DownloadDelay is the base retry backoff for origin reads.
	DownloadDelay time.Duration
	// DownloadDelayExtra is additional jittered backoff on top of DownloadDelay.
	DownloadDelayExtra time.Duration
	// DownloadMaxMBps caps aggregate origin read throughput. Zero disables
	// throttling.
	DownloadMaxMBps float64
	// DownloadTryCnt is the maximum number of attempts per origin read.
	DownloadTryCnt uint
	// LogLevel is 0 (most verbose) through 5 (silent).
	LogLevel int
}

// Default returns the recognised options at their documented defaults.
func Default() Config {
	return Config{
		RegistryCacheDir:     defaultCacheDir,
		RegistryCacheSizeGB:  defaultCacheSizeGB,
		IOEngine:             media.EngineSync,
		DownloadEnable:       true,
		DownloadDelay:        defaultDelay,
		DownloadDelayExtra:   defaultDelayExtra,
		DownloadTryCnt:       defaultTryCnt,
		LogLevel:             defaultLogLevel,
	}
}

// CapacityBytes reports the configured capacity in bytes.
func (c Config) CapacityBytes() int64 {
	return c.RegistryCacheSizeGB * bytesPerGB
}

// Load parses args (typically os.Args[1:]) into a Config seeded from
// Default, with environment variables as a fallback for a flag not passed
// on the command line (flags take precedence, matching the usual CLI
// convention). Only registryCacheDir, registryCacheSizeGB and logLevel have
// an environment variable (see applyEnv); the other options come from
// flags alone. Unknown flags are an error.
func Load(args []string, opts ...Option) (Config, error) {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	applyEnv(&cfg)

	fs := flag.NewFlagSet("overlaycache", flag.ContinueOnError)
	fs.StringVar(&cfg.RegistryCacheDir, "registryCacheDir", cfg.RegistryCacheDir, "root of the media filesystem for cached files")
	fs.Int64Var(&cfg.RegistryCacheSizeGB, "registryCacheSizeGB", cfg.RegistryCacheSizeGB, "capacity budget in GiB")
	var ioEngine int
	fs.IntVar(&ioEngine, "ioEngine", int(cfg.IOEngine), "0=synchronous, 1=kernel-asynchronous")
	fs.BoolVar(&cfg.DownloadEnable, "download.enable", cfg.DownloadEnable, "permit origin fetches")
	fs.DurationVar(&cfg.DownloadDelay, "download.delay", cfg.DownloadDelay, "base retry backoff")
	fs.DurationVar(&cfg.DownloadDelayExtra, "download.delayExtra", cfg.DownloadDelayExtra, "additional jittered backoff")
	fs.Float64Var(&cfg.DownloadMaxMBps, "download.maxMBps", cfg.DownloadMaxMBps, "throughput cap in MB/s, 0 disables")
	var tryCnt int
	fs.IntVar(&tryCnt, "download.tryCnt", int(cfg.DownloadTryCnt), "maximum attempts per origin read")
	fs.IntVar(&cfg.LogLevel, "logLevel", cfg.LogLevel, "0 (verbose) through 5 (silent)")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}
	cfg.IOEngine = media.Engine(ioEngine)
	cfg.DownloadTryCnt = uint(tryCnt)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Option overrides a Default()-seeded Config before flags/env are applied,
// for embedding a Config in a larger program's own option set.
type Option func(*Config)

// WithRegistryCacheDir overrides the default cache directory.
func WithRegistryCacheDir(dir string) Option {
	return func(c *Config) { c.RegistryCacheDir = dir }
}

// WithRegistryCacheSizeGB overrides the default capacity.
func WithRegistryCacheSizeGB(gb int64) Option {
	return func(c *Config) { c.RegistryCacheSizeGB = gb }
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OVERLAYCACHE_REGISTRY_CACHE_DIR"); v != "" {
		cfg.RegistryCacheDir = v
	}
	if v := os.Getenv("OVERLAYCACHE_REGISTRY_CACHE_SIZE_GB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.RegistryCacheSizeGB = n
		}
	}
	if v := os.Getenv("OVERLAYCACHE_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LogLevel = n
		}
	}
}

// Validate reports the first invalid field found.
func (c Config) Validate() error {
	if c.RegistryCacheDir == "" {
		return fmt.Errorf("config: registryCacheDir must not be empty")
	}
	if c.RegistryCacheSizeGB <= 0 {
		return fmt.Errorf("config: registryCacheSizeGB must be positive, got %d", c.RegistryCacheSizeGB)
	}
	if c.LogLevel < minLogLevel || c.LogLevel > maxLogLevel {
		return fmt.Errorf("config: logLevel must be in [%d,%d], got %d", minLogLevel, maxLogLevel, c.LogLevel)
	}
	if c.DownloadMaxMBps < 0 {
		return fmt.Errorf("config: download.maxMBps must not be negative, got %f", c.DownloadMaxMBps)
	}
	if c.DownloadTryCnt == 0 {
		return fmt.Errorf("config: download.tryCnt must be at least 1")
	}
	return nil
}
