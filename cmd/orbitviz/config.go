package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/signalsfoundry/orbit-visualizer/internal/logging"
	"github.com/signalsfoundry/orbit-visualizer/internal/render"
	"github.com/signalsfoundry/orbit-visualizer/internal/sim/engine"
)

// Tier names accepted by -tiers.
const (
	tierGlobe  = "globe"
	tierCanvas = "canvas"
	tierSVG    = "svg"
)

var (
	errInvalidTier     = errors.New("unknown rendering tier")
	errDuplicateTier   = errors.New("rendering tier listed twice")
	errInvalidInterval = errors.New("interval must be positive")
	errInvalidRate     = errors.New("playback rate must be finite")
	errInvalidSurface  = errors.New("output surface too small")
)

// Config is the runtime configuration of orbitviz. Every flag defaults to an
// ORBITVIZ_* environment variable when set.
type Config struct {
	GRPCAddress    string
	MetricsAddress string
	LogLevel       string
	LogFormat      string

	CatalogPath string
	Epoch       time.Time
	Selection   string

	Tiers          []string
	PrimaryTimeout time.Duration
	TierTimeout    time.Duration
	SVGPath        string
	CanvasCols     int
	CanvasRows     int

	TickInterval time.Duration
	Rate         float64
	Paused       bool
	Duration     time.Duration
}

// parseConfig builds a Config from command-line args, falling back to
// getenv for defaults.
func parseConfig(args []string, getenv func(string) string) (Config, error) {
	env := envDefaults{getenv: getenv}
	fs := flag.NewFlagSet("orbitviz", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		cfg   Config
		tiers string
		epoch string
	)
	fs.StringVar(&cfg.GRPCAddress, "grpc-addr", env.str("ORBITVIZ_GRPC_ADDR", ":50051"), "TCP address of the gRPC health endpoint (empty disables it)")
	fs.StringVar(&cfg.MetricsAddress, "metrics-addr", env.str("ORBITVIZ_METRICS_ADDR", ":9090"), "HTTP address for Prometheus /metrics (empty disables it)")
	fs.StringVar(&cfg.LogLevel, "log-level", env.str("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", env.str("LOG_FORMAT", "text"), "Log format (text or json)")
	fs.StringVar(&cfg.CatalogPath, "catalog", env.str("ORBITVIZ_CATALOG", ""), "JSON catalog file (defaults to the built-in catalog)")
	fs.StringVar(&epoch, "epoch", env.str("ORBITVIZ_EPOCH", ""), "RFC 3339 wall time of simulated t=0 (defaults to now)")
	fs.StringVar(&cfg.Selection, "select", env.str("ORBITVIZ_SELECT", engine.DefaultSelection), "Object selected at start")
	fs.StringVar(&tiers, "tiers", env.str("ORBITVIZ_TIERS", "globe,canvas,svg"), "Comma-separated rendering tiers, richest first")
	fs.DurationVar(&cfg.PrimaryTimeout, "primary-timeout", env.duration("ORBITVIZ_PRIMARY_TIMEOUT", 5*time.Second), "Load deadline of the first tier")
	fs.DurationVar(&cfg.TierTimeout, "tier-timeout", env.duration("ORBITVIZ_TIER_TIMEOUT", 2*time.Second), "Load deadline of fallback tiers")
	fs.StringVar(&cfg.SVGPath, "svg-path", env.str("ORBITVIZ_SVG_PATH", "orbitviz.svg"), "Output file of the svg tier")
	fs.IntVar(&cfg.CanvasCols, "canvas-cols", env.integer("ORBITVIZ_CANVAS_COLS", 72), "Canvas tier width in cells")
	fs.IntVar(&cfg.CanvasRows, "canvas-rows", env.integer("ORBITVIZ_CANVAS_ROWS", 24), "Canvas tier height in cells")
	fs.DurationVar(&cfg.TickInterval, "tick", env.duration("ORBITVIZ_TICK", 33*time.Millisecond), "Frame interval")
	fs.Float64Var(&cfg.Rate, "rate", env.float("ORBITVIZ_RATE", 1), "Playback rate (simulated seconds per wall second)")
	fs.BoolVar(&cfg.Paused, "paused", env.boolean("ORBITVIZ_PAUSED", false), "Start with the clock paused")
	fs.DurationVar(&cfg.Duration, "duration", env.duration("ORBITVIZ_DURATION", 0), "Stop after this much wall time (0 runs until quit)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if env.err != nil {
		return Config{}, env.err
	}

	for _, t := range strings.Split(tiers, ",") {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			cfg.Tiers = append(cfg.Tiers, t)
		}
	}
	if epoch != "" {
		t, err := time.Parse(time.RFC3339, epoch)
		if err != nil {
			return Config{}, fmt.Errorf("parse epoch %q: %w", epoch, err)
		}
		cfg.Epoch = t.UTC()
	}
	return cfg, cfg.Validate()
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	if err := (logging.Config{Level: c.LogLevel, Format: c.LogFormat}).Validate(); err != nil {
		return err
	}
	if len(c.Tiers) > render.MaxLoadableTiers {
		return fmt.Errorf("%d tiers configured: %w", len(c.Tiers), render.ErrTooManyTiers)
	}
	seen := make(map[string]bool, len(c.Tiers))
	for _, t := range c.Tiers {
		switch t {
		case tierGlobe, tierCanvas, tierSVG:
		default:
			return fmt.Errorf("%q: %w", t, errInvalidTier)
		}
		if seen[t] {
			return fmt.Errorf("%q: %w", t, errDuplicateTier)
		}
		seen[t] = true
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick %s: %w", c.TickInterval, errInvalidInterval)
	}
	if c.PrimaryTimeout <= 0 || c.TierTimeout <= 0 {
		return fmt.Errorf("tier timeouts %s/%s: %w", c.PrimaryTimeout, c.TierTimeout, errInvalidInterval)
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration %s: %w", c.Duration, errInvalidInterval)
	}
	if math.IsNaN(c.Rate) || math.IsInf(c.Rate, 0) {
		return fmt.Errorf("rate %v: %w", c.Rate, errInvalidRate)
	}
	if seen[tierCanvas] && (c.CanvasCols < 8 || c.CanvasRows < 4) {
		return fmt.Errorf("canvas %dx%d: %w", c.CanvasCols, c.CanvasRows, errInvalidSurface)
	}
	if seen[tierSVG] && c.SVGPath == "" {
		return fmt.Errorf("svg tier needs -svg-path: %w", errInvalidSurface)
	}
	return nil
}

// envDefaults reads typed defaults from the environment and remembers the
// first malformed value.
type envDefaults struct {
	getenv func(string) string
	err    error
}

func (e *envDefaults) lookup(key string) string {
	if e.getenv == nil {
		return ""
	}
	return strings.TrimSpace(e.getenv(key))
}

func (e *envDefaults) fail(key, raw string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("env %s=%q: %w", key, raw, err)
	}
}

func (e *envDefaults) str(key, def string) string {
	if v := e.lookup(key); v != "" {
		return v
	}
	return def
}

func (e *envDefaults) duration(key string, def time.Duration) time.Duration {
	raw := e.lookup(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return d
}

func (e *envDefaults) integer(key string, def int) int {
	raw := e.lookup(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return n
}

func (e *envDefaults) float(key string, def float64) float64 {
	raw := e.lookup(key)
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return f
}

func (e *envDefaults) boolean(key string, def bool) bool {
	raw := e.lookup(key)
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		e.fail(key, raw, err)
		return def
	}
	return b
}
