// Command ephemeris prints catalog positions at fixed simulated steps,
// without any rendering backend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/signalsfoundry/orbit-visualizer/core"
	"github.com/signalsfoundry/orbit-visualizer/internal/logging"
	"github.com/signalsfoundry/orbit-visualizer/kb"
	"github.com/signalsfoundry/orbit-visualizer/timectrl"
)

var errInvalidStep = errors.New("step must be positive")

type options struct {
	Duration time.Duration
	Step     time.Duration
	Epoch    time.Time
	Catalog  string
	Format   string
	IDs      []string
}

// record is one output row.
type record struct {
	Time     string  `json:"time"`
	Offset   float64 `json:"offsetSeconds"`
	ID       string  `json:"id"`
	Status   string  `json:"status"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	AltKm    float64 `json:"altKm"`
	SpeedKmS float64 `json:"speedKmS"`
}

func main() {
	log := logging.NewFromEnv(os.Getenv)
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ephemeris: %v\n", err)
		os.Exit(2)
	}
	if err := run(context.Background(), opts, os.Stdout, log); err != nil {
		log.Error(context.Background(), "ephemeris failed", logging.Err(err))
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("ephemeris", flag.ContinueOnError)
	var (
		opts  options
		epoch string
		ids   string
	)
	fs.DurationVar(&opts.Duration, "duration", 10*time.Minute, "total simulated span")
	fs.DurationVar(&opts.Step, "step", time.Minute, "simulated time between samples")
	fs.StringVar(&epoch, "epoch", "", "RFC 3339 wall time of t=0 (defaults to now)")
	fs.StringVar(&opts.Catalog, "catalog", "", "JSON catalog file (defaults to the built-in catalog)")
	fs.StringVar(&opts.Format, "format", "text", "output format: text or json")
	fs.StringVar(&ids, "ids", "", "comma-separated object IDs to print (default all)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.Step <= 0 {
		return options{}, fmt.Errorf("step %s: %w", opts.Step, errInvalidStep)
	}
	if opts.Duration <= 0 {
		return options{}, fmt.Errorf("duration %s must be positive", opts.Duration)
	}
	switch opts.Format {
	case "text", "json":
	default:
		return options{}, fmt.Errorf("unknown format %q", opts.Format)
	}
	if epoch != "" {
		t, err := time.Parse(time.RFC3339, epoch)
		if err != nil {
			return options{}, fmt.Errorf("parse epoch %q: %w", epoch, err)
		}
		opts.Epoch = t.UTC()
	}
	for _, id := range strings.Split(ids, ",") {
		if id = strings.TrimSpace(id); id != "" {
			opts.IDs = append(opts.IDs, id)
		}
	}
	return opts, nil
}

// run samples every requested object at t = 0, step, 2·step … duration.
func run(ctx context.Context, opts options, w io.Writer, log logging.Logger) error {
	if log == nil {
		log = logging.Noop()
	}
	catalog := kb.DefaultCatalog()
	if opts.Catalog != "" {
		var err error
		if catalog, err = kb.LoadCatalogFile(opts.Catalog); err != nil {
			return err
		}
	}
	epoch := opts.Epoch
	if epoch.IsZero() {
		epoch = time.Now().UTC()
	}

	want := make(map[string]bool, len(opts.IDs))
	for _, id := range opts.IDs {
		if _, ok := catalog.Get(id); !ok {
			log.Warn(ctx, "unknown object", logging.String("id", id))
			continue
		}
		want[id] = true
	}

	positions := core.NewPositionModel(epoch)
	objects := catalog.Objects()
	enc := json.NewEncoder(w)

	var writeErr error
	emit := func(at time.Time) {
		if writeErr != nil {
			return
		}
		offset := at.Sub(epoch)
		for i, obj := range objects {
			if len(opts.IDs) > 0 && !want[obj.ID] {
				continue
			}
			s := positions.PositionAt(obj, i, offset)
			rec := record{
				Time:     at.Format(time.RFC3339),
				Offset:   offset.Seconds(),
				ID:       obj.ID,
				Status:   obj.Status.String(),
				Lat:      round(s.Geographic.Lat, 4),
				Lon:      round(s.Geographic.Lon, 4),
				AltKm:    round(s.Geographic.Alt, 2),
				SpeedKmS: round(s.Velocity.Norm(), 3),
			}
			if opts.Format == "json" {
				writeErr = enc.Encode(rec)
			} else {
				_, writeErr = fmt.Fprintf(w, "%s %-8s %-11s lat=%9.4f lon=%9.4f alt=%8.2f km v=%6.3f km/s\n",
					rec.Time, rec.ID, rec.Status, rec.Lat, rec.Lon, rec.AltKm, rec.SpeedKmS)
			}
			if writeErr != nil {
				return
			}
		}
	}

	// The accelerated controller steps from its source's time, so t = 0 is
	// emitted first by hand.
	emit(epoch)
	tc := timectrl.NewTimeController(opts.Step, timectrl.Accelerated, timectrl.NewManualSource(epoch))
	tc.AddListener(emit)
	<-tc.Start(ctx, opts.Duration)

	log.Debug(ctx, "ephemeris complete",
		logging.Int("objects", len(objects)),
		logging.Int("steps", int(tc.Ticks())+1),
	)
	return writeErr
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
