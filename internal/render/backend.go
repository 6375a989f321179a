// Package render owns the rendering backends and the tiered fallback chain
// that picks one of them at mount time.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/orbit-visualizer/model"
)

var (
	// ErrBackendLoadTimeout indicates a tier did not finish loading before
	// its deadline.
	ErrBackendLoadTimeout = errors.New("backend load timed out")
	// ErrBackendLoadFailure wraps the error a tier loader returned.
	ErrBackendLoadFailure = errors.New("backend load failed")
	// ErrTooManyTiers is returned when more tiers are offered than the chain
	// has slots for.
	ErrTooManyTiers = errors.New("too many backend tiers")
	// ErrAlreadyMounted is returned when Mount is called twice.
	ErrAlreadyMounted = errors.New("backend manager already mounted")
	// ErrDisposed is returned by operations on a disposed manager.
	ErrDisposed = errors.New("backend manager disposed")
)

// Tier is a slot in the fallback chain, richest first.
type Tier int

const (
	TierPrimary Tier = iota
	TierSecondary
	TierTertiary
	TierStaticFallback
)

// MaxLoadableTiers is the number of tiers that can be loaded before the
// built-in static fallback.
const MaxLoadableTiers = 3

func (t Tier) String() string {
	switch t {
	case TierPrimary:
		return "primary"
	case TierSecondary:
		return "secondary"
	case TierTertiary:
		return "tertiary"
	case TierStaticFallback:
		return "static-fallback"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Status is the load status of the current tier.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// State is the backend state machine value. Backend names the tier's
// implementation, for example "globe".
type State struct {
	Tier    Tier
	Status  Status
	Backend string
}

func (s State) String() string {
	if s.Status == StatusIdle {
		return "idle"
	}
	return fmt.Sprintf("%s/%s(%s)", s.Tier, s.Status, s.Backend)
}

// Degraded reports whether every interactive tier has been exhausted.
func (s State) Degraded() bool {
	return s.Tier == TierStaticFallback
}

// EventKind enumerates interaction events produced by backends.
type EventKind int

const (
	// EventPick carries a candidate object ID from hit-testing.
	EventPick EventKind = iota
	// EventClear requests an explicit deselection.
	EventClear
	EventTogglePlay
	// EventSeekBy jumps by Value seconds of simulated time.
	EventSeekBy
	// EventRateScale multiplies the playback rate by Value.
	EventRateScale
	EventQuit
)

func (k EventKind) String() string {
	switch k {
	case EventPick:
		return "pick"
	case EventClear:
		return "clear"
	case EventTogglePlay:
		return "toggle-play"
	case EventSeekBy:
		return "seek-by"
	case EventRateScale:
		return "rate-scale"
	case EventQuit:
		return "quit"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a raw interaction event from the active backend.
type Event struct {
	Kind     EventKind
	ObjectID string
	Value    float64
}

// Backend draws scenes. Scenes are immutable once composed, so a backend may
// keep the latest one until the next Render. Events may return nil for
// backends without input.
type Backend interface {
	Render(scene *model.SceneDescription) error
	Events() <-chan Event
	Close() error
}

// Loader acquires a backend. It must return promptly once ctx is cancelled.
type Loader func(ctx context.Context) (Backend, error)

// TierSpec describes one loadable tier.
type TierSpec struct {
	Name    string
	Timeout time.Duration
	Load    Loader
}

// Transition is published for every state change after Idle.
type Transition struct {
	From   State
	To     State
	Reason string
	Err    error
}
