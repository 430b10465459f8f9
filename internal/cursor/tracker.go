package cursor

import (
	"context"
	"errors"
	"sync"
	"time"
)

// defaultRefreshInterval is an approximation knob, not precise
// invalidation: layout shifts (resize, reflow) produce no event here, so
// the tracker re-samples on a fixed cadence.
const defaultRefreshInterval = 100 * time.Millisecond

var errMissingSample = errors.New("cursor: sample function is required")

// Sample is one observation of a remote editor's cursor: the field text,
// the rune offset and the current geometry of the target box.
type Sample struct {
	Text   string
	Offset int
	Box    Box
}

// TrackerConfig describes a tracker for one remote editor's indicator.
type TrackerConfig struct {
	Projector *Projector
	// Sample supplies the current text, offset and box geometry. Called
	// on every tick and on Refresh.
	Sample func() Sample
	// RefreshInterval overrides the recompute cadence. Zero selects the
	// 100ms default.
	RefreshInterval time.Duration
}

// Tracker recomputes a cursor projection on a timer and on demand, emitting
// a Point whenever the projected position changes. The timer stops when the
// context is cancelled or the cleanup function runs, so a torn-down overlay
// leaks no background work.
type Tracker struct {
	projector *Projector
	sample    func() Sample
	interval  time.Duration

	mu   sync.Mutex
	last *Point

	refresh chan struct{}
}

// NewTracker constructs a tracker.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if cfg.Sample == nil {
		return nil, errMissingSample
	}
	projector := cfg.Projector
	if projector == nil {
		projector = NewProjector(nil)
	}
	interval := cfg.RefreshInterval
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &Tracker{
		projector: projector,
		sample:    cfg.Sample,
		interval:  interval,
		refresh:   make(chan struct{}, 1),
	}, nil
}

// Start begins the recompute loop. The first projection is emitted
// immediately; afterwards a Point is emitted whenever a tick or Refresh
// observes a changed position. The cleanup function (or context
// cancellation) stops the loop and closes the stream.
func (t *Tracker) Start(ctx context.Context) (<-chan Point, func()) {
	points := make(chan Point, 1)
	loopCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(points)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		t.recompute(points, true)
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				t.recompute(points, false)
			case <-t.refresh:
				t.recompute(points, false)
			}
		}
	}()

	return points, cancel
}

// Refresh forces an immediate recompute, used when the cursor offset or the
// tracked element reference changes ahead of the next tick.
func (t *Tracker) Refresh() {
	select {
	case t.refresh <- struct{}{}:
	default:
	}
}

func (t *Tracker) recompute(points chan Point, force bool) {
	observed := t.sample()
	point := t.projector.Project(observed.Text, observed.Offset, observed.Box)

	t.mu.Lock()
	changed := force || t.last == nil || *t.last != point
	if changed {
		stored := point
		t.last = &stored
	}
	t.mu.Unlock()

	if !changed {
		return
	}
	select {
	case points <- point:
	default:
		// Drop the stale point waiting in the buffer and deliver the
		// fresh one.
		select {
		case <-points:
		default:
		}
		select {
		case points <- point:
		default:
		}
	}
}
