// Package exposure fires a one-shot callback when an element becomes sufficiently visible.
package exposure

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/oremus-labs/aip-weave/internal/logutil"
)

// DefaultThreshold is the visible fraction of an element that counts as an exposure.
const DefaultThreshold = 0.4

// ErrUnsupported is returned by observers that cannot watch visibility.
var ErrUnsupported = errors.New("exposure: visibility observation unsupported")

// ElementID identifies a rendered element on the host surface.
type ElementID string

// Observer is the visibility capability of the host environment. Observe
// invokes fn whenever element is at least threshold visible until stop is called.
type Observer interface {
	Observe(element ElementID, threshold float64, fn func()) (stop func(), err error)
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(threshold float64) Option {
	return func(d *Detector) {
		if threshold > 0 && threshold <= 1 {
			d.threshold = threshold
		}
	}
}

// WithLogger sets the detector logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.logger = l
		}
	}
}

// Detector invokes onExpose at most once per attachment.
type Detector struct {
	observer  Observer
	onExpose  func()
	threshold float64
	logger    *zap.Logger

	mu         sync.Mutex
	element    ElementID
	attached   bool
	fired      bool
	stop       func()
	generation uint64
}

// New creates a detector. A nil observer behaves like an environment without
// visibility support: attachments are accepted and never fire.
func New(observer Observer, onExpose func(), opts ...Option) *Detector {
	d := &Detector{
		observer:  observer,
		onExpose:  onExpose,
		threshold: DefaultThreshold,
		logger:    logutil.Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Attach starts observing element. Attaching a different element releases the
// previous observation and re-arms the detector; re-attaching the current one is a no-op.
func (d *Detector) Attach(element ElementID) {
	d.mu.Lock()
	if d.attached && d.element == element {
		d.mu.Unlock()
		return
	}
	prev := d.stop
	d.stop = nil
	d.generation++
	gen := d.generation
	d.element = element
	d.attached = element != ""
	d.fired = false
	d.mu.Unlock()

	if prev != nil {
		prev()
	}
	if element == "" || d.observer == nil {
		return
	}

	stop, err := d.observer.Observe(element, d.threshold, func() { d.trigger(gen) })
	if err != nil {
		if !errors.Is(err, ErrUnsupported) {
			d.logger.Debug("exposure observe failed", zap.String("element", string(element)), zap.Error(err))
		}
		return
	}

	d.mu.Lock()
	if d.generation != gen || d.fired {
		d.mu.Unlock()
		if stop != nil {
			stop()
		}
		return
	}
	d.stop = stop
	d.mu.Unlock()
}

// Detach releases the current observation.
func (d *Detector) Detach() {
	d.mu.Lock()
	stop := d.stop
	d.stop = nil
	d.generation++
	d.attached = false
	d.element = ""
	d.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// Fired reports whether the current attachment has fired.
func (d *Detector) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

func (d *Detector) trigger(gen uint64) {
	d.mu.Lock()
	if gen != d.generation || d.fired {
		d.mu.Unlock()
		return
	}
	d.fired = true
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
	if d.onExpose != nil {
		d.onExpose()
	}
}
