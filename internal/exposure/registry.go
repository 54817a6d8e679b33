package exposure

import "sync"

type watcher struct {
	threshold float64
	fn        func()
}

// Registry is an Observer driven by visibility reports from the host
// (e.g. beacons posted by the browser surface).
type Registry struct {
	mu       sync.Mutex
	next     uint64
	watchers map[ElementID]map[uint64]watcher
	ratios   map[ElementID]float64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		watchers: make(map[ElementID]map[uint64]watcher),
		ratios:   make(map[ElementID]float64),
	}
}

// Observe registers fn for element. If the last report for element already
// crosses threshold, fn runs before Observe returns.
func (r *Registry) Observe(element ElementID, threshold float64, fn func()) (func(), error) {
	if r == nil {
		return nil, ErrUnsupported
	}
	r.mu.Lock()
	r.next++
	id := r.next
	if r.watchers[element] == nil {
		r.watchers[element] = make(map[uint64]watcher)
	}
	r.watchers[element][id] = watcher{threshold: threshold, fn: fn}
	ratio, seen := r.ratios[element]
	r.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if set, ok := r.watchers[element]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(r.watchers, element)
				}
			}
		})
	}

	if seen && crosses(ratio, threshold) && fn != nil {
		fn()
	}
	return stop, nil
}

// Report records the visible fraction of element and notifies every watcher
// whose threshold is crossed. It returns the number of callbacks invoked.
func (r *Registry) Report(element ElementID, ratio float64) int {
	if r == nil {
		return 0
	}
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}

	r.mu.Lock()
	r.ratios[element] = ratio
	var due []func()
	for _, w := range r.watchers[element] {
		if crosses(ratio, w.threshold) && w.fn != nil {
			due = append(due, w.fn)
		}
	}
	r.mu.Unlock()

	for _, fn := range due {
		fn()
	}
	return len(due)
}

// Forget drops the last known ratio of a removed element.
func (r *Registry) Forget(element ElementID) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.ratios, element)
	r.mu.Unlock()
}

// Ratio returns the last reported ratio of element, if one is recorded.
func (r *Registry) Ratio(element ElementID) (float64, bool) {
	if r == nil {
		return 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ratio, ok := r.ratios[element]
	return ratio, ok
}

// Watching returns the number of active observations on element.
func (r *Registry) Watching(element ElementID) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers[element])
}

func crosses(ratio, threshold float64) bool {
	return ratio > 0 && ratio >= threshold
}
