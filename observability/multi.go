package observability

import "context"

// MultiObserver fans a single event stream out to several observers, for
// example a slog observer for operators alongside a collector feeding a
// test assertion. The observer set is fixed at construction and OnEvent
// takes no locks.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver wraps the given observers. Nil entries are dropped, so
// optional observers can be passed through unconditionally.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	kept := make([]Observer, 0, len(observers))
	for _, obs := range observers {
		if obs != nil {
			kept = append(kept, obs)
		}
	}
	return &MultiObserver{observers: kept}
}

// OnEvent delivers the event to every wrapped observer in order. A slow
// observer delays the ones behind it; observers that cannot afford that
// should buffer internally.
func (m *MultiObserver) OnEvent(ctx context.Context, event Event) {
	for _, obs := range m.observers {
		obs.OnEvent(ctx, event)
	}
}
