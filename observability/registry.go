package observability

import (
	"fmt"
	"log/slog"
	"sync"
)

// Named observers resolvable from configuration strings. "noop" and
// "slog" are built in; RegisterObserver adds more.
var (
	observersMu sync.RWMutex
	observers   = map[string]Observer{
		"noop": NoOpObserver{},
		"slog": NewSlogObserver(slog.Default()),
	}
)

// GetObserver resolves an observer name, typically taken from an engine
// configuration. Unknown names are an error rather than a silent noop so
// a misspelled configuration does not swallow telemetry.
func GetObserver(name string) (Observer, error) {
	observersMu.RLock()
	defer observersMu.RUnlock()

	obs, ok := observers[name]
	if !ok {
		return nil, fmt.Errorf("unknown observer: %s", name)
	}
	return obs, nil
}

// RegisterObserver makes an observer resolvable by name, replacing any
// previous registration. Register custom observers before constructing
// engines whose configuration references them.
//
// Example:
//
//	type MyObserver struct{ logger *slog.Logger }
//	func (o *MyObserver) OnEvent(ctx context.Context, event Event) {
//	    o.logger.Info("event", "type", event.Type, "source", event.Source)
//	}
//
//	observability.RegisterObserver("my-observer", &MyObserver{logger})
func RegisterObserver(name string, observer Observer) {
	observersMu.Lock()
	defer observersMu.Unlock()

	observers[name] = observer
}
