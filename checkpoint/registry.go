package checkpoint

import (
	"fmt"
	"sync"
)

// savers registry maps saver names to implementations.
// Initialized with the "memory" saver.
var (
	savers = map[string]Saver{
		"memory": NewMemorySaver(),
	}
	mutex sync.RWMutex
)

// GetSaver retrieves a registered saver by name.
//
// This enables configuration-driven saver selection: JSON configurations
// name savers as strings resolved at runtime. Returns an error if the
// name is not registered.
//
// Example:
//
//	saver, err := checkpoint.GetSaver("memory")
//	if err != nil {
//	    log.Fatal(err)
//	}
func GetSaver(name string) (Saver, error) {
	mutex.RLock()
	defer mutex.RUnlock()

	saver, exists := savers[name]
	if !exists {
		return nil, fmt.Errorf("unknown checkpoint saver: %s", name)
	}
	return saver, nil
}

// RegisterSaver registers a saver implementation under the given name.
// Call before constructing engines that reference the name in
// configuration.
//
// Example:
//
//	checkpoint.RegisterSaver("file", checkpoint.NewFileSaver("/var/lib/flows"))
func RegisterSaver(name string, saver Saver) {
	mutex.Lock()
	defer mutex.Unlock()

	savers[name] = saver
}
