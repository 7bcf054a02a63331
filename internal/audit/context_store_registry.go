package audit

import (
	"strings"
	"sync"
)

type ContextStoreFactory func(dsn string) (ContextStore, error)

var contextStoreRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ContextStoreFactory
}{
	factories: map[string]ContextStoreFactory{},
}

// RegisterContextStoreFactory makes BuildContextStoreFromDSN route scheme to
// factory. Registered schemes take precedence over the built-in ones.
func RegisterContextStoreFactory(scheme string, factory ContextStoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	contextStoreRegistry.mu.Lock()
	defer contextStoreRegistry.mu.Unlock()
	contextStoreRegistry.factories[scheme] = factory
}

func lookupContextStoreFactory(scheme string) (ContextStoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	contextStoreRegistry.mu.RLock()
	defer contextStoreRegistry.mu.RUnlock()
	factory, ok := contextStoreRegistry.factories[scheme]
	return factory, ok
}

func normalizeStoreScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
