package analysis

import (
	"fmt"
	"sort"
	"sync"
)

// Common result codes shared by validation clients.
const (
	ResultOK      = "0"
	ResultError   = "-1"
	ResultUnknown = "XX"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Method)
	order      []string
)

// RegisterMethod adds a method to the registry. Registering the same name
// twice replaces the method.
func RegisterMethod(m Method) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[m.Name]; !exists {
		order = append(order, m.Name)
	}
	registry[m.Name] = m
}

// GetMethod returns a registered method by name.
func GetMethod(name string) (Method, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	m, ok := registry[name]
	return m, ok
}

// Methods resolves the named methods, or all available ones when names is
// empty.
func Methods(names []string) ([]Method, error) {
	if len(names) == 0 {
		return AllMethods(), nil
	}
	methods := make([]Method, 0, len(names))
	for _, name := range names {
		m, ok := GetMethod(name)
		if !ok {
			return nil, fmt.Errorf("unknown analytical method %q, available: %v", name, MethodNames())
		}
		methods = append(methods, m)
	}
	return methods, nil
}

// AllMethods returns all registered methods available on this system, in
// registration order.
func AllMethods() []Method {
	registryMu.RLock()
	defer registryMu.RUnlock()
	methods := make([]Method, 0, len(registry))
	for _, name := range order {
		m := registry[name]
		if m.Available == nil || m.Available() {
			methods = append(methods, m)
		}
	}
	return methods
}

// MethodNames lists all registered method names, sorted.
func MethodNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
