package sasl

import (
	"sort"
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Mechanism)
)

// Register makes a mechanism available to every Context initialized afterwards.
// Mechanism packages call it from init.
//
// Register panics if the name is empty, already registered, or no role is supported.
func Register(m Mechanism) {
	name := strings.ToUpper(m.Name)
	if name == "" {
		panic("sasl: Register of a mechanism without a name")
	}
	if m.NewClient == nil && m.NewServer == nil {
		panic("sasl: Register of " + name + " without codecs")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		panic("sasl: Register called twice for mechanism " + name)
	}
	m.Name = name
	registry[name] = m
}

// Registered returns the names of the registered mechanisms in priority order.
func Registered() []string {
	ms := registered()
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = m.Name
	}
	return names
}

func registered() []Mechanism {
	registryMu.RLock()
	defer registryMu.RUnlock()

	ms := make([]Mechanism, 0, len(registry))
	for _, m := range registry {
		ms = append(ms, m)
	}
	sortMechanisms(ms)

	return ms
}

// sortMechanisms orders by priority, highest first; names break ties.
func sortMechanisms(ms []Mechanism) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Priority != ms[j].Priority {
			return ms[i].Priority > ms[j].Priority
		}
		return ms[i].Name < ms[j].Name
	})
}

// candidates splits a whitespace-delimited mechanism list, dropping duplicates.
func candidates(list string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, f := range strings.Fields(list) {
		name := strings.ToUpper(f)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}
