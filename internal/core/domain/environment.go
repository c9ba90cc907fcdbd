package domain

import "sort"

// Environment is the immutable parameter set a run is rendered against.
// It is loaded once and passed explicitly; there is no ambient lookup.
type Environment struct {
	values map[string]string
}

// NewEnvironment copies values into a new Environment.
func NewEnvironment(values map[string]string) Environment {
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return Environment{values: copied}
}

// Lookup returns the value for key and whether it is set.
func (e Environment) Lookup(key string) (string, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Get returns the value for key, or "" when unset.
func (e Environment) Get(key string) string {
	return e.values[key]
}

// Len returns the number of parameters.
func (e Environment) Len() int {
	return len(e.values)
}

// Keys returns the parameter names in sorted order.
func (e Environment) Keys() []string {
	keys := make([]string, 0, len(e.values))
	for k := range e.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// With returns a copy of e with key set to value. e is unchanged.
func (e Environment) With(key, value string) Environment {
	next := NewEnvironment(e.values)
	next.values[key] = value
	return next
}

// Map returns a copy of the parameters.
func (e Environment) Map() map[string]string {
	out := make(map[string]string, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}
