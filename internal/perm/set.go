package perm

import "sort"

// Set is a resolved permission set. The zero value is an empty set.
// A Set is never mutated after construction, so it is safe to share between
// goroutines and to hand out from the cache.
type Set struct {
	keys map[string]struct{}
}

// NewSet builds a set from keys, skipping blanks and duplicates.
func NewSet(keys ...string) Set {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		m[k] = struct{}{}
	}
	return Set{keys: m}
}

// Has reports whether key is in the set.
func (s Set) Has(key string) bool {
	_, ok := s.keys[key]
	return ok
}

// HasAll reports whether every key is present. An empty request is satisfied.
func (s Set) HasAll(keys ...string) bool {
	for _, k := range keys {
		if !s.Has(k) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one key is present. An empty request is not satisfied.
func (s Set) HasAny(keys ...string) bool {
	for _, k := range keys {
		if s.Has(k) {
			return true
		}
	}
	return false
}

// Missing returns the keys not present in s, sorted.
func (s Set) Missing(keys ...string) []string {
	var out []string
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		if !s.Has(k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Union returns a new set holding the keys of s and other.
func (s Set) Union(other Set) Set {
	m := make(map[string]struct{}, len(s.keys)+len(other.keys))
	for k := range s.keys {
		m[k] = struct{}{}
	}
	for k := range other.keys {
		m[k] = struct{}{}
	}
	return Set{keys: m}
}

// Len returns the number of keys.
func (s Set) Len() int { return len(s.keys) }

// Keys returns the keys sorted.
func (s Set) Keys() []string {
	out := make([]string, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
