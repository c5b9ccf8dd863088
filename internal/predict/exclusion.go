package predict

import "sort"

// Exclusion is a frozen set of species names. Every Classify call gets its
// own snapshot, so a session adding a rejection cannot change a call that is
// already running.
type Exclusion struct {
	set map[string]struct{}
}

func NewExclusion(names ...string) Exclusion {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return Exclusion{set: set}
}

func (e Exclusion) Contains(name string) bool {
	_, ok := e.set[name]
	return ok
}

func (e Exclusion) Len() int {
	return len(e.set)
}

// Names returns the excluded species in sorted order.
func (e Exclusion) Names() []string {
	out := make([]string, 0, len(e.set))
	for n := range e.set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// With returns a new snapshot that also excludes names.
func (e Exclusion) With(names ...string) Exclusion {
	set := make(map[string]struct{}, len(e.set)+len(names))
	for n := range e.set {
		set[n] = struct{}{}
	}
	for _, n := range names {
		set[n] = struct{}{}
	}
	return Exclusion{set: set}
}
