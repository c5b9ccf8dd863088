// Package species holds the ordered species catalog shared by the classifier
// and the prediction engine, plus the reference-data lookup contract.
package species

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidCatalog = errors.New("invalid species catalog")

// Catalog is the ordered list of species the classifier was trained on.
// Index i of every probability vector corresponds to Name(i).
type Catalog struct {
	names []string
	index map[string]int
}

func NewCatalog(names []string) (*Catalog, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no species", ErrInvalidCatalog)
	}

	c := &Catalog{
		names: make([]string, len(names)),
		index: make(map[string]int, len(names)),
	}
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: blank name at index %d", ErrInvalidCatalog, i)
		}
		if prev, dup := c.index[name]; dup {
			return nil, fmt.Errorf("%w: %q appears at %d and %d", ErrInvalidCatalog, name, prev, i)
		}
		c.names[i] = name
		c.index[name] = i
	}
	return c, nil
}

func (c *Catalog) Len() int {
	return len(c.names)
}

func (c *Catalog) Name(i int) string {
	return c.names[i]
}

func (c *Catalog) Index(name string) (int, bool) {
	i, ok := c.index[name]
	return i, ok
}

func (c *Catalog) Contains(name string) bool {
	_, ok := c.index[name]
	return ok
}

// Names returns a copy of the catalog order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.names))
	copy(out, c.names)
	return out
}
