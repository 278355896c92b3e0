package jobs

import (
	"fmt"
	"slices"
)

// Entry pairs a descriptor with its processor.
type Entry struct {
	Descriptor
	Process Processor
}

// Catalog is an ordered, immutable set of entries. Order defines each job's
// stagger position.
type Catalog struct {
	entries []Entry
	index   map[string]int
}

// New builds a catalog. Types must be unique and every entry needs a query
// and a processor.
func New(entries ...Entry) (*Catalog, error) {
	c := &Catalog{
		entries: make([]Entry, 0, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for _, e := range entries {
		if e.Type == "" {
			return nil, fmt.Errorf("catalog entry %d has no type", len(c.entries))
		}
		if _, dup := c.index[e.Type]; dup {
			return nil, fmt.Errorf("duplicate job type %q", e.Type)
		}
		if e.Query == "" || e.Process == nil {
			return nil, fmt.Errorf("job type %q needs a query and a processor", e.Type)
		}
		c.index[e.Type] = len(c.entries)
		c.entries = append(c.entries, e)
	}
	return c, nil
}

// Default returns the standard catalog.
func Default() *Catalog {
	c, err := New(standardEntries()...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Lookup(jobType string) (Entry, bool) {
	i, ok := c.index[jobType]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// All returns every entry in catalog order.
func (c *Catalog) All() []Entry {
	return slices.Clone(c.entries)
}

// Daily returns the entries run on the daily cadence. Near-real-time
// entries also get a daily snapshot, so this is every entry.
func (c *Catalog) Daily() []Entry {
	return c.All()
}

// NearRealTime returns the entries run on the fast cadence.
func (c *Catalog) NearRealTime() []Entry {
	var out []Entry
	for _, e := range c.entries {
		if e.NearRealTime {
			out = append(out, e)
		}
	}
	return out
}

// Position returns the entry's index, or -1 for an unknown type.
func (c *Catalog) Position(jobType string) int {
	i, ok := c.index[jobType]
	if !ok {
		return -1
	}
	return i
}

func (c *Catalog) Processor(jobType string) (Processor, bool) {
	e, ok := c.Lookup(jobType)
	if !ok {
		return nil, false
	}
	return e.Process, true
}

// Types returns every job type in catalog order.
func (c *Catalog) Types() []string {
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Type
	}
	return out
}
