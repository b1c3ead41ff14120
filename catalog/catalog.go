// Package catalog holds the named inputs and outputs queries refer to, the contracts external
// sources and sinks implement, and in-memory implementations of both.
package catalog

import (
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrSourceExists is returned when registering a name twice.
var ErrSourceExists = errors.New("source already registered")

// ErrSourceNotFound is returned by Lookup for an unknown name.
var ErrSourceNotFound = errors.New("source not found")

// Catalog maps names to sources. It is safe for concurrent use; registering and dropping sources
// never affects queries that already resolved them.
type Catalog struct {
	sources *xsync.MapOf[string, Source]
}

func NewCatalog() *Catalog {
	return &Catalog{sources: xsync.NewMapOf[string, Source]()}
}

// Register adds a source under its own name.
func (c *Catalog) Register(src Source) error {
	if _, loaded := c.sources.LoadOrStore(src.Name(), src); loaded {
		return errors.Wrapf(ErrSourceExists, "registering %q", src.Name())
	}
	return nil
}

// Replace registers src, overwriting a source of the same name.
func (c *Catalog) Replace(src Source) {
	c.sources.Store(src.Name(), src)
}

// Lookup returns the source registered under name.
func (c *Catalog) Lookup(name string) (Source, error) {
	src, ok := c.sources.Load(name)
	if !ok {
		return nil, errors.Wrapf(ErrSourceNotFound, "looking up %q", name)
	}
	return src, nil
}

// Drop removes a source. It reports whether the source existed.
func (c *Catalog) Drop(name string) bool {
	_, loaded := c.sources.LoadAndDelete(name)
	return loaded
}

// Names lists the registered sources in lexical order.
func (c *Catalog) Names() []string {
	var names []string
	c.sources.Range(func(name string, _ Source) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// SourcesWithColumn lists the sources whose schema contains the column, in lexical order.
func (c *Catalog) SourcesWithColumn(column string) []string {
	var names []string
	c.sources.Range(func(name string, src Source) bool {
		if _, ok := src.Schema().Lookup(column); ok {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}
