// Package catalog indexes tool descriptors published by the local backend and
// by every ready provider session.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/harun/toolgate/pkg/tool"
)

// ErrToolNotFound is returned when a name is not in the catalog.
var ErrToolNotFound = fmt.Errorf("%w in catalog", tool.ErrNotFound)

// Source publishes the descriptor set of one origin.
type Source interface {
	Origin() tool.Origin
	Discover(ctx context.Context) ([]tool.Descriptor, error)
}

type entry struct {
	desc   tool.Descriptor
	schema *gojsonschema.Schema
}

// Catalog is safe for concurrent use. Each origin's set is replaced as a
// whole; sets are never merged.
type Catalog struct {
	sets  map[string][]string
	index map[string]*entry
	mu    sync.RWMutex
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{
		sets:  make(map[string][]string),
		index: make(map[string]*entry),
	}
}

// Replace publishes descs as the complete set for origin, superseding any
// previous set. Descriptors whose qualified name is owned by another origin
// are skipped.
func (c *Catalog) Replace(origin tool.Origin, descs []tool.Descriptor) []string {
	prepared := make([]*entry, 0, len(descs))
	for _, d := range descs {
		d.Origin = origin
		if d.Origin.IsRemote() {
			d.ProviderID = origin.Provider
		}
		if strings.TrimSpace(d.Name) == "" {
			log.Warn().Str("origin", origin.String()).Msg("Skipping tool descriptor without a name")
			continue
		}
		schema, err := compileSchema(d.InputSchema)
		if err != nil {
			log.Warn().
				Err(err).
				Str("tool", d.QualifiedName()).
				Msg("Invalid input schema, arguments will not be validated")
		}
		prepared = append(prepared, &entry{desc: d, schema: schema})
	}

	key := origin.String()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.dropLocked(key)

	names := make([]string, 0, len(prepared))
	for _, e := range prepared {
		name := e.desc.QualifiedName()
		if existing, ok := c.index[name]; ok {
			log.Warn().
				Str("tool", name).
				Str("origin", key).
				Str("owner", existing.desc.Origin.String()).
				Msg("Tool name conflict, keeping existing descriptor")
			continue
		}
		c.index[name] = e
		names = append(names, name)
	}
	c.sets[key] = names

	log.Debug().
		Str("origin", key).
		Int("tools", len(names)).
		Msg("Catalog set replaced")

	return names
}

// Remove drops every descriptor published by origin.
func (c *Catalog) Remove(origin tool.Origin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(origin.String())
}

// RemoveProvider drops every descriptor published by a provider session.
func (c *Catalog) RemoveProvider(providerID string) {
	c.Remove(tool.RemoteOrigin(providerID))
}

func (c *Catalog) dropLocked(key string) {
	for _, name := range c.sets[key] {
		delete(c.index, name)
	}
	delete(c.sets, key)
}

// Refresh re-pulls every source and replaces its set. A failing source keeps
// its previous set; failures are joined into the returned error.
func (c *Catalog) Refresh(ctx context.Context, sources ...Source) error {
	var errs []error
	for _, src := range sources {
		descs, err := src.Discover(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", src.Origin(), err))
			continue
		}
		c.Replace(src.Origin(), descs)
	}
	return errors.Join(errs...)
}

// Lookup returns the descriptor for a qualified name.
func (c *Catalog) Lookup(name string) (tool.Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.index[name]
	if !ok {
		return tool.Descriptor{}, false
	}
	return e.desc, true
}

// All returns a snapshot of every descriptor, ordered by qualified name.
func (c *Catalog) All() []tool.Descriptor {
	c.mu.RLock()
	out := make([]tool.Descriptor, 0, len(c.index))
	for _, e := range c.index {
		out = append(out, e.desc)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].QualifiedName() < out[j].QualifiedName()
	})
	return out
}

// Origins lists origins with a published set.
func (c *Catalog) Origins() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.sets))
	for k := range c.sets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of indexed tools.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

// ValidateArgs checks args against the tool's input schema. Tools without a
// usable schema accept any arguments.
func (c *Catalog) ValidateArgs(name string, args map[string]interface{}) error {
	c.mu.RLock()
	e, ok := c.index[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if e.schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return fmt.Errorf("%w: %v", tool.ErrValidation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			msgs = append(msgs, re.String())
		}
		return fmt.Errorf("%w: invalid arguments: %s", tool.ErrValidation, strings.Join(msgs, "; "))
	}
	return nil
}

func compileSchema(raw []byte) (*gojsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
}
