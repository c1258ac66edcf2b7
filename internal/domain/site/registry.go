package site

import (
	"fmt"
	"path"
	"path/filepath"
)

// Registry is an ordered list of sites. File names are resolved against the
// list in order and the first site whose fragment matches wins.
type Registry struct {
	sites  []*Site
	byName map[string]*Site
}

// NewRegistry validates the sites and builds a registry in the given
// priority order.
func NewRegistry(sites ...*Site) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Site, len(sites))}
	for _, s := range sites {
		if s == nil {
			continue
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[s.Name]; dup {
			return nil, fmt.Errorf("site %s defined twice", s.Name)
		}
		r.sites = append(r.sites, s)
		r.byName[s.Name] = s
	}
	return r, nil
}

// With returns a registry where overrides replace same-named sites in place
// and new sites are appended after the existing ones.
func (r *Registry) With(overrides ...*Site) (*Registry, error) {
	replaced := make(map[string]*Site, len(overrides))
	for _, s := range overrides {
		replaced[s.Name] = s
	}
	merged := make([]*Site, 0, len(r.sites)+len(overrides))
	for _, s := range r.sites {
		if o, ok := replaced[s.Name]; ok {
			merged = append(merged, o)
			delete(replaced, s.Name)
			continue
		}
		merged = append(merged, s)
	}
	for _, s := range overrides {
		if _, pending := replaced[s.Name]; pending {
			merged = append(merged, s)
		}
	}
	return NewRegistry(merged...)
}

// Sites returns the sites in priority order.
func (r *Registry) Sites() []*Site {
	return append([]*Site(nil), r.sites...)
}

// Lookup returns the site with the given name.
func (r *Registry) Lookup(name string) (*Site, error) {
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, name)
	}
	return s, nil
}

// ResolveSite maps a file name to its site.
func (r *Registry) ResolveSite(fileName string) (*Site, error) {
	base := baseName(fileName)
	for _, s := range r.sites {
		if s.Matches(base) {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: no site matches %s", ErrUnknownSite, base)
}

// Classify maps a file name to the file kind of the given site.
func (r *Registry) Classify(s *Site, fileName string) (FileKind, error) {
	return s.Classify(baseName(fileName))
}

// ColumnMap returns the schema for a site and file kind.
func (r *Registry) ColumnMap(siteName string, kind FileKind) (*Schema, error) {
	s, err := r.Lookup(siteName)
	if err != nil {
		return nil, err
	}
	return s.ColumnMap(kind)
}

// Resolve runs site resolution, classification and schema lookup for one
// file. Any failure is a configuration error for the whole file.
func (r *Registry) Resolve(fileName string) (*Site, FileKind, *Schema, error) {
	s, err := r.ResolveSite(fileName)
	if err != nil {
		return nil, "", nil, err
	}
	kind, err := r.Classify(s, fileName)
	if err != nil {
		return s, "", nil, err
	}
	schema, err := s.ColumnMap(kind)
	if err != nil {
		return s, kind, nil, err
	}
	return s, kind, schema, nil
}

func baseName(fileName string) string {
	return path.Base(filepath.ToSlash(fileName))
}
