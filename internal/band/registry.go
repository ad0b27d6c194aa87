package band

import (
	"sort"

	loraband "github.com/brocaar/lorawan/band"
	"github.com/pkg/errors"
)

// Definition links a region name to its regional parameters.
type Definition struct {
	Name Name

	// Band is the regional parameters plan backing the region. A fresh
	// instance of it is created for every device.
	Band loraband.Name

	// Hopping is set for the 64+8 channel plans where gateway channels
	// narrow down the enabled channels instead of adding channels.
	Hopping bool
}

// Registry holds the known regions. It is not modified after construction.
type Registry struct {
	defs map[Name]Definition
}

// NewRegistry returns a registry holding the given region definitions.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := Registry{
		defs: make(map[Name]Definition, len(defs)),
	}

	for _, d := range defs {
		if d.Name == "" {
			return nil, errors.New("region name must be set")
		}
		if _, ok := r.defs[d.Name]; ok {
			return nil, errors.Errorf("region %s registered twice", d.Name)
		}
		if _, err := loraband.GetConfig(d.Band, false, lorawanDwellTime); err != nil {
			return nil, errors.Wrapf(err, "region %s", d.Name)
		}
		r.defs[d.Name] = d
	}

	return &r, nil
}

// DefaultRegistry returns a registry holding the built-in regions.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(eu868(), us915(), au915())
	if err != nil {
		panic(err)
	}
	return r
}

// Names returns the registered region names, sorted.
func (r *Registry) Names() []Name {
	var out []Name
	for n := range r.defs {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Has returns true when the given region is registered.
func (r *Registry) Has(name Name) bool {
	_, ok := r.defs[name]
	return ok
}

// New returns a Band for the given region and device settings.
func (r *Registry) New(name Name, s Settings) (*Band, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRegion, "region %s", name)
	}
	return newBand(def, s)
}
