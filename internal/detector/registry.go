package detector

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/tphakala/psgscore/internal/errors"
	"github.com/tphakala/psgscore/internal/timespan"
	"github.com/tphakala/psgscore/internal/window"
)

// Detection is one finding reported by an algorithm, in recording seconds.
type Detection struct {
	Channel  string
	Interval timespan.Interval
	// Type is used only when the config sets no event type.
	Type       string
	Confidence *float64
}

// Algorithm is a named, versioned event detector.
type Algorithm interface {
	Name() string
	Version() string
	// MinWindow is the shortest gap-free span in seconds the algorithm can analyse.
	MinWindow() float64
	MinChannels() int
	// Detect analyses one window. It must be deterministic for fixed input and params.
	Detect(m *window.Matrix, params Params) ([]Detection, error)
}

// ParamValidator is implemented by algorithms that check their parameters
// before a run starts.
type ParamValidator interface {
	ValidateParams(params Params) error
}

// Info describes a registered algorithm.
type Info struct {
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	MinWindow   float64 `json:"min_window"`
	MinChannels int     `json:"min_channels"`
}

// Registry maps name and version to algorithms. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	algs map[string]map[string]Algorithm
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{algs: make(map[string]map[string]Algorithm)}
}

// DefaultRegistry returns a registry holding the built-in detectors.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, a := range []Algorithm{Amplitude{}, Envelope{}, Flatline{}} {
		r.MustRegister(a)
	}
	return r
}

// Register adds an algorithm. Registering the same name and version twice fails.
func (r *Registry) Register(a Algorithm) error {
	name, version := a.Name(), a.Version()
	if name == "" || version == "" || strings.Contains(name, "@") {
		return errors.Newf("detector name %q and version %q must be non-empty and name must not contain '@'", name, version).
			Component("detector").
			Category(errors.CategoryValidation).
			Build()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.algs[name]
	if versions == nil {
		versions = make(map[string]Algorithm)
		r.algs[name] = versions
	}
	// Versions that order equal, such as "1.01" and "1.1", would make the
	// highest-version lookup ambiguous.
	for existing := range versions {
		if compareVersions(existing, version) == 0 {
			return errors.Newf("detector %s@%s already registered as %s@%s", name, version, name, existing).
				Component("detector").
				Category(errors.CategoryConflict).
				Build()
		}
	}
	versions[version] = a
	return nil
}

// MustRegister is Register that panics on error, for package initialisation.
func (r *Registry) MustRegister(a Algorithm) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Lookup returns the algorithm registered as name@version. An empty version
// selects the highest registered version.
func (r *Registry) Lookup(name, version string) (Algorithm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.algs[name]
	if len(versions) == 0 {
		return nil, &UnknownDetectorError{Name: name, Version: version}
	}
	if version != "" {
		a, ok := versions[version]
		if !ok {
			return nil, &UnknownDetectorError{Name: name, Version: version}
		}
		return a, nil
	}

	var best string
	for v := range versions {
		if best == "" || compareVersions(v, best) > 0 {
			best = v
		}
	}
	return versions[best], nil
}

// List returns every registered algorithm ordered by name, then version.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Info
	for _, versions := range r.algs {
		for _, a := range versions {
			out = append(out, Info{
				Name:        a.Name(),
				Version:     a.Version(),
				MinWindow:   a.MinWindow(),
				MinChannels: a.MinChannels(),
			})
		}
	}
	slices.SortFunc(out, func(a, b Info) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return compareVersions(a.Version, b.Version)
	})
	return out
}

// compareVersions compares dotted versions numerically segment by segment,
// falling back to string order for non-numeric segments.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := range max(len(as), len(bs)) {
		var x, y string
		if i < len(as) {
			x = as[i]
		}
		if i < len(bs) {
			y = bs[i]
		}
		xi, errX := strconv.Atoi(x)
		yi, errY := strconv.Atoi(y)
		var c int
		if errX == nil && errY == nil {
			c = cmp.Compare(xi, yi)
		} else {
			c = cmp.Compare(x, y)
		}
		if c != 0 {
			return c
		}
	}
	return 0
}
