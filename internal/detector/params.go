package detector

import (
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/tphakala/psgscore/internal/errors"
)

// Params holds numeric algorithm parameters by name.
type Params map[string]float64

// Get returns the named value and whether it is set.
func (p Params) Get(name string) (float64, bool) {
	v, ok := p[name]
	return v, ok
}

// Float returns the named value or def when unset.
func (p Params) Float(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Clone copies the map so configs stay immutable.
func (p Params) Clone() Params {
	return maps.Clone(p)
}

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	return slices.Sorted(maps.Keys(p))
}

// paramCheck collects parameter problems for one algorithm.
type paramCheck struct {
	algorithm string
	params    Params
	problems  []string
}

func checkParams(algorithm string, params Params) *paramCheck {
	return &paramCheck{algorithm: algorithm, params: params}
}

// required returns a finite value that must be greater than zero.
func (c *paramCheck) required(name string) float64 {
	v, ok := c.params.Get(name)
	switch {
	case !ok:
		c.problems = append(c.problems, "missing required parameter "+name)
	case math.IsNaN(v) || math.IsInf(v, 0) || v <= 0:
		c.problems = append(c.problems, name+" must be a positive number")
	}
	return v
}

// optional returns def when unset and rejects negative or non-finite values.
func (c *paramCheck) optional(name string, def float64) float64 {
	v, ok := c.params.Get(name)
	if !ok {
		return def
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		c.problems = append(c.problems, name+" must be a non-negative number")
	}
	return v
}

func (c *paramCheck) err() error {
	if len(c.problems) == 0 {
		return nil
	}
	return errors.Newf("%s: %s", c.algorithm, strings.Join(c.problems, "; ")).
		Component("detector").
		Category(errors.CategoryValidation).
		Context("algorithm", c.algorithm).
		Build()
}
