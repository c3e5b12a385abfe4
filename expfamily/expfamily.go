// Package expfamily implements conjugate exponential-family
// distributions in natural-parameter form. A distribution is a flat
// natural-parameter vector plus a family tag; the family supplies the
// closed-form map from natural parameters to expected sufficient
// statistics. The layouts are chosen so that the conjugate update rule
// is literal vector addition:
//
//	posterior naturals = prior naturals + accumulated statistics
//
// which is what the model packages rely on when they accumulate
// natural-parameter increments.
package expfamily

import (
	"encoding/json"
	"fmt"
)

// Family identifies the distribution family of a Dist.
type Family int

const (
	Gamma Family = iota
	Dirichlet
	NormalIso
	NormalFull
	MatrixNormal
	NormalGamma
	NormalWishart
)

// descriptor carries the family-specific closed forms. Keeping them in
// a table makes Update/ExpectedStats generic across families.
type descriptor struct {
	name     string
	expected func(d *Dist) []float64
}

var families = map[Family]descriptor{
	Gamma:         {name: "Gamma", expected: gammaExpected},
	Dirichlet:     {name: "Dirichlet", expected: dirichletExpected},
	NormalIso:     {name: "NormalIso", expected: normalIsoExpected},
	NormalFull:    {name: "NormalFull", expected: normalFullExpected},
	MatrixNormal:  {name: "MatrixNormal", expected: matrixNormalExpected},
	NormalGamma:   {name: "NormalGamma", expected: normalGammaExpected},
	NormalWishart: {name: "NormalWishart", expected: normalWishartExpected},
}

func (f Family) String() string {
	d, ok := families[f]
	if !ok {
		return fmt.Sprintf("Family(%d)", int(f))
	}
	return d.name
}

// InvalidParamError reports a malformed prior specification such as a
// non-positive-definite covariance or a non-positive pseudo-count.
type InvalidParamError struct {
	Family string
	Reason string
}

func (e *InvalidParamError) Error() string {
	return fmt.Sprintf("expfamily: invalid %s parameters: %s", e.Family, e.Reason)
}

// Dist is an exponential-family distribution over one model parameter,
// used both as prior and as posterior. The zero value is not usable;
// create instances with the family constructors.
type Dist struct {
	family Family
	nat    []float64
	dim    int // data dimensionality
	rows   int // subspace rows, MatrixNormal only

	// Expected sufficient statistics, computed lazily from the
	// naturals and dropped on every update.
	expStats []float64
}

// Fam returns the family tag.
func (d *Dist) Fam() Family { return d.family }

// Dim returns the data dimensionality of the distribution.
func (d *Dist) Dim() int { return d.dim }

// Rows returns the number of subspace rows (MatrixNormal only).
func (d *Dist) Rows() int { return d.rows }

// NaturalParams returns the natural-parameter vector. The slice is the
// distribution's backing storage; callers must treat it as read-only.
func (d *Dist) NaturalParams() []float64 { return d.nat }

// Update adds a natural-parameter increment to the distribution. This
// is the conjugate/natural-gradient step; any scaling or damping is the
// caller's responsibility.
func (d *Dist) Update(inc []float64) error {
	if len(inc) != len(d.nat) {
		return &InvalidParamError{
			Family: d.family.String(),
			Reason: fmt.Sprintf("natural-parameter increment has length %d, want %d", len(inc), len(d.nat)),
		}
	}
	for i, v := range inc {
		d.nat[i] += v
	}
	d.expStats = nil
	return nil
}

// ExpectedStats returns the expected sufficient statistics of the
// distribution as a flat vector. The layout is family specific; the
// typed moment accessors unpack it. The result is cached until the
// naturals change and must be treated as read-only.
func (d *Dist) ExpectedStats() []float64 {
	if d.expStats == nil {
		d.expStats = families[d.family].expected(d)
	}
	return d.expStats
}

// Copy returns an independent distribution with the same naturals.
// Use it to initialize a posterior equal to its prior.
func (d *Dist) Copy() *Dist {
	nat := make([]float64, len(d.nat))
	copy(nat, d.nat)
	return &Dist{family: d.family, nat: nat, dim: d.dim, rows: d.rows}
}

func (d *Dist) mustBe(f Family) {
	if d.family != f {
		panic(fmt.Sprintf("expfamily: %s moments requested from a %s distribution",
			f, d.family))
	}
}

type distJSON struct {
	Family string    `json:"family"`
	Nat    []float64 `json:"natural_params"`
	Dim    int       `json:"dim"`
	Rows   int       `json:"rows,omitempty"`
}

// MarshalJSON serializes the family tag and the natural parameters.
// The expected statistics are derived state and are not persisted.
func (d *Dist) MarshalJSON() ([]byte, error) {
	return json.Marshal(distJSON{
		Family: d.family.String(),
		Nat:    d.nat,
		Dim:    d.dim,
		Rows:   d.rows,
	})
}

// UnmarshalJSON restores a distribution serialized with MarshalJSON.
func (d *Dist) UnmarshalJSON(b []byte) error {
	var dj distJSON
	if err := json.Unmarshal(b, &dj); err != nil {
		return err
	}
	found := false
	for f, desc := range families {
		if desc.name == dj.Family {
			d.family = f
			found = true
			break
		}
	}
	if !found {
		return &InvalidParamError{Family: dj.Family, Reason: "unknown family tag"}
	}
	d.nat = dj.Nat
	d.dim = dj.Dim
	d.rows = dj.Rows
	d.expStats = nil
	return nil
}
