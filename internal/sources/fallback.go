package sources

import "errors"

// Fallback is the substitution policy for auxiliary lookups whose failure
// should not abort a snapshot.
type Fallback struct {
	OnError float64
}

// UseZero substitutes 0 for a failed lookup.
var UseZero = Fallback{OnError: 0}

// Lookup is a resolved auxiliary value. Degraded marks a substituted value;
// Errs keeps the causes.
type Lookup struct {
	Value    float64
	Degraded bool
	Errs     []error
}

// Err joins the causes of a degraded lookup, or nil.
func (l Lookup) Err() error { return errors.Join(l.Errs...) }

// Resolve applies the policy to a lookup result. Missing credentials are a
// configuration problem and are returned instead of being absorbed.
func (f Fallback) Resolve(v float64, err error) (Lookup, error) {
	if err == nil {
		return Lookup{Value: v}, nil
	}
	if errors.Is(err, ErrMissingCredential) {
		return Lookup{}, err
	}
	return Lookup{Value: f.OnError, Degraded: true, Errs: []error{err}}, nil
}
