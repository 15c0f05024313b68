package ml

import (
	"fmt"
	"sort"
)

// Spec is the capability set the registry holds for one estimator kind.
type Spec struct {
	Kind        Kind
	Description string
	// New constructs a fresh, unfit estimator.
	New func(params Params, featureDim, nClasses int) (Estimator, error)
	// Decode restores an estimator from the state produced by encoding it.
	Decode func(state []byte) (Estimator, error)
}

// Registry maps a model type name to its Spec.
type Registry struct {
	specs map[Kind]Spec
}

// NewRegistry builds a registry from specs. Later specs replace earlier ones
// with the same kind.
func NewRegistry(specs ...Spec) *Registry {
	r := &Registry{specs: make(map[Kind]Spec, len(specs))}
	for _, s := range specs {
		r.specs[s.Kind] = s
	}
	return r
}

// DefaultRegistry returns the closed set of supported estimators.
func DefaultRegistry() *Registry {
	return NewRegistry(
		Spec{
			Kind:        KindSGD,
			Description: "linear classifier fit with stochastic gradient descent",
			New:         newSGDClassifier,
			Decode:      decodeSGDClassifier,
		},
		Spec{
			Kind:        KindCategoricalNB,
			Description: "naive Bayes for categorical features",
			New:         newCategoricalNB,
			Decode:      decodeCategoricalNB,
		},
		Spec{
			Kind:        KindMLP,
			Description: "multilayer perceptron with softmax output",
			New:         newMLPClassifier,
			Decode:      decodeMLPClassifier,
		},
	)
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (Spec, bool) {
	s, ok := r.specs[Kind(name)]
	return s, ok
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.specs))
	for k := range r.specs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// New constructs an unfit estimator of the named kind.
func (r *Registry) New(name string, params Params, featureDim, nClasses int) (Estimator, error) {
	s, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	if params == nil {
		params = Params{}
	}
	return s.New(params, featureDim, nClasses)
}
