package ml

import (
	"errors"
	"fmt"
	"math"
)

// Kind names an estimator type. The set of kinds is closed and owned by the
// Registry.
type Kind string

const (
	KindSGD           Kind = "SGDClassifier"
	KindCategoricalNB Kind = "CategoricalNB"
	KindMLP           Kind = "MLPClassifier"
)

var (
	// ErrUnknownKind is returned for a model type the registry does not know.
	ErrUnknownKind = errors.New("unknown model type")
	// ErrInvalidParams is returned when constructor parameters are rejected.
	ErrInvalidParams = errors.New("invalid estimator parameters")
	// ErrNotFitted is returned by Predict before the first PartialFit.
	ErrNotFitted = errors.New("estimator is not fitted yet")
	// ErrInvalidInput is returned when an example cannot be used by the estimator.
	ErrInvalidInput = errors.New("invalid estimator input")
	// ErrCorruptState is returned when serialized state cannot be restored.
	ErrCorruptState = errors.New("corrupt estimator state")
)

// Estimator is an online classifier over fixed-length feature vectors and
// integer labels in [0, n_classes).
type Estimator interface {
	Kind() Kind
	// PartialFit applies one incremental update with a single example. classes
	// is the complete label space, not just the labels seen so far. After an
	// error the estimator may be partially updated and must be discarded.
	PartialFit(x []float64, y int, classes []int) error
	// Predict returns the most likely label for x.
	Predict(x []float64) (int, error)
}

// checkExample validates one training example against an estimator's shape.
func checkExample(x []float64, y int, classes []int, featureDim, nClasses int) error {
	if len(x) != featureDim {
		return fmt.Errorf("%w: expected %d features, got %d", ErrInvalidInput, featureDim, len(x))
	}
	if len(classes) != nClasses {
		return fmt.Errorf("%w: expected %d classes, got %d", ErrInvalidInput, nClasses, len(classes))
	}
	for i, c := range classes {
		if c != i {
			return fmt.Errorf("%w: classes must be 0..%d in order", ErrInvalidInput, nClasses-1)
		}
	}
	if y < 0 || y >= nClasses {
		return fmt.Errorf("%w: label %d outside [0, %d)", ErrInvalidInput, y, nClasses)
	}
	return nil
}

func checkFeatures(x []float64, featureDim int) error {
	if len(x) != featureDim {
		return fmt.Errorf("%w: expected %d features, got %d", ErrInvalidInput, featureDim, len(x))
	}
	return nil
}

func checkShape(featureDim, nClasses int) error {
	if featureDim < 1 {
		return fmt.Errorf("%w: feature dimension must be positive, got %d", ErrInvalidParams, featureDim)
	}
	if nClasses < 1 {
		return fmt.Errorf("%w: class count must be positive, got %d", ErrInvalidParams, nClasses)
	}
	return nil
}

// Classes returns the label space [0, n).
func Classes(n int) []int {
	classes := make([]int, n)
	for i := range classes {
		classes[i] = i
	}
	return classes
}

func argmax(scores []float64) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// finite reports whether every value in vs is a finite number.
func finite(vs ...[]float64) bool {
	for _, v := range vs {
		for _, f := range v {
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return false
			}
		}
	}
	return true
}

func finiteRows(rows [][]float64) bool {
	return finite(rows...)
}

var errOverflow = fmt.Errorf("%w: example drove the model to non-finite values", ErrInvalidInput)
