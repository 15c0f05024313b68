package ml

import (
	"encoding/json"
	"fmt"
	"math"
)

// maxCategory bounds the category index a single feature value may select so
// one bad example cannot blow up the count tables.
const maxCategory = 1 << 16

// maxCountCells caps the total size of the category count tables, summed over
// every feature and class.
const maxCountCells = 8 << 20

const minAlpha = 1e-10

// CategoricalNB is a naive Bayes classifier for categorical features. Each
// feature value is truncated to a non-negative integer category.
type CategoricalNB struct {
	FeatureDim    int       `json:"feature_dim"`
	NClasses      int       `json:"n_classes"`
	Alpha         float64   `json:"alpha"`
	FitPrior      bool      `json:"fit_prior"`
	ClassPrior    []float64 `json:"class_prior,omitempty"`
	MinCategories int       `json:"min_categories,omitempty"`

	ClassCount []float64 `json:"class_count"`
	// CategoryCount is indexed [feature][class][category].
	CategoryCount [][][]float64 `json:"category_count"`
	Steps         int           `json:"steps"`
}

func newCategoricalNB(params Params, featureDim, nClasses int) (Estimator, error) {
	if err := checkShape(featureDim, nClasses); err != nil {
		return nil, err
	}
	r := newParamReader(params)
	m := &CategoricalNB{
		FeatureDim: featureDim,
		NClasses:   nClasses,
		Alpha:      r.float("alpha", 1.0),
		FitPrior:   r.boolean("fit_prior", true),
		ClassPrior: r.floats("class_prior"),
	}
	if mc := r.optionalInt("min_categories"); mc != nil {
		m.MinCategories = *mc
		if *mc < 1 {
			r.fail("min_categories", "must be >= 1, got %d", *mc)
		}
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	m.ClassCount = make([]float64, nClasses)
	m.CategoryCount = make([][][]float64, featureDim)
	for j := range m.CategoryCount {
		m.CategoryCount[j] = make([][]float64, nClasses)
		for k := range m.CategoryCount[j] {
			m.CategoryCount[j][k] = make([]float64, m.MinCategories)
		}
	}
	return m, nil
}

func decodeCategoricalNB(data []byte) (Estimator, error) {
	var m CategoricalNB
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if len(m.ClassCount) != m.NClasses || len(m.CategoryCount) != m.FeatureDim {
		return nil, fmt.Errorf("%w: count tables do not match shape", ErrCorruptState)
	}
	for _, perClass := range m.CategoryCount {
		if len(perClass) != m.NClasses {
			return nil, fmt.Errorf("%w: count tables do not match shape", ErrCorruptState)
		}
	}
	return &m, nil
}

func (m *CategoricalNB) validate() error {
	if err := checkShape(m.FeatureDim, m.NClasses); err != nil {
		return err
	}
	if m.Alpha < 0 {
		return fmt.Errorf("%w: alpha must be >= 0", ErrInvalidParams)
	}
	if m.MinCategories > maxCategory {
		return fmt.Errorf("%w: min_categories must be <= %d", ErrInvalidParams, maxCategory)
	}
	if m.FeatureDim > maxCountCells/m.NClasses/max(m.MinCategories, 1) {
		return fmt.Errorf("%w: count tables for %d features x %d classes exceed %d cells", ErrInvalidParams, m.FeatureDim, m.NClasses, maxCountCells)
	}
	if m.ClassPrior != nil {
		if len(m.ClassPrior) != m.NClasses {
			return fmt.Errorf("%w: class_prior has %d entries for %d classes", ErrInvalidParams, len(m.ClassPrior), m.NClasses)
		}
		for _, p := range m.ClassPrior {
			if p < 0 {
				return fmt.Errorf("%w: class_prior entries must be non-negative", ErrInvalidParams)
			}
		}
	}
	return nil
}

func (m *CategoricalNB) Kind() Kind { return KindCategoricalNB }

func (m *CategoricalNB) PartialFit(x []float64, y int, classes []int) error {
	if err := checkExample(x, y, classes, m.FeatureDim, m.NClasses); err != nil {
		return err
	}
	cats, err := categories(x)
	if err != nil {
		return err
	}
	if err := m.checkGrowth(cats); err != nil {
		return err
	}

	for j, c := range cats {
		perClass := m.CategoryCount[j]
		if c >= len(perClass[0]) {
			for k := range perClass {
				grown := make([]float64, c+1)
				copy(grown, perClass[k])
				perClass[k] = grown
			}
		}
		perClass[y][c]++
	}
	m.ClassCount[y]++
	m.Steps++
	return nil
}

// checkGrowth rejects an example whose unseen categories would widen the
// count tables past maxCountCells.
func (m *CategoricalNB) checkGrowth(cats []int) error {
	cells, grown := 0, 0
	for j, c := range cats {
		w := len(m.CategoryCount[j][0])
		cells += w * m.NClasses
		if c >= w {
			grown += (c + 1 - w) * m.NClasses
		}
	}
	if grown > 0 && cells+grown > maxCountCells {
		return fmt.Errorf("%w: categories in this example would grow the count tables past %d cells", ErrInvalidInput, maxCountCells)
	}
	return nil
}

func (m *CategoricalNB) Predict(x []float64) (int, error) {
	if err := checkFeatures(x, m.FeatureDim); err != nil {
		return 0, err
	}
	if m.Steps == 0 {
		return 0, ErrNotFitted
	}
	cats, err := categories(x)
	if err != nil {
		return 0, err
	}

	alpha := math.Max(m.Alpha, minAlpha)
	jll := m.logPrior()
	for j, c := range cats {
		perClass := m.CategoryCount[j]
		nCats := float64(len(perClass[0]))
		for k := range jll {
			var count float64
			if c < len(perClass[k]) {
				count = perClass[k][c]
			}
			jll[k] += math.Log(count+alpha) - math.Log(m.ClassCount[k]+alpha*nCats)
		}
	}
	return argmax(jll), nil
}

func (m *CategoricalNB) logPrior() []float64 {
	prior := make([]float64, m.NClasses)
	switch {
	case m.ClassPrior != nil:
		for k, p := range m.ClassPrior {
			prior[k] = math.Log(p)
		}
	case m.FitPrior:
		var total float64
		for _, c := range m.ClassCount {
			total += c
		}
		for k, c := range m.ClassCount {
			prior[k] = math.Log(c) - math.Log(total)
		}
	default:
		for k := range prior {
			prior[k] = -math.Log(float64(m.NClasses))
		}
	}
	return prior
}

func categories(x []float64) ([]int, error) {
	cats := make([]int, len(x))
	for j, v := range x {
		if math.IsNaN(v) || v < 0 {
			return nil, fmt.Errorf("%w: negative values in data passed to %s", ErrInvalidInput, KindCategoricalNB)
		}
		if v >= maxCategory {
			return nil, fmt.Errorf("%w: category %v exceeds %d", ErrInvalidInput, v, maxCategory-1)
		}
		cats[j] = int(v)
	}
	return cats, nil
}
