package ml

import (
	"encoding/json"
	"fmt"
	"math"
)

const maxDLoss = 1e12

// maxSGDWeights caps featureDim times the number of binary problems.
const maxSGDWeights = 4 << 20

// SGDClassifier is a linear classifier trained with plain stochastic gradient
// descent. Two classes share one weight vector; more classes are handled
// one-vs-rest.
type SGDClassifier struct {
	FeatureDim   int     `json:"feature_dim"`
	NClasses     int     `json:"n_classes"`
	Loss         string  `json:"loss"`
	Penalty      string  `json:"penalty"`
	Alpha        float64 `json:"alpha"`
	L1Ratio      float64 `json:"l1_ratio"`
	FitIntercept bool    `json:"fit_intercept"`
	LearningRate string  `json:"learning_rate"`
	Eta0         float64 `json:"eta0"`
	PowerT       float64 `json:"power_t"`
	RandomState  *int    `json:"random_state,omitempty"`

	// T is the 1-based index of the next update, shared by all binary problems.
	T         float64     `json:"t"`
	Coef      [][]float64 `json:"coef"`
	Intercept []float64   `json:"intercept"`
	// CumPenalty and L1Residual hold the truncated-gradient L1 bookkeeping.
	CumPenalty float64     `json:"cum_penalty,omitempty"`
	L1Residual [][]float64 `json:"l1_residual,omitempty"`
	Steps      int         `json:"steps"`
}

func newSGDClassifier(params Params, featureDim, nClasses int) (Estimator, error) {
	if err := checkShape(featureDim, nClasses); err != nil {
		return nil, err
	}
	r := newParamReader(params)
	m := &SGDClassifier{
		FeatureDim:   featureDim,
		NClasses:     nClasses,
		Loss:         r.choice("loss", "hinge", "hinge", "log_loss", "modified_huber", "squared_hinge", "perceptron"),
		Penalty:      r.choice("penalty", "l2", "l2", "l1", "elasticnet", "none"),
		Alpha:        r.float("alpha", 0.0001),
		L1Ratio:      r.float("l1_ratio", 0.15),
		FitIntercept: r.boolean("fit_intercept", true),
		LearningRate: r.choice("learning_rate", "optimal", "optimal", "constant", "invscaling"),
		Eta0:         r.float("eta0", 0),
		PowerT:       r.float("power_t", 0.5),
		RandomState:  r.optionalInt("random_state"),
		T:            1,
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	if v, ok := params["penalty"]; ok && v == nil {
		m.Penalty = "none"
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	problems := m.problems()
	m.Coef = make([][]float64, problems)
	m.Intercept = make([]float64, problems)
	for i := range m.Coef {
		m.Coef[i] = make([]float64, featureDim)
	}
	if m.usesL1() {
		m.L1Residual = make([][]float64, problems)
		for i := range m.L1Residual {
			m.L1Residual[i] = make([]float64, featureDim)
		}
	}
	return m, nil
}

func decodeSGDClassifier(data []byte) (Estimator, error) {
	var m SGDClassifier
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	problems := m.problems()
	if len(m.Coef) != problems || len(m.Intercept) != problems {
		return nil, fmt.Errorf("%w: expected %d weight vectors", ErrCorruptState, problems)
	}
	for _, w := range m.Coef {
		if len(w) != m.FeatureDim {
			return nil, fmt.Errorf("%w: weight vector length %d, want %d", ErrCorruptState, len(w), m.FeatureDim)
		}
	}
	if m.usesL1() && len(m.L1Residual) != problems {
		return nil, fmt.Errorf("%w: missing l1 residuals", ErrCorruptState)
	}
	return &m, nil
}

func (m *SGDClassifier) validate() error {
	if err := checkShape(m.FeatureDim, m.NClasses); err != nil {
		return err
	}
	if m.Alpha < 0 {
		return fmt.Errorf("%w: alpha must be >= 0", ErrInvalidParams)
	}
	if m.LearningRate == "optimal" && m.Alpha == 0 {
		return fmt.Errorf("%w: alpha must be > 0 with the optimal learning rate", ErrInvalidParams)
	}
	if m.LearningRate != "optimal" && m.Eta0 <= 0 {
		return fmt.Errorf("%w: eta0 must be > 0 with the %s learning rate", ErrInvalidParams, m.LearningRate)
	}
	if m.L1Ratio < 0 || m.L1Ratio > 1 {
		return fmt.Errorf("%w: l1_ratio must be in [0, 1]", ErrInvalidParams)
	}
	if p := m.problems(); p > 0 && m.FeatureDim > maxSGDWeights/p {
		return fmt.Errorf("%w: %d features x %d problems exceeds %d weights", ErrInvalidParams, m.FeatureDim, p, maxSGDWeights)
	}
	return nil
}

func (m *SGDClassifier) Kind() Kind { return KindSGD }

// problems is the number of binary sub-problems.
func (m *SGDClassifier) problems() int {
	switch {
	case m.NClasses < 2:
		return 0
	case m.NClasses == 2:
		return 1
	default:
		return m.NClasses
	}
}

func (m *SGDClassifier) usesL1() bool {
	return m.Penalty == "l1" || m.Penalty == "elasticnet"
}

func (m *SGDClassifier) PartialFit(x []float64, y int, classes []int) error {
	if err := checkExample(x, y, classes, m.FeatureDim, m.NClasses); err != nil {
		return err
	}

	eta := m.eta()
	if m.usesL1() {
		share := m.L1Ratio
		if m.Penalty == "l1" {
			share = 1
		}
		m.CumPenalty += share * eta * m.Alpha
	}
	for j := range m.Coef {
		target := -1.0
		if (m.NClasses == 2 && y == 1) || (m.NClasses > 2 && y == j) {
			target = 1
		}
		m.step(j, x, target, eta)
	}
	if !finiteRows(m.Coef) || !finite(m.Intercept) || !finiteRows(m.L1Residual) || !finite([]float64{m.CumPenalty}) {
		return errOverflow
	}

	m.T++
	m.Steps++
	return nil
}

func (m *SGDClassifier) step(j int, x []float64, target, eta float64) {
	w := m.Coef[j]
	p := dot(w, x) + m.Intercept[j]

	dloss := m.dloss(p, target)
	if dloss > maxDLoss {
		dloss = maxDLoss
	} else if dloss < -maxDLoss {
		dloss = -maxDLoss
	}
	update := -eta * dloss

	if m.Penalty == "l2" || m.Penalty == "elasticnet" {
		share := 1 - m.L1Ratio
		if m.Penalty == "l2" {
			share = 1
		}
		scale := math.Max(0, 1-share*eta*m.Alpha)
		for i := range w {
			w[i] *= scale
		}
	}
	if update != 0 {
		for i := range w {
			w[i] += update * x[i]
		}
		if m.FitIntercept {
			m.Intercept[j] += update
		}
	}
	if m.usesL1() {
		m.truncate(j)
	}
}

// truncate applies the cumulative L1 penalty (Tsuruoka et al., 2009).
func (m *SGDClassifier) truncate(j int) {
	w, q := m.Coef[j], m.L1Residual[j]
	u := m.CumPenalty
	for i := range w {
		z := w[i]
		if w[i] > 0 {
			w[i] = math.Max(0, w[i]-(u+q[i]))
		} else if w[i] < 0 {
			w[i] = math.Min(0, w[i]+(u-q[i]))
		}
		q[i] += w[i] - z
	}
}

func (m *SGDClassifier) eta() float64 {
	switch m.LearningRate {
	case "constant":
		return m.Eta0
	case "invscaling":
		return m.Eta0 / math.Pow(m.T, m.PowerT)
	default:
		typw := math.Sqrt(1 / math.Sqrt(m.Alpha))
		initialEta := typw / math.Max(1, m.dloss(-typw, 1))
		optimalInit := 1 / (initialEta * m.Alpha)
		return 1 / (m.Alpha * (optimalInit + m.T - 1))
	}
}

// dloss is the derivative of the loss with respect to the prediction p for a
// target y in {-1, +1}.
func (m *SGDClassifier) dloss(p, y float64) float64 {
	z := p * y
	switch m.Loss {
	case "log_loss":
		if z > 18 {
			return -y * math.Exp(-z)
		}
		if z < -18 {
			return -y
		}
		return -y / (math.Exp(z) + 1)
	case "modified_huber":
		if z >= 1 {
			return 0
		}
		if z >= -1 {
			return -2 * (1 - z) * y
		}
		return -4 * y
	case "squared_hinge":
		if d := 1 - z; d > 0 {
			return -2 * y * d
		}
		return 0
	case "perceptron":
		if z <= 0 {
			return -y
		}
		return 0
	default:
		if z <= 1 {
			return -y
		}
		return 0
	}
}

func (m *SGDClassifier) Predict(x []float64) (int, error) {
	if err := checkFeatures(x, m.FeatureDim); err != nil {
		return 0, err
	}
	if m.Steps == 0 {
		return 0, ErrNotFitted
	}
	if m.problems() == 0 {
		return 0, nil
	}
	scores := make([]float64, len(m.Coef))
	for j, w := range m.Coef {
		scores[j] = dot(w, x) + m.Intercept[j]
		if math.IsNaN(scores[j]) {
			return 0, fmt.Errorf("%w: decision function is undefined for this input", ErrInvalidInput)
		}
	}
	if len(scores) == 1 {
		if scores[0] > 0 {
			return 1, nil
		}
		return 0, nil
	}
	return argmax(scores), nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
