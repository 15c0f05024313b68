package ml

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
)

// maxMLPWeights caps the network size a single model may allocate.
const maxMLPWeights = 4 << 20

// MLPClassifier is a fully connected feed-forward network with a softmax
// output layer, trained one example at a time with adam or sgd.
type MLPClassifier struct {
	FeatureDim       int     `json:"feature_dim"`
	NClasses         int     `json:"n_classes"`
	HiddenLayerSizes []int   `json:"hidden_layer_sizes"`
	Activation       string  `json:"activation"`
	Solver           string  `json:"solver"`
	Alpha            float64 `json:"alpha"`
	LearningRateInit float64 `json:"learning_rate_init"`
	Momentum         float64 `json:"momentum"`
	Beta1            float64 `json:"beta_1"`
	Beta2            float64 `json:"beta_2"`
	Epsilon          float64 `json:"epsilon"`
	RandomState      int     `json:"random_state"`

	// Weights[l] is a row-major fanIn x fanOut matrix.
	Weights [][]float64 `json:"weights"`
	Biases  [][]float64 `json:"biases"`
	// First and Second hold the optimizer moments: velocities for sgd, first
	// and second moment estimates for adam.
	FirstW  [][]float64 `json:"first_w"`
	FirstB  [][]float64 `json:"first_b"`
	SecondW [][]float64 `json:"second_w,omitempty"`
	SecondB [][]float64 `json:"second_b,omitempty"`
	T       int         `json:"t"`
	Steps   int         `json:"steps"`
}

func newMLPClassifier(params Params, featureDim, nClasses int) (Estimator, error) {
	if err := checkShape(featureDim, nClasses); err != nil {
		return nil, err
	}
	r := newParamReader(params)
	m := &MLPClassifier{
		FeatureDim:       featureDim,
		NClasses:         nClasses,
		HiddenLayerSizes: r.ints("hidden_layer_sizes", []int{100}),
		Activation:       r.choice("activation", "relu", "relu", "tanh", "logistic", "identity"),
		Solver:           r.choice("solver", "adam", "adam", "sgd"),
		Alpha:            r.float("alpha", 0.0001),
		LearningRateInit: r.float("learning_rate_init", 0.001),
		Momentum:         r.float("momentum", 0.9),
		Beta1:            r.float("beta_1", 0.9),
		Beta2:            r.float("beta_2", 0.999),
		Epsilon:          r.float("epsilon", 1e-8),
		RandomState:      r.integer("random_state", 0),
	}
	if err := r.finish(); err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	m.init()
	return m, nil
}

func decodeMLPClassifier(data []byte) (Estimator, error) {
	var m MLPClassifier
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	sizes := m.layerSizes()
	layers := len(sizes) - 1
	if len(m.Weights) != layers || len(m.Biases) != layers || len(m.FirstW) != layers || len(m.FirstB) != layers {
		return nil, fmt.Errorf("%w: expected %d layers", ErrCorruptState, layers)
	}
	if m.Solver == "adam" && (len(m.SecondW) != layers || len(m.SecondB) != layers) {
		return nil, fmt.Errorf("%w: missing adam moments", ErrCorruptState)
	}
	for l := 0; l < layers; l++ {
		w, b := sizes[l]*sizes[l+1], sizes[l+1]
		if len(m.Weights[l]) != w || len(m.FirstW[l]) != w || len(m.Biases[l]) != b || len(m.FirstB[l]) != b {
			return nil, fmt.Errorf("%w: layer %d has the wrong shape", ErrCorruptState, l)
		}
		if m.Solver == "adam" && (len(m.SecondW[l]) != w || len(m.SecondB[l]) != b) {
			return nil, fmt.Errorf("%w: layer %d has the wrong shape", ErrCorruptState, l)
		}
	}
	return &m, nil
}

func (m *MLPClassifier) validate() error {
	if err := checkShape(m.FeatureDim, m.NClasses); err != nil {
		return err
	}
	if len(m.HiddenLayerSizes) == 0 {
		return fmt.Errorf("%w: hidden_layer_sizes must not be empty", ErrInvalidParams)
	}
	total := 0
	sizes := m.layerSizes()
	for i, n := range sizes {
		if n < 1 {
			return fmt.Errorf("%w: hidden_layer_sizes must be > 0, got %v", ErrInvalidParams, m.HiddenLayerSizes)
		}
		if i == 0 {
			continue
		}
		// total never exceeds the limit, so the division cannot go negative.
		if n > (maxMLPWeights-total)/sizes[i-1] {
			return fmt.Errorf("%w: network exceeds %d weights", ErrInvalidParams, maxMLPWeights)
		}
		total += sizes[i-1] * n
	}
	if m.Alpha < 0 {
		return fmt.Errorf("%w: alpha must be >= 0", ErrInvalidParams)
	}
	if m.LearningRateInit <= 0 {
		return fmt.Errorf("%w: learning_rate_init must be > 0", ErrInvalidParams)
	}
	if m.Momentum < 0 || m.Momentum > 1 {
		return fmt.Errorf("%w: momentum must be in [0, 1]", ErrInvalidParams)
	}
	if m.Beta1 < 0 || m.Beta1 >= 1 || m.Beta2 < 0 || m.Beta2 >= 1 {
		return fmt.Errorf("%w: beta_1 and beta_2 must be in [0, 1)", ErrInvalidParams)
	}
	if m.Epsilon <= 0 {
		return fmt.Errorf("%w: epsilon must be > 0", ErrInvalidParams)
	}
	return nil
}

func (m *MLPClassifier) Kind() Kind { return KindMLP }

func (m *MLPClassifier) layerSizes() []int {
	sizes := make([]int, 0, len(m.HiddenLayerSizes)+2)
	sizes = append(sizes, m.FeatureDim)
	sizes = append(sizes, m.HiddenLayerSizes...)
	return append(sizes, m.NClasses)
}

// init draws Glorot-uniform weights from a generator seeded by RandomState.
func (m *MLPClassifier) init() {
	rng := rand.New(rand.NewSource(int64(m.RandomState)))
	sizes := m.layerSizes()
	layers := len(sizes) - 1

	m.Weights = make([][]float64, layers)
	m.Biases = make([][]float64, layers)
	m.FirstW = make([][]float64, layers)
	m.FirstB = make([][]float64, layers)
	if m.Solver == "adam" {
		m.SecondW = make([][]float64, layers)
		m.SecondB = make([][]float64, layers)
	}
	for l := 0; l < layers; l++ {
		fanIn, fanOut := sizes[l], sizes[l+1]
		factor := 6.0
		if m.Activation == "logistic" {
			factor = 2
		}
		bound := math.Sqrt(factor / float64(fanIn+fanOut))

		m.Weights[l] = make([]float64, fanIn*fanOut)
		for i := range m.Weights[l] {
			m.Weights[l][i] = (rng.Float64()*2 - 1) * bound
		}
		m.Biases[l] = make([]float64, fanOut)
		for i := range m.Biases[l] {
			m.Biases[l][i] = (rng.Float64()*2 - 1) * bound
		}
		m.FirstW[l] = make([]float64, fanIn*fanOut)
		m.FirstB[l] = make([]float64, fanOut)
		if m.Solver == "adam" {
			m.SecondW[l] = make([]float64, fanIn*fanOut)
			m.SecondB[l] = make([]float64, fanOut)
		}
	}
}

// forward returns the activations of every layer, input included.
func (m *MLPClassifier) forward(x []float64) [][]float64 {
	sizes := m.layerSizes()
	acts := make([][]float64, len(sizes))
	acts[0] = x
	for l := 0; l < len(m.Weights); l++ {
		in, fanOut := acts[l], sizes[l+1]
		out := make([]float64, fanOut)
		copy(out, m.Biases[l])
		w := m.Weights[l]
		for i, v := range in {
			if v == 0 {
				continue
			}
			row := w[i*fanOut : (i+1)*fanOut]
			for o := range out {
				out[o] += v * row[o]
			}
		}
		if l == len(m.Weights)-1 {
			softmax(out)
		} else {
			m.activate(out)
		}
		acts[l+1] = out
	}
	return acts
}

func (m *MLPClassifier) activate(z []float64) {
	for i, v := range z {
		switch m.Activation {
		case "tanh":
			z[i] = math.Tanh(v)
		case "logistic":
			z[i] = 1 / (1 + math.Exp(-v))
		case "identity":
		default:
			if v < 0 {
				z[i] = 0
			}
		}
	}
}

// derivative is the activation derivative expressed in terms of its output.
func (m *MLPClassifier) derivative(a float64) float64 {
	switch m.Activation {
	case "tanh":
		return 1 - a*a
	case "logistic":
		return a * (1 - a)
	case "identity":
		return 1
	default:
		if a > 0 {
			return 1
		}
		return 0
	}
}

func (m *MLPClassifier) PartialFit(x []float64, y int, classes []int) error {
	if err := checkExample(x, y, classes, m.FeatureDim, m.NClasses); err != nil {
		return err
	}

	acts := m.forward(x)
	sizes := m.layerSizes()
	layers := len(m.Weights)

	// Softmax with cross-entropy: the output delta is p - onehot(y).
	delta := make([]float64, m.NClasses)
	copy(delta, acts[layers])
	delta[y]--

	gradW := make([][]float64, layers)
	gradB := make([][]float64, layers)
	for l := layers - 1; l >= 0; l-- {
		fanIn, fanOut := sizes[l], sizes[l+1]
		w := m.Weights[l]
		gw := make([]float64, fanIn*fanOut)
		for i := 0; i < fanIn; i++ {
			a := acts[l][i]
			for o := 0; o < fanOut; o++ {
				gw[i*fanOut+o] = a*delta[o] + m.Alpha*w[i*fanOut+o]
			}
		}
		gradW[l] = gw
		gradB[l] = append([]float64(nil), delta...)

		if l > 0 {
			prev := make([]float64, fanIn)
			for i := 0; i < fanIn; i++ {
				var s float64
				for o := 0; o < fanOut; o++ {
					s += w[i*fanOut+o] * delta[o]
				}
				prev[i] = s * m.derivative(acts[l][i])
			}
			delta = prev
		}
	}

	m.T++
	for l := 0; l < layers; l++ {
		if m.Solver == "adam" {
			m.adam(m.Weights[l], m.FirstW[l], m.SecondW[l], gradW[l])
			m.adam(m.Biases[l], m.FirstB[l], m.SecondB[l], gradB[l])
		} else {
			m.sgd(m.Weights[l], m.FirstW[l], gradW[l])
			m.sgd(m.Biases[l], m.FirstB[l], gradB[l])
		}
	}
	if !finiteRows(m.Weights) || !finiteRows(m.Biases) || !finiteRows(m.FirstW) || !finiteRows(m.FirstB) ||
		!finiteRows(m.SecondW) || !finiteRows(m.SecondB) {
		return errOverflow
	}
	m.Steps++
	return nil
}

func (m *MLPClassifier) adam(param, first, second, grad []float64) {
	t := float64(m.T)
	lr := m.LearningRateInit * math.Sqrt(1-math.Pow(m.Beta2, t)) / (1 - math.Pow(m.Beta1, t))
	for i, g := range grad {
		first[i] = m.Beta1*first[i] + (1-m.Beta1)*g
		second[i] = m.Beta2*second[i] + (1-m.Beta2)*g*g
		param[i] -= lr * first[i] / (math.Sqrt(second[i]) + m.Epsilon)
	}
}

// sgd applies a Nesterov momentum step.
func (m *MLPClassifier) sgd(param, velocity, grad []float64) {
	for i, g := range grad {
		velocity[i] = m.Momentum*velocity[i] - m.LearningRateInit*g
		param[i] += m.Momentum*velocity[i] - m.LearningRateInit*g
	}
}

func (m *MLPClassifier) Predict(x []float64) (int, error) {
	if err := checkFeatures(x, m.FeatureDim); err != nil {
		return 0, err
	}
	if m.Steps == 0 {
		return 0, ErrNotFitted
	}
	acts := m.forward(x)
	out := acts[len(acts)-1]
	if !finite(out) {
		return 0, fmt.Errorf("%w: network output is undefined for this input", ErrInvalidInput)
	}
	return argmax(out), nil
}

func softmax(z []float64) {
	maxZ := z[0]
	for _, v := range z[1:] {
		if v > maxZ {
			maxZ = v
		}
	}
	var sum float64
	for i, v := range z {
		z[i] = math.Exp(v - maxZ)
		sum += z[i]
	}
	for i := range z {
		z[i] /= sum
	}
}
