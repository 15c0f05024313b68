package engine

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"strings"

	"modelhub/ml"
)

// Upper bounds on model shape. They keep a single create call from
// allocating unbounded estimator state.
const (
	MaxFeatureDim = 1 << 16
	MaxClasses    = 1 << 10
)

// CreateRequest is a validated create-model call.
type CreateRequest struct {
	ModelType  string
	Params     ml.Params
	FeatureDim int
	NClasses   int
}

// TrainRequest is a validated train-step call.
type TrainRequest struct {
	X []float64
	Y int
}

// ParseCreateRequest checks presence and primitive type of the create fields
// {model, params, d, n_classes}.
func ParseCreateRequest(body []byte) (CreateRequest, error) {
	obj, err := decodeObject(body)
	if err != nil {
		return CreateRequest{}, err
	}
	var req CreateRequest
	if req.ModelType, err = stringField(obj, "model"); err != nil {
		return CreateRequest{}, err
	}
	if req.Params, err = objectField(obj, "params"); err != nil {
		return CreateRequest{}, err
	}
	if req.FeatureDim, err = intField(obj, "d", 1); err != nil {
		return CreateRequest{}, err
	}
	if req.NClasses, err = intField(obj, "n_classes", 1); err != nil {
		return CreateRequest{}, err
	}
	return req, nil
}

// ParseTrainRequest checks presence and primitive type of {x, y}.
func ParseTrainRequest(body []byte) (TrainRequest, error) {
	obj, err := decodeObject(body)
	if err != nil {
		return TrainRequest{}, err
	}
	var req TrainRequest
	if req.X, err = numbersField(obj, "x"); err != nil {
		return TrainRequest{}, err
	}
	if req.Y, err = intField(obj, "y", math.MinInt32); err != nil {
		return TrainRequest{}, err
	}
	return req, nil
}

// DecodeFeatures parses a base64-encoded JSON array of numbers, the form
// feature vectors take in query strings.
func DecodeFeatures(encoded string) ([]float64, error) {
	if encoded == "" {
		return nil, missingField("x")
	}
	// Form decoding turns '+' into ' '.
	encoded = strings.ReplaceAll(strings.TrimSpace(encoded), " ", "+")

	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(encoded); err == nil {
			break
		}
	}
	if err != nil {
		return nil, newError(KindMalformedInput, "x", "not valid base64")
	}

	x, ok := numbers(raw)
	if !ok {
		return nil, newError(KindMalformedInput, "x", "expected a JSON array of numbers")
	}
	return x, nil
}

// numbers decodes a JSON array of numbers. Null elements are rejected rather
// than read as zero.
func numbers(raw []byte) ([]float64, bool) {
	var ptrs []*float64
	if err := json.Unmarshal(raw, &ptrs); err != nil || ptrs == nil {
		return nil, false
	}
	x := make([]float64, len(ptrs))
	for i, p := range ptrs {
		if p == nil {
			return nil, false
		}
		x[i] = *p
	}
	return x, true
}

func decodeObject(body []byte) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return nil, newError(KindMalformedInput, "", "request body must be a JSON object")
	}
	return obj, nil
}

// present returns the raw value of a field, treating JSON null as absent.
func present(obj map[string]json.RawMessage, field string) (json.RawMessage, bool) {
	raw, ok := obj[field]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, false
	}
	return raw, true
}

func decodeValue(raw json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func stringField(obj map[string]json.RawMessage, field string) (string, error) {
	raw, ok := present(obj, field)
	if !ok {
		return "", missingField(field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", typeMismatch(field, "a string")
	}
	return s, nil
}

func objectField(obj map[string]json.RawMessage, field string) (ml.Params, error) {
	raw, ok := present(obj, field)
	if !ok {
		return nil, missingField(field)
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, typeMismatch(field, "an object")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, typeMismatch(field, "an object")
	}
	return ml.Params(m), nil
}

// intField reads an integral JSON number no smaller than min. Values such as
// 4.0 are accepted; strings and booleans are not. Magnitudes beyond int32 are
// clamped so range checks downstream still see them as out of range.
func intField(obj map[string]json.RawMessage, field string, min int) (int, error) {
	raw, ok := present(obj, field)
	if !ok {
		return 0, missingField(field)
	}
	v, err := decodeValue(raw)
	if err != nil {
		return 0, typeMismatch(field, "an integer")
	}
	num, ok := v.(json.Number)
	if !ok {
		return 0, typeMismatch(field, "an integer")
	}
	n, ok := integral(num)
	if !ok {
		return 0, typeMismatch(field, "an integer")
	}
	if n < min {
		if min == 1 {
			return 0, typeMismatch(field, "a positive integer")
		}
		return 0, typeMismatch(field, "an integer")
	}
	return n, nil
}

func integral(num json.Number) (int, bool) {
	if i, err := num.Int64(); err == nil {
		return clampInt32(float64(i)), true
	}
	// Float64 reports a range error for magnitudes past MaxFloat64 but still
	// returns a signed infinity.
	f, err := num.Float64()
	if err != nil && !math.IsInf(f, 0) {
		return 0, false
	}
	if f != math.Trunc(f) {
		return 0, false
	}
	return clampInt32(f), true
}

func clampInt32(f float64) int {
	switch {
	case f > math.MaxInt32:
		return math.MaxInt32
	case f < math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}

func numbersField(obj map[string]json.RawMessage, field string) ([]float64, error) {
	raw, ok := present(obj, field)
	if !ok {
		return nil, missingField(field)
	}
	x, ok := numbers(raw)
	if !ok {
		return nil, typeMismatch(field, "an array of numbers")
	}
	return x, nil
}
