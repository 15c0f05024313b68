// Package client is a Go client for the modelhub HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"modelhub/engine"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Kind       engine.Kind
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("modelhub: %d %s: %s", e.StatusCode, e.Kind, e.Message)
}

// Is matches engine sentinel errors by kind, so callers can write
// errors.Is(err, engine.ErrNotFound).
func (e *APIError) Is(target error) bool {
	t, ok := target.(*engine.Error)
	return ok && t.Kind == e.Kind
}

// Client talks to one modelhub server.
type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for the server at baseURL, e.g. "http://localhost:8000".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateModel registers a new untrained model and returns its id.
func (c *Client) CreateModel(ctx context.Context, modelType string, params map[string]any, featureDim, nClasses int) (int64, error) {
	if params == nil {
		params = map[string]any{}
	}
	body := map[string]any{"model": modelType, "params": params, "d": featureDim, "n_classes": nClasses}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/models/", body, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// GetModel fetches a model's metadata.
func (c *Client) GetModel(ctx context.Context, id int64) (*engine.Model, error) {
	var m engine.Model
	if err := c.do(ctx, http.MethodGet, modelPath(id), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Train applies one training example.
func (c *Client) Train(ctx context.Context, id int64, x []float64, y int) (*engine.TrainResult, error) {
	var res engine.TrainResult
	if err := c.do(ctx, http.MethodPost, modelPath(id)+"train/", map[string]any{"x": x, "y": y}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Predict returns the predicted label for x.
func (c *Client) Predict(ctx context.Context, id int64, x []float64) (int, error) {
	raw, err := json.Marshal(x)
	if err != nil {
		return 0, err
	}
	q := url.Values{"x": {base64.StdEncoding.EncodeToString(raw)}}
	var p engine.Prediction
	if err := c.do(ctx, http.MethodGet, modelPath(id)+"predict/?"+q.Encode(), nil, &p); err != nil {
		return 0, err
	}
	return p.Y, nil
}

// ListModels returns every model with its training score.
func (c *Client) ListModels(ctx context.Context) ([]engine.ScoredModel, error) {
	var out struct {
		Models []engine.ScoredModel `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, "/models/", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// ModelTypes lists the estimator types the server supports.
func (c *Client) ModelTypes(ctx context.Context) ([]string, error) {
	var out struct {
		Types []string `json:"types"`
	}
	if err := c.do(ctx, http.MethodGet, "/models/types", nil, &out); err != nil {
		return nil, err
	}
	return out.Types, nil
}

// Health returns nil when the server reports ok.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health/", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("modelhub: unhealthy: %q", out.Status)
	}
	return nil
}

func modelPath(id int64) string {
	return "/models/" + strconv.FormatInt(id, 10) + "/"
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb struct {
			Error string      `json:"error"`
			Kind  engine.Kind `json:"kind"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(data, &eb) == nil && eb.Kind != "" {
			apiErr.Kind, apiErr.Message = eb.Kind, eb.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
