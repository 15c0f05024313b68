package http

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"modelhub/db"
	"modelhub/engine"
	"modelhub/ml"
	"modelhub/monitoring"
)

type testEnv struct {
	server  *httptest.Server
	metrics *monitoring.Metrics
	hub     *monitoring.Hub
}

func newTestEnv(t *testing.T, config ServerConfig) *testEnv {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "models.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	cached, err := db.NewCachedStore(store, 32)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	registry := ml.DefaultRegistry()
	codec, err := ml.NewCodec(registry, 1024)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	metrics := monitoring.NewMetrics()
	hub := monitoring.NewHub(nil, config.AllowedOrigins)
	go hub.Run()

	eng := engine.New(cached, registry, codec, engine.WithNotifier(metrics), engine.WithNotifier(hub))
	srv := httptest.NewServer(NewHandler(config, Dependencies{Engine: eng, Metrics: metrics, Hub: hub}))

	t.Cleanup(func() {
		srv.Close()
		hub.Stop()
		codec.Close()
		store.Close()
	})
	return &testEnv{server: srv, metrics: metrics, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("%s %s: invalid json: %v", method, path, err)
	}
	return resp.StatusCode, payload
}

func (e *testEnv) mustDo(t *testing.T, method, path string, body any) map[string]any {
	t.Helper()
	code, payload := e.do(t, method, path, body)
	if code != http.StatusOK {
		t.Fatalf("%s %s: expected 200, got %d: %v", method, path, code, payload)
	}
	return payload
}

func (e *testEnv) create(t *testing.T, model string, params map[string]any, d, k int) int64 {
	t.Helper()
	resp := e.mustDo(t, http.MethodPost, "/models/", map[string]any{"model": model, "params": params, "d": d, "n_classes": k})
	return int64(resp["id"].(float64))
}

func expectError(t *testing.T, code int, payload map[string]any, wantCode int, wantKind engine.Kind) {
	t.Helper()
	if code != wantCode {
		t.Fatalf("expected status %d, got %d: %v", wantCode, code, payload)
	}
	if payload["kind"] != string(wantKind) {
		t.Fatalf("expected kind %q, got %v", wantKind, payload["kind"])
	}
	if msg, _ := payload["error"].(string); msg == "" {
		t.Fatalf("missing error message: %v", payload)
	}
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())

	for _, path := range []string{"/health", "/health/"} {
		resp := env.mustDo(t, http.MethodGet, path, nil)
		if resp["status"] != "ok" {
			t.Errorf("%s: unexpected body %v", path, resp)
		}
	}
}

func TestCreateAndRead(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())

	id := env.create(t, "SGDClassifier", map[string]any{"alpha": 0.0001, "penalty": "l1"}, 4, 3)

	for _, path := range []string{"/models/" + itoa(id), "/models/" + itoa(id) + "/"} {
		resp := env.mustDo(t, http.MethodGet, path, nil)
		if resp["model"] != "SGDClassifier" {
			t.Errorf("model: %v", resp["model"])
		}
		params := resp["params"].(map[string]any)
		if params["penalty"] != "l1" {
			t.Errorf("penalty: %v", params["penalty"])
		}
		if math.Abs(params["alpha"].(float64)-0.0001) > 1e-12 {
			t.Errorf("alpha: %v", params["alpha"])
		}
		if resp["d"].(float64) != 4 || resp["n_classes"].(float64) != 3 || resp["n_trained"].(float64) != 0 {
			t.Errorf("unexpected record: %v", resp)
		}
		if _, ok := resp["serialized_state"]; ok {
			t.Errorf("state must not be exposed")
		}
	}
}

func TestCreateErrors(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())

	tests := []struct {
		name string
		body any
		kind engine.Kind
	}{
		{"unknown model", map[string]any{"model": "ERROR", "params": map[string]any{"alpha": 0.0001}, "d": 4, "n_classes": 2}, engine.KindUnknownModelType},
		{"missing d", map[string]any{"model": "SGDClassifier", "params": map[string]any{}, "n_classes": 2}, engine.KindMissingField},
		{"string d", map[string]any{"model": "SGDClassifier", "params": map[string]any{}, "d": "4", "n_classes": 2}, engine.KindTypeMismatch},
		{"bad params", map[string]any{"model": "SGDClassifier", "params": map[string]any{"loss": "bogus"}, "d": 4, "n_classes": 2}, engine.KindInvalidParams},
		{"not json", "{model:", engine.KindMalformedInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, payload := env.do(t, http.MethodPost, "/models", tt.body)
			expectError(t, code, payload, http.StatusBadRequest, tt.kind)
		})
	}

	resp := env.mustDo(t, http.MethodGet, "/models", nil)
	if models := resp["models"].([]any); len(models) != 0 {
		t.Fatalf("failed creates must not persist, got %v", models)
	}
}

func TestReadErrors(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())

	code, payload := env.do(t, http.MethodGet, "/models/123456789/", nil)
	expectError(t, code, payload, http.StatusNotFound, engine.KindNotFound)

	code, payload = env.do(t, http.MethodGet, "/models/abc", nil)
	expectError(t, code, payload, http.StatusBadRequest, engine.KindTypeMismatch)
}

func TestTrainPredict(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())
	rng := rand.New(rand.NewSource(4))

	const n, d = 100, 4
	id := env.create(t, "SGDClassifier", map[string]any{}, d, 2)
	w := make([]float64, d)
	for j := range w {
		w[j] = rng.NormFloat64()
	}
	for i := 0; i < n; i++ {
		x := make([]float64, d)
		var dot float64
		for j := range x {
			x[j] = rng.NormFloat64()
			dot += x[j] * w[j]
		}
		y := 0
		if dot > 0 {
			y = 1
		}
		resp := env.mustDo(t, http.MethodPost, "/models/"+itoa(id)+"/train/", map[string]any{"x": x, "y": y})
		if resp["n_trained"].(float64) != float64(i+1) {
			t.Fatalf("step %d: n_trained %v", i, resp["n_trained"])
		}
	}

	resp := env.mustDo(t, http.MethodGet, "/models/"+itoa(id)+"/", nil)
	if resp["n_trained"].(float64) != n {
		t.Fatalf("expected n_trained %d, got %v", n, resp["n_trained"])
	}

	// [1.11,2.22,3.33,-4.44]
	const xb64 = "WzEuMTEsMi4yMiwzLjMzLC00LjQ0XQ=="
	resp = env.mustDo(t, http.MethodGet, "/models/"+itoa(id)+"/predict/?x="+xb64, nil)
	if y := resp["y"].(float64); y != 0 && y != 1 {
		t.Fatalf("prediction out of range: %v", y)
	}
	if resp["id"].(float64) != float64(id) {
		t.Fatalf("unexpected id: %v", resp["id"])
	}
	if x := resp["x"].([]any); len(x) != d || x[3].(float64) != -4.44 {
		t.Fatalf("unexpected x echo: %v", x)
	}

	resp = env.mustDo(t, http.MethodGet, "/models/"+itoa(id)+"/", nil)
	if resp["n_trained"].(float64) != n {
		t.Fatalf("predict must not train, n_trained %v", resp["n_trained"])
	}
}

func TestTrainErrors(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())
	id := env.create(t, "SGDClassifier", map[string]any{}, 4, 3)
	path := "/models/" + itoa(id) + "/train/"

	code, payload := env.do(t, http.MethodPost, path, map[string]any{"x": []float64{1, 2, 3, 4, 5}, "y": 1})
	expectError(t, code, payload, http.StatusBadRequest, engine.KindDimensionMismatch)

	code, payload = env.do(t, http.MethodPost, path, map[string]any{"x": []float64{1, 2, 3, 4}, "y": 3})
	expectError(t, code, payload, http.StatusBadRequest, engine.KindLabelOutOfRange)

	code, payload = env.do(t, http.MethodPost, path, map[string]any{"x": []float64{1, 2, 3, 4}})
	expectError(t, code, payload, http.StatusBadRequest, engine.KindMissingField)

	code, payload = env.do(t, http.MethodPost, path, map[string]any{"x": []any{1, nil, 3, 4}, "y": 0})
	expectError(t, code, payload, http.StatusBadRequest, engine.KindTypeMismatch)

	code, payload = env.do(t, http.MethodPost, path, map[string]any{"x": []float64{1, 2, 3, 4}, "y": 3000000000})
	expectError(t, code, payload, http.StatusBadRequest, engine.KindLabelOutOfRange)

	code, payload = env.do(t, http.MethodPost, path, map[string]any{"x": []float64{1e308, 1e308, 1e308, 1e308}, "y": 1})
	expectError(t, code, payload, http.StatusBadRequest, engine.KindInvalidArgument)

	code, payload = env.do(t, http.MethodPost, "/models/999/train", map[string]any{"x": []float64{1, 2, 3, 4}, "y": 0})
	expectError(t, code, payload, http.StatusNotFound, engine.KindNotFound)

	resp := env.mustDo(t, http.MethodGet, "/models/"+itoa(id), nil)
	if resp["n_trained"].(float64) != 0 {
		t.Fatalf("failed train steps must not count, got %v", resp["n_trained"])
	}
}

func TestPredictErrors(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())
	id := env.create(t, "CategoricalNB", map[string]any{}, 2, 2)
	base := "/models/" + itoa(id) + "/predict"

	code, payload := env.do(t, http.MethodGet, base, nil)
	expectError(t, code, payload, http.StatusBadRequest, engine.KindMissingField)

	code, payload = env.do(t, http.MethodGet, base+"?x=@@@", nil)
	expectError(t, code, payload, http.StatusBadRequest, engine.KindMalformedInput)

	// [1, 2] before any training step.
	code, payload = env.do(t, http.MethodGet, base+"?x=WzEsIDJd", nil)
	expectError(t, code, payload, http.StatusBadRequest, engine.KindInvalidArgument)

	env.mustDo(t, http.MethodPost, "/models/"+itoa(id)+"/train", map[string]any{"x": []float64{1, 2}, "y": 1})

	// [1, 2, 3]
	code, payload = env.do(t, http.MethodGet, base+"?x=WzEsIDIsIDNd", nil)
	expectError(t, code, payload, http.StatusBadRequest, engine.KindDimensionMismatch)

	code, payload = env.do(t, http.MethodGet, "/models/424242/predict?x=@@@", nil)
	expectError(t, code, payload, http.StatusNotFound, engine.KindNotFound)
}

func TestTrainingScores(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())
	rng := rand.New(rand.NewSource(6))

	const d = 4
	models := []struct {
		model    string
		nTrained int
		score    float64
	}{
		{"MLPClassifier", 4, 0.0},
		{"CategoricalNB", 2, 1.0},
		{"MLPClassifier", 13, 0.5},
		{"MLPClassifier", 48, 1.0},
	}
	want := make(map[int64]float64)
	for _, m := range models {
		id := env.create(t, m.model, map[string]any{}, d, 2)
		want[id] = m.score

		w := make([]float64, d)
		for j := range w {
			w[j] = rng.NormFloat64()
		}
		for i := 0; i < m.nTrained; i++ {
			x := make([]float64, d)
			dot := 1.0
			for j := range x {
				x[j] = math.Abs(rng.NormFloat64())
				dot += x[j] * w[j]
			}
			y := 0
			if dot > 0 {
				y = 1
			}
			env.mustDo(t, http.MethodPost, "/models/"+itoa(id)+"/train/", map[string]any{"x": x, "y": y})
		}
	}

	resp := env.mustDo(t, http.MethodGet, "/models/", nil)
	got := make(map[int64]float64)
	for _, raw := range resp["models"].([]any) {
		m := raw.(map[string]any)
		got[int64(m["id"].(float64))] = m["training_score"].(float64)
	}
	for id, score := range want {
		if math.Abs(got[id]-score) > 1e-9 {
			t.Errorf("model %d: expected score %v, got %v", id, score, got[id])
		}
	}
}

func TestModelTypes(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())
	resp := env.mustDo(t, http.MethodGet, "/models/types", nil)
	types := resp["types"].([]any)
	if len(types) != 3 || types[0] != "CategoricalNB" || types[2] != "SGDClassifier" {
		t.Fatalf("unexpected types: %v", types)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())
	req, _ := http.NewRequest(http.MethodDelete, env.server.URL+"/models/1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestRequestTooLarge(t *testing.T) {
	config := DefaultServerConfig()
	config.MaxBodyBytes = 64
	env := newTestEnv(t, config)

	body := `{"model":"SGDClassifier","params":{"alpha":0.0001,"loss":"hinge"},"d":4,"n_classes":2}`
	code, payload := env.do(t, http.MethodPost, "/models", body)
	expectError(t, code, payload, http.StatusRequestEntityTooLarge, kindTooLarge)
}

func TestRateLimit(t *testing.T) {
	config := DefaultServerConfig()
	config.RateLimit = 0.001
	config.RateBurst = 2
	env := newTestEnv(t, config)

	env.mustDo(t, http.MethodGet, "/health", nil)
	env.mustDo(t, http.MethodGet, "/health", nil)
	code, payload := env.do(t, http.MethodGet, "/health", nil)
	expectError(t, code, payload, http.StatusTooManyRequests, kindRateLimited)
}

func TestRequestIDAndMetrics(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())
	env.create(t, "SGDClassifier", map[string]any{}, 2, 2)

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get(RequestIDHeader) == "" {
		t.Fatalf("missing %s header", RequestIDHeader)
	}

	resp, err = http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	body := string(data)
	for _, want := range []string{
		`modelhub_models_created_total{model="SGDClassifier"} 1`,
		`modelhub_http_requests_total{code="200",method="POST",route="/models/{$}"} 1`,
		`modelhub_http_requests_total{code="200",method="GET",route="/health"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	id := env.create(t, "CategoricalNB", map[string]any{}, 2, 2)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg monitoring.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if msg.Event.Type != engine.EventModelCreated || msg.Event.ModelID != id {
		t.Fatalf("unexpected event: %+v", msg.Event)
	}
}

func TestStatusOf(t *testing.T) {
	cases := map[error]int{
		engine.ErrNotFound:          http.StatusNotFound,
		engine.ErrInternal:          http.StatusInternalServerError,
		engine.ErrDimensionMismatch: http.StatusBadRequest,
		engine.ErrInvalidArgument:   http.StatusBadRequest,
		io.EOF:                      http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusOf(err); got != want {
			t.Errorf("statusOf(%v) = %d, want %d", err, got, want)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"kind":"internal"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestCORSMiddleware(t *testing.T) {
	h := CORSMiddleware([]string{"https://ui.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/models", nil)
	req.Header.Set("Origin", "https://ui.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://ui.example" {
		t.Fatalf("missing allow-origin header")
	}

	req = httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "https://other.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin must pass through without CORS headers")
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
