package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelhub/db"
	"modelhub/engine"
	qhttp "modelhub/http"
	"modelhub/ml"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "models.db"))
	require.NoError(t, err)
	registry := ml.DefaultRegistry()
	codec, err := ml.NewCodec(registry, 0)
	require.NoError(t, err)

	eng := engine.New(store, registry, codec)
	srv := httptest.NewServer(qhttp.NewHandler(qhttp.DefaultServerConfig(), qhttp.Dependencies{Engine: eng}))
	t.Cleanup(func() {
		srv.Close()
		codec.Close()
		store.Close()
	})
	return New(srv.URL+"/", WithHTTPClient(srv.Client()))
}

func TestClientLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	require.NoError(t, c.Health(ctx))

	types, err := c.ModelTypes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"CategoricalNB", "MLPClassifier", "SGDClassifier"}, types)

	id, err := c.CreateModel(ctx, "CategoricalNB", nil, 3, 2)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		res, err := c.Train(ctx, id, []float64{float64(i % 2), 1, 2}, i%2)
		require.NoError(t, err)
		assert.Equal(t, i+1, res.NTrained)
	}

	y, err := c.Predict(ctx, id, []float64{1, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, 1, y)

	m, err := c.GetModel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "CategoricalNB", m.ModelType)
	assert.Equal(t, 4, m.NTrained)
	assert.Equal(t, 3, m.FeatureDim)

	models, err := c.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, 1.0, models[0].TrainingScore)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	_, err := c.GetModel(ctx, 123456789)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrNotFound)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	_, err = c.CreateModel(ctx, "ERROR", map[string]any{"alpha": 0.0001}, 4, 2)
	assert.ErrorIs(t, err, engine.ErrUnknownModelType)

	id, err := c.CreateModel(ctx, "SGDClassifier", map[string]any{}, 4, 3)
	require.NoError(t, err)

	_, err = c.Train(ctx, id, []float64{1, 2, 3, 4, 5}, 0)
	assert.ErrorIs(t, err, engine.ErrDimensionMismatch)
	_, err = c.Train(ctx, id, []float64{1, 2, 3, 4}, 3)
	assert.ErrorIs(t, err, engine.ErrLabelOutOfRange)
	assert.False(t, errors.Is(err, engine.ErrNotFound))
}

func TestClientNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL).Health(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "bad gateway", apiErr.Message)
}
