// Package engine implements the model lifecycle: creating untrained models,
// applying single-example training steps, predicting, and ranking training
// progress across models of the same type.
//
// The engine holds no state between calls. Every operation loads what it needs
// from the Store, computes, and writes back before returning.
//
// Train is a read-modify-write without isolation: two concurrent train steps
// on the same model can both read the same state and the later write wins,
// losing one update. Callers needing ordered updates must serialize them
// outside the engine, for example with a queue feeding a single writer.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"modelhub/db"
	"modelhub/ml"
)

// Store is the durable record storage the engine orchestrates.
type Store interface {
	CreateRecord(ctx context.Context, rec db.NewRecord) (int64, error)
	GetRecord(ctx context.Context, id int64) (*db.Record, error)
	UpdateRecord(ctx context.Context, id int64, state []byte, nTrained int) error
	ListRecords(ctx context.Context) ([]db.Record, error)
}

// Model is a record as exposed to callers: everything except the state blob.
type Model struct {
	ID         int64          `json:"id"`
	ModelType  string         `json:"model"`
	Params     map[string]any `json:"params"`
	FeatureDim int            `json:"d"`
	NClasses   int            `json:"n_classes"`
	NTrained   int            `json:"n_trained"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ScoredModel is a Model annotated with its training score.
type ScoredModel struct {
	Model
	TrainingScore float64 `json:"training_score"`
}

// TrainResult is returned by a successful train step.
type TrainResult struct {
	ID       int64 `json:"id"`
	NTrained int   `json:"n_trained"`
}

// Prediction is returned by Predict.
type Prediction struct {
	ID int64     `json:"id"`
	X  []float64 `json:"x"`
	Y  int       `json:"y"`
}

// Engine runs model operations against a Store.
type Engine struct {
	store     Store
	registry  *ml.Registry
	codec     *ml.Codec
	logger    *zap.Logger
	notifiers []Notifier
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithNotifier registers a receiver for model events.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifiers = append(e.notifiers, n) }
}

// New returns an engine. codec must have been built for registry.
func New(store Store, registry *ml.Registry, codec *ml.Codec, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: registry,
		codec:    codec,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ModelTypes lists the supported estimator types.
func (e *Engine) ModelTypes() []ml.Kind {
	return e.registry.Kinds()
}

// Create constructs a fresh estimator, persists it with n_trained = 0 and
// returns the new id.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (int64, error) {
	if req.ModelType == "" {
		return 0, missingField("model")
	}
	if req.FeatureDim < 1 {
		return 0, typeMismatch("d", "a positive integer")
	}
	if req.NClasses < 1 {
		return 0, typeMismatch("n_classes", "a positive integer")
	}
	if req.FeatureDim > MaxFeatureDim {
		return 0, newError(KindInvalidParams, "d", "must be at most %d", MaxFeatureDim)
	}
	if req.NClasses > MaxClasses {
		return 0, newError(KindInvalidParams, "n_classes", "must be at most %d", MaxClasses)
	}

	params := req.Params
	if params == nil {
		params = ml.Params{}
	}
	est, err := e.registry.New(req.ModelType, params, req.FeatureDim, req.NClasses)
	if errors.Is(err, ml.ErrUnknownKind) {
		return 0, newError(KindUnknownModelType, "model", "%q is not one of %v", req.ModelType, e.registry.Kinds())
	}
	if err != nil {
		return 0, wrapError(KindInvalidParams, err, "cannot construct %s", req.ModelType)
	}
	kind := est.Kind()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, wrapError(KindInvalidParams, err, "params are not serializable")
	}
	state, err := e.codec.Encode(est)
	if err != nil {
		return 0, wrapError(KindInternal, err, "encode state")
	}

	id, err := e.store.CreateRecord(ctx, db.NewRecord{
		ModelType:  string(kind),
		Params:     string(paramsJSON),
		FeatureDim: req.FeatureDim,
		NClasses:   req.NClasses,
		State:      state,
	})
	if err != nil {
		return 0, wrapError(KindInternal, err, "create record")
	}

	e.logger.Info("model created",
		zap.Int64("id", id),
		zap.String("model", string(kind)),
		zap.Int("d", req.FeatureDim),
		zap.Int("n_classes", req.NClasses),
		zap.Int("state_bytes", len(state)),
	)
	e.notify(Event{Type: EventModelCreated, ModelID: id, ModelType: string(kind)})
	return id, nil
}

// Get returns a model without its state.
func (e *Engine) Get(ctx context.Context, id int64) (*Model, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return toModel(rec)
}

// Train applies one incremental fit with the example (x, y) and persists the
// new state together with n_trained + 1.
func (e *Engine) Train(ctx context.Context, id int64, req TrainRequest) (*TrainResult, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(req.X) != rec.FeatureDim {
		return nil, newError(KindDimensionMismatch, "x", "expected %d features, got %d", rec.FeatureDim, len(req.X))
	}
	if req.Y < 0 || req.Y >= rec.NClasses {
		return nil, newError(KindLabelOutOfRange, "y", "label %d outside [0, %d)", req.Y, rec.NClasses)
	}

	est, err := e.decode(rec)
	if err != nil {
		return nil, err
	}
	if err := est.PartialFit(req.X, req.Y, ml.Classes(rec.NClasses)); err != nil {
		return nil, estimatorError(err, "partial fit")
	}
	state, err := e.codec.Encode(est)
	if err != nil {
		return nil, wrapError(KindInternal, err, "encode state")
	}

	nTrained := rec.NTrained + 1
	if err := e.store.UpdateRecord(ctx, id, state, nTrained); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, newError(KindNotFound, "", "model %d not found", id)
		}
		return nil, wrapError(KindInternal, err, "update record")
	}

	e.logger.Debug("model trained",
		zap.Int64("id", id),
		zap.String("model", rec.ModelType),
		zap.Int("n_trained", nTrained),
	)
	e.notify(Event{Type: EventModelTrained, ModelID: id, ModelType: rec.ModelType, NTrained: nTrained})
	return &TrainResult{ID: id, NTrained: nTrained}, nil
}

// Predict returns the predicted label for x. The record is not modified.
func (e *Engine) Predict(ctx context.Context, id int64, x []float64) (*Prediction, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.predict(rec, x)
}

// PredictEncoded is Predict for a base64-encoded JSON feature array. The
// record is looked up before the payload is decoded.
func (e *Engine) PredictEncoded(ctx context.Context, id int64, encoded string) (*Prediction, error) {
	rec, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	x, err := DecodeFeatures(encoded)
	if err != nil {
		return nil, err
	}
	return e.predict(rec, x)
}

func (e *Engine) predict(rec *db.Record, x []float64) (*Prediction, error) {
	if len(x) != rec.FeatureDim {
		return nil, newError(KindDimensionMismatch, "x", "expected %d features, got %d", rec.FeatureDim, len(x))
	}
	est, err := e.decode(rec)
	if err != nil {
		return nil, err
	}
	y, err := est.Predict(x)
	if err != nil {
		return nil, estimatorError(err, "predict")
	}
	e.notify(Event{Type: EventModelPredicted, ModelID: rec.ID, ModelType: rec.ModelType, NTrained: rec.NTrained})
	return &Prediction{ID: rec.ID, X: x, Y: y}, nil
}

// List returns every model with its training score relative to other models
// of the same type.
func (e *Engine) List(ctx context.Context) ([]ScoredModel, error) {
	records, err := e.store.ListRecords(ctx)
	if err != nil {
		return nil, wrapError(KindInternal, err, "list records")
	}
	scores := TrainingScores(records)

	models := make([]ScoredModel, 0, len(records))
	for i := range records {
		m, err := toModel(&records[i])
		if err != nil {
			return nil, err
		}
		models = append(models, ScoredModel{Model: *m, TrainingScore: scores[records[i].ID]})
	}
	return models, nil
}

func (e *Engine) load(ctx context.Context, id int64) (*db.Record, error) {
	rec, err := e.store.GetRecord(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, newError(KindNotFound, "", "model %d not found", id)
	}
	if err != nil {
		return nil, wrapError(KindInternal, err, "load model %d", id)
	}
	return rec, nil
}

func (e *Engine) decode(rec *db.Record) (ml.Estimator, error) {
	est, err := e.codec.Decode(ml.Kind(rec.ModelType), rec.State)
	if err != nil {
		e.logger.Error("undecodable model state", zap.Int64("id", rec.ID), zap.Error(err))
		return nil, wrapError(KindInternal, err, "decode state of model %d", rec.ID)
	}
	return est, nil
}

func (e *Engine) notify(ev Event) {
	if len(e.notifiers) == 0 {
		return
	}
	ev.Time = time.Now().UTC()
	for _, n := range e.notifiers {
		n.Notify(ev)
	}
}

func estimatorError(err error, op string) *Error {
	if errors.Is(err, ml.ErrNotFitted) || errors.Is(err, ml.ErrInvalidInput) {
		return wrapError(KindInvalidArgument, err, "%s", op)
	}
	return wrapError(KindInternal, err, "%s", op)
}

func toModel(rec *db.Record) (*Model, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(rec.Params)))
	dec.UseNumber()
	params := make(map[string]any)
	if err := dec.Decode(&params); err != nil {
		return nil, wrapError(KindInternal, err, "decode params of model %d", rec.ID)
	}
	return &Model{
		ID:         rec.ID,
		ModelType:  rec.ModelType,
		Params:     params,
		FeatureDim: rec.FeatureDim,
		NClasses:   rec.NClasses,
		NTrained:   rec.NTrained,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}, nil
}
