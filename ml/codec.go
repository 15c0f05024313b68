package ml

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	// StateFormat tags every encoded estimator envelope.
	StateFormat = "modelhub.estimator"
	// StateVersion is the envelope version written by this package.
	StateVersion = 1

	maxDecodedState = 256 << 20
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// envelope is the documented on-disk form of an estimator:
//
//	{"format":"modelhub.estimator","version":1,"kind":"SGDClassifier","state":{...}}
//
// Envelopes larger than the codec threshold are stored as a single zstd frame.
type envelope struct {
	Format  string          `json:"format"`
	Version int             `json:"version"`
	Kind    Kind            `json:"kind"`
	State   json.RawMessage `json:"state"`
}

// Codec converts estimators to and from their serialized state.
// It is safe for concurrent use.
type Codec struct {
	registry  *Registry
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewCodec returns a codec for the estimators in registry. Encoded states
// longer than compressThreshold bytes are zstd-compressed; a threshold of 0
// disables compression.
func NewCodec(registry *Registry, compressThreshold int) (*Codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedState))
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{
		registry:  registry,
		threshold: compressThreshold,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// Close releases the compressor resources.
func (c *Codec) Close() error {
	c.decoder.Close()
	return c.encoder.Close()
}

// Encode serializes est into a versioned envelope.
func (c *Codec) Encode(est Estimator) ([]byte, error) {
	state, err := json.Marshal(est)
	if err != nil {
		return nil, fmt.Errorf("marshal %s state: %w", est.Kind(), err)
	}
	data, err := json.Marshal(envelope{
		Format:  StateFormat,
		Version: StateVersion,
		Kind:    est.Kind(),
		State:   state,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if c.threshold > 0 && len(data) > c.threshold {
		return c.encoder.EncodeAll(data, make([]byte, 0, len(data)/4)), nil
	}
	return data, nil
}

// Decode restores an estimator and checks that it is of the expected kind.
func (c *Codec) Decode(kind Kind, data []byte) (Estimator, error) {
	if bytes.HasPrefix(data, zstdMagic) {
		plain, err := c.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptState, err)
		}
		data = plain
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if env.Format != StateFormat || env.Version != StateVersion {
		return nil, fmt.Errorf("%w: unsupported format %q version %d", ErrCorruptState, env.Format, env.Version)
	}
	if env.Kind != kind {
		return nil, fmt.Errorf("%w: state holds %s, record says %s", ErrCorruptState, env.Kind, kind)
	}
	spec, ok := c.registry.Lookup(string(kind))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return spec.Decode(env.State)
}
