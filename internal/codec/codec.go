// Package codec converts values crossing the submit/execute boundary into
// durable byte representations. Arbitrary values (function references, inputs,
// outputs, error reports) travel as tagged gob envelopes; small metadata
// records use structured text (see text.go) so they stay human-inspectable.
//
// Every envelope is encoded and decoded independently, so one corrupt blob
// never blocks access to its siblings.
package codec

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/spaolacci/murmur3"
)

// Kind tags the payload of an envelope. Decoders check it before touching
// the payload so a mixed-up record surfaces as a clear error instead of a
// garbled value.
type Kind string

const (
	KindFunction Kind = "function"
	KindInput    Kind = "input"
	KindOutput   Kind = "output"
	KindError    Kind = "error"
)

var (
	// ErrBadEnvelope reports bytes that do not decode as an envelope at all.
	ErrBadEnvelope = errors.New("malformed envelope")
	// ErrChecksum reports an envelope whose payload bytes do not match the
	// recorded checksum, i.e. the blob was corrupted at rest.
	ErrChecksum = errors.New("payload checksum mismatch")
)

// KindMismatchError reports an envelope whose kind differs from what the
// caller expected.
type KindMismatchError struct {
	Want Kind
	Got  Kind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("envelope kind is %q, want %q", e.Got, e.Want)
}

// FuncSpec is the payload of a function envelope. Functions are shipped by
// registered name and resolved against the executing binary's registry, so
// the record itself carries no code.
type FuncSpec struct {
	Name string
}

// ErrorReport is the payload of an error envelope: a user-code failure
// captured during remote execution, with enough context to render a useful
// report without access to the execute node.
type ErrorReport struct {
	Component  int
	Message    string
	ErrorType  string
	Stack      string
	Host       string
	GoVersion  string
	StartedAt  time.Time
	FinishedAt time.Time
}

// envelope is the on-disk frame: a kind tag, a checksum of the payload
// bytes, and the gob-encoded payload itself.
type envelope struct {
	Kind     Kind
	Checksum uint64
	Payload  []byte
}

// box wraps values so gob transmits the dynamic type name alongside the
// value; decoding into a bare interface then recovers the original concrete
// type, provided it is registered with gob.
type box struct {
	Value any
}

func init() {
	gob.Register(FuncSpec{})
	gob.Register(ErrorReport{})
	gob.Register([]any{})
	gob.Register(map[string]any{})
}

// Encode serializes value into a tagged envelope.
func Encode(kind Kind, value any) ([]byte, error) {
	var payload bytes.Buffer
	if err := gob.NewEncoder(&payload).Encode(box{Value: value}); err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	env := envelope{
		Kind:     kind,
		Checksum: murmur3.Sum64(payload.Bytes()),
		Payload:  payload.Bytes(),
	}
	var out bytes.Buffer
	if err := gob.NewEncoder(&out).Encode(env); err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	return out.Bytes(), nil
}

// Decode verifies the envelope's kind and checksum, then returns the boxed
// value. Callers are expected to attribute failures to the record (and
// component) the bytes came from.
func Decode(data []byte, want Kind) (any, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	if env.Kind != want {
		return nil, &KindMismatchError{Want: want, Got: env.Kind}
	}
	return decodePayload(env)
}

// Peek reads only the envelope frame and reports its kind. It verifies the
// checksum but does not decode the payload, so it works even when the
// payload's concrete type is not registered in this binary.
func Peek(data []byte) (Kind, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return "", err
	}
	return env.Kind, nil
}

// DecodeResult decodes an output-or-error blob: a completed component yields
// (value, nil, nil) and a failed one yields (nil, report, nil).
func DecodeResult(data []byte) (any, *ErrorReport, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return nil, nil, err
	}
	switch env.Kind {
	case KindOutput:
		v, err := decodePayload(env)
		return v, nil, err
	case KindError:
		v, err := decodePayload(env)
		if err != nil {
			return nil, nil, err
		}
		report, ok := v.(ErrorReport)
		if !ok {
			return nil, nil, fmt.Errorf("%w: error payload is %T", ErrBadEnvelope, v)
		}
		return nil, &report, nil
	default:
		return nil, nil, &KindMismatchError{Want: KindOutput, Got: env.Kind}
	}
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return envelope{}, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if murmur3.Sum64(env.Payload) != env.Checksum {
		return envelope{}, ErrChecksum
	}
	return env, nil
}

func decodePayload(env envelope) (any, error) {
	var b box
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return b.Value, nil
}
