package codec

import (
	"bytes"
	"encoding/gob"
	"testing"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		value any
	}{
		{name: "int input", kind: KindInput, value: 42},
		{name: "string output", kind: KindOutput, value: "hello"},
		{name: "slice input", kind: KindInput, value: []any{1, "two", 3.0}},
		{name: "function spec", kind: KindFunction, value: FuncSpec{Name: "double"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.kind, tt.value)
			require.NoError(t, err)

			got, err := Decode(data, tt.kind)
			require.NoError(t, err)
			require.Equal(t, tt.value, got)
		})
	}
}

func TestPeekReportsKindWithoutPayloadDecode(t *testing.T) {
	data, err := Encode(KindError, ErrorReport{Component: 3, Message: "boom"})
	require.NoError(t, err)

	kind, err := Peek(data)
	require.NoError(t, err)
	require.Equal(t, KindError, kind)
}

func TestDecodeKindMismatch(t *testing.T) {
	data, err := Encode(KindInput, 7)
	require.NoError(t, err)

	_, err = Decode(data, KindOutput)
	var mismatch *KindMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, KindOutput, mismatch.Want)
	require.Equal(t, KindInput, mismatch.Got)
}

func TestDecodeRejectsCorruptPayload(t *testing.T) {
	var payload bytes.Buffer
	require.NoError(t, gob.NewEncoder(&payload).Encode(box{Value: 11}))

	env := envelope{
		Kind:     KindOutput,
		Checksum: murmur3.Sum64(payload.Bytes()) + 1,
		Payload:  payload.Bytes(),
	}
	var out bytes.Buffer
	require.NoError(t, gob.NewEncoder(&out).Encode(env))

	_, err := Decode(out.Bytes(), KindOutput)
	require.ErrorIs(t, err, ErrChecksum)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not an envelope"), KindInput)
	require.ErrorIs(t, err, ErrBadEnvelope)

	_, err = Peek(nil)
	require.ErrorIs(t, err, ErrBadEnvelope)
}

func TestDecodeResult(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		data, err := Encode(KindOutput, 84)
		require.NoError(t, err)

		value, report, err := DecodeResult(data)
		require.NoError(t, err)
		require.Nil(t, report)
		require.Equal(t, 84, value)
	})

	t.Run("failed", func(t *testing.T) {
		want := ErrorReport{
			Component:  1,
			Message:    "division by zero",
			ErrorType:  "runtime error",
			Host:       "worker-1",
			StartedAt:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			FinishedAt: time.Date(2025, 3, 1, 12, 0, 1, 0, time.UTC),
		}
		data, err := Encode(KindError, want)
		require.NoError(t, err)

		value, report, err := DecodeResult(data)
		require.NoError(t, err)
		require.Nil(t, value)
		require.Equal(t, want, *report)
	})

	t.Run("wrong kind", func(t *testing.T) {
		data, err := Encode(KindInput, 5)
		require.NoError(t, err)

		_, _, err = DecodeResult(data)
		var mismatch *KindMismatchError
		require.ErrorAs(t, err, &mismatch)
	})
}

func TestIntRecord(t *testing.T) {
	v, err := DecodeInt(EncodeInt(17))
	require.NoError(t, err)
	require.Equal(t, 17, v)

	_, err = DecodeInt([]byte("seventeen\n"))
	require.Error(t, err)
}

func TestLinesRecord(t *testing.T) {
	lines := []string{"101", "102", "103"}
	got := DecodeLines(EncodeLines(lines))
	require.Equal(t, lines, got)

	require.Empty(t, DecodeLines([]byte("\n\n")))
}

func TestJSONRecordRejectsUnknownFields(t *testing.T) {
	type rec struct {
		Offset int64 `json:"offset"`
	}
	data, err := EncodeJSON(rec{Offset: 99})
	require.NoError(t, err)

	var got rec
	require.NoError(t, DecodeJSON(data, &got))
	require.Equal(t, int64(99), got.Offset)

	err = DecodeJSON([]byte(`{"offset": 1, "extra": true}`), &got)
	require.Error(t, err)
}

func TestYAMLRecordRoundTrip(t *testing.T) {
	desc := map[string]string{"executable": "/bin/app", "arguments": "$(component)"}
	data, err := EncodeYAML(desc)
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, DecodeYAML(data, &got))
	require.Equal(t, desc, got)
}
