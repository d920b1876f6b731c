package funcs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndCall(t *testing.T) {
	f, err := Register("test-add", func(_ context.Context, args ...any) (any, error) {
		return args[0].(int) + args[1].(int), nil
	})
	require.NoError(t, err)
	require.Equal(t, "test-add", f.Name())

	got, err := f.Call(context.Background(), 2, 3)
	require.NoError(t, err)
	require.Equal(t, 5, got)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	_, err := Register("test-dup", func(_ context.Context, _ ...any) (any, error) { return nil, nil })
	require.NoError(t, err)

	_, err = Register("test-dup", func(_ context.Context, _ ...any) (any, error) { return nil, nil })
	require.Error(t, err)
	require.Contains(t, err.Error(), "already registered")
}

func TestRegisterValidates(t *testing.T) {
	_, err := Register("", func(_ context.Context, _ ...any) (any, error) { return nil, nil })
	require.Error(t, err)

	_, err = Register("test-nil", nil)
	require.Error(t, err)
}

func TestGet(t *testing.T) {
	want := MustRegister("test-get", func(_ context.Context, _ ...any) (any, error) { return "ok", nil })

	got, err := Get("test-get")
	require.NoError(t, err)
	require.Same(t, want, got)

	_, err = Get("test-absent")
	require.Error(t, err)
	require.Contains(t, err.Error(), "not registered")
}

func TestNamesSorted(t *testing.T) {
	MustRegister("test-z", func(_ context.Context, _ ...any) (any, error) { return nil, nil })
	MustRegister("test-a", func(_ context.Context, _ ...any) (any, error) { return nil, nil })

	names := Names()
	require.Contains(t, names, "test-a")
	require.Contains(t, names, "test-z")
	require.IsIncreasing(t, names)
}
