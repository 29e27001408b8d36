package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-io/vigil/internal/monitor"
)

func TestDefaultRegistryCoversAllKinds(t *testing.T) {
	registry := DefaultRegistry()

	for _, kind := range []monitor.CheckKind{
		monitor.KindHTTP,
		monitor.KindJSONHTTP,
		monitor.KindDNS,
		monitor.KindTCP,
		monitor.KindSMTP,
		monitor.KindIMAP,
		monitor.KindJSONMetrics,
		monitor.KindSSHJSON,
	} {
		factory, err := registry.Lookup(kind)
		require.NoError(t, err, "kind %s", kind)
		require.NotNil(t, factory)
	}

	assert.Len(t, registry.Kinds(), 8)
}

func TestRegistryUnknownKind(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Lookup("carrier-pigeon")
	assert.ErrorIs(t, err, ErrUnknownCheckKind)
	assert.False(t, registry.Known("carrier-pigeon"))
}

func TestRetryingStopsOnNonTransient(t *testing.T) {
	calls := 0

	result := retrying(context.Background(), 5, time.Millisecond,
		func(context.Context) (*monitor.Result, bool) {
			calls++

			return monitor.ErrorResult(1, "fatal", "boom"), false
		})

	require.NotNil(t, result)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Payload["attempts"])
}

func TestRetryingExhaustsBudget(t *testing.T) {
	calls := 0

	result := retrying(context.Background(), 2, time.Millisecond,
		func(context.Context) (*monitor.Result, bool) {
			calls++

			return monitor.ErrorResult(1, "transient", "try again"), true
		})

	require.NotNil(t, result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Payload["attempts"])
}

func TestRetryingStopsOnSuccess(t *testing.T) {
	calls := 0

	result := retrying(context.Background(), 5, time.Millisecond,
		func(context.Context) (*monitor.Result, bool) {
			calls++
			if calls < 3 {
				return monitor.ErrorResult(1, "transient", "not yet"), true
			}

			return monitor.OKResult(1, nil), false
		})

	require.NotNil(t, result)
	assert.Equal(t, monitor.ResultOK, result.Status)
	assert.Equal(t, 3, result.Payload["attempts"])
}

func TestRetryingNilResultPassesThrough(t *testing.T) {
	result := retrying(context.Background(), 5, time.Millisecond,
		func(context.Context) (*monitor.Result, bool) {
			return nil, false
		})

	assert.Nil(t, result)
}
