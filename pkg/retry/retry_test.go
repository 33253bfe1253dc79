package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsRetries(t *testing.T) {
	attempts := 0
	wantErr := errors.New("persistent")
	err := Do(context.Background(), fastConfig(2), func() error {
		attempts++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxRetries: 10, InitialDelay: time.Hour, Multiplier: 2.0}

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func() error { return errors.New("always") })
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDoIfRetryableStopsOnPermanentError(t *testing.T) {
	attempts := 0
	err := DoIfRetryable(context.Background(), fastConfig(5), func() error {
		attempts++
		return errors.New("unique constraint violated")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "permanent errors are not retried")
}

func TestDoIfRetryableRetriesTransient(t *testing.T) {
	attempts := 0
	err := DoIfRetryable(context.Background(), fastConfig(3), func() error {
		attempts++
		if attempts < 2 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

type explicitRetryable struct{ retryable bool }

func (e explicitRetryable) Error() string     { return "declared" }
func (e explicitRetryable) IsRetryable() bool { return e.retryable }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"deadlock", errors.New("ERROR: deadlock detected"), true},
		{"serialization failure", errors.New("could not serialize access"), true},
		{"i/o timeout", errors.New("read tcp: i/o timeout"), true},
		{"constraint violation", errors.New("violates unique constraint"), false},
		{"bad input", errors.New("invalid input syntax"), false},
		{"declared retryable", explicitRetryable{retryable: true}, true},
		{"declared permanent", explicitRetryable{retryable: false}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
