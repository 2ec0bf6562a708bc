package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTypesAndRetryability(t *testing.T) {
	assert.True(t, IsRetryable(NewTransientError("flaky")))
	assert.True(t, IsRetryable(NewNetworkError("conn refused", errors.New("dial"))))
	assert.True(t, IsRetryable(New(ErrorTypeRateLimit, "slow down")))

	assert.False(t, IsRetryable(NewValidationError("bad input")))
	assert.False(t, IsRetryable(New(ErrorTypePermanent, "gone")))
	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestConflictKinds(t *testing.T) {
	err := NewConflictError(ConflictVersion, "version 1.0.0 already exists")

	assert.Equal(t, ErrorTypeConflict, GetType(err))
	assert.Equal(t, ConflictVersion, GetConflictKind(err))
	assert.True(t, IsConflict(err, ConflictVersion))
	assert.False(t, IsConflict(err, ConflictOwnership))
	assert.Equal(t, 409, HTTPStatus(err))
}

func TestConflictKindSurvivesWrapping(t *testing.T) {
	inner := NewConflictError(ConflictSlug, "no free slug")
	wrapped := Wrap(inner, ErrorTypeConflict, "ingest failed")

	assert.True(t, IsConflict(wrapped, ConflictSlug))

	// fmt wrapping preserves the chain too
	chained := fmt.Errorf("outer: %w", wrapped)
	assert.True(t, IsConflict(chained, ConflictSlug))
}

func TestHTTPStatusDefaults(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(NewValidationError("bad")))
	assert.Equal(t, 404, HTTPStatus(NewNotFoundError("missing")))
	assert.Equal(t, 429, HTTPStatus(New(ErrorTypeRateLimit, "limited")))
	assert.Equal(t, 502, HTTPStatus(NewNetworkError("down", errors.New("dial"))))
	assert.Equal(t, 500, HTTPStatus(errors.New("plain")))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeDatabase, "nothing"))
}

func TestRetryWithPolicyRetriesTransient(t *testing.T) {
	calls := 0
	err := RetryWithPolicy(context.Background(), NoDelayPolicy(3), func() error {
		calls++
		if calls < 3 {
			return NewTransientError("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithPolicyStopsOnPermanent(t *testing.T) {
	calls := 0
	err := RetryWithPolicy(context.Background(), NoDelayPolicy(5), func() error {
		calls++
		return New(ErrorTypePermanent, "never retry this")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryWithPolicyExhaustsAttempts(t *testing.T) {
	calls := 0
	err := RetryWithPolicy(context.Background(), NoDelayPolicy(4), func() error {
		calls++
		return NewTransientError("always failing")
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, ErrorTypeTransient, GetType(err))
}

func TestRetryWithPolicyHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := RetryWithPolicy(ctx, NoDelayPolicy(10), func() error {
		calls++
		cancel()
		return NewTransientError("still failing")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
