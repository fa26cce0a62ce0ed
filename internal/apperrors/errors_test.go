package apperrors_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"abide-backend/internal/apperrors"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", apperrors.Network("op", errors.New("connection reset")), true},
		{"server 500", apperrors.Server("op", 500, errors.New("boom")), true},
		{"server 503", apperrors.Server("op", 503, errors.New("unavailable")), true},
		{"throttled 429", apperrors.Server("op", 429, errors.New("slow down")), true},
		{"not found", apperrors.Client("op", 404, errors.New("gone")), false},
		{"gone", apperrors.Client("op", 410, errors.New("gone")), false},
		{"validation", apperrors.Client("op", 400, errors.New("bad payload")), false},
		{"rate limited", apperrors.RateLimited("op", time.Second), false},
		{"untagged", errors.New("mystery"), false},
		{"wrapped network", fmt.Errorf("outer: %w", apperrors.Network("op", errors.New("timeout"))), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.IsRetryable(tt.err))
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := apperrors.RateLimited("op", 5*time.Second)
	hint, ok := apperrors.RetryAfterHint(err)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Second, hint)

	_, ok = apperrors.RetryAfterHint(apperrors.Network("op", errors.New("reset")))
	assert.False(t, ok)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, apperrors.KindClient, apperrors.KindOf(apperrors.Client("op", 404, nil)))
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(errors.New("plain")))
	assert.True(t, apperrors.Is(apperrors.QueueDead("op", nil), apperrors.KindQueueDead))
}

func TestErrorString(t *testing.T) {
	err := apperrors.Server("remote.insert", 503, errors.New("unavailable"))
	assert.Contains(t, err.Error(), "remote.insert")
	assert.Contains(t, err.Error(), "SERVER")
	assert.Contains(t, err.Error(), "503")
}
