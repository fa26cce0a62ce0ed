package remote

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"abide-backend/internal/apperrors"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.Kind
	}{
		{"unique violation is duplicate", fmt.Errorf("(23505) duplicate key value"), ""},
		{"not-null violation", fmt.Errorf("(23502) null value in column"), apperrors.KindClient},
		{"bad syntax", fmt.Errorf("(42703) column does not exist"), apperrors.KindClient},
		{"postgrest shape error", fmt.Errorf("(PGRST116) JSON object requested, multiple rows"), apperrors.KindClient},
		{"connection failure", fmt.Errorf("(08006) connection failure"), apperrors.KindServer},
		{"too many connections", fmt.Errorf("(53300) too many connections"), apperrors.KindServer},
		{"unknown code is transient", fmt.Errorf("(XX000) internal error"), apperrors.KindServer},
		{"uncoded error is transient", errors.New("something odd"), apperrors.KindServer},
		{"network timeout", timeoutErr{}, apperrors.KindNetwork},
		{"context deadline", context.DeadlineExceeded, apperrors.KindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("remote.insert", tt.err)
			if tt.want == "" {
				assert.ErrorIs(t, got, ErrDuplicate)
				return
			}
			assert.Equal(t, tt.want, apperrors.KindOf(got))
		})
	}
}

func TestClassifyNil(t *testing.T) {
	assert.NoError(t, classify("remote.select", nil))
}

func TestClassifyRetryability(t *testing.T) {
	assert.True(t, apperrors.IsRetryable(classify("op", fmt.Errorf("(57P01) admin shutdown"))))
	assert.False(t, apperrors.IsRetryable(classify("op", fmt.Errorf("(23514) check violation"))))
}
