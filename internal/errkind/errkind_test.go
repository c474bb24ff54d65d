package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_SentinelWrap(t *testing.T) {
	err := fmt.Errorf("quote request: %w", ErrTransient)
	assert.Equal(t, KindTransient, Classify(err))
}

func TestClassify_NilIsUnknown(t *testing.T) {
	assert.Equal(t, KindUnknown, Classify(nil))
}

func TestClassifyTransport(t *testing.T) {
	cases := []struct {
		msg  string
		want Kind
	}{
		{"dial tcp: connection refused", KindTransient},
		{"429 Too Many Requests", KindTransient},
		{"context deadline exceeded", KindTimeout},
		{"blockhash not found", KindTransient},
		{"some unrelated failure", KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyTransport(errors.New(tc.msg)), tc.msg)
	}
}

func TestWrap_RoundTripsThroughClassify(t *testing.T) {
	err := Wrap(KindPolicyViolation, "qualify gate failed", nil)
	assert.ErrorIs(t, err, ErrPolicyViolation)
	assert.Equal(t, KindPolicyViolation, Classify(err))

	wrapped := Wrap(KindStoreUnavailable, "load coin", errors.New("disk full"))
	assert.ErrorIs(t, wrapped, ErrStoreUnavailable)
	assert.Contains(t, wrapped.Error(), "disk full")
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "Transient", KindTransient.String())
	assert.Equal(t, "Unknown", Kind(99).String())
}
