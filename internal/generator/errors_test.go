package generator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRetryAfter_Seconds(t *testing.T) {
	now := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)
	d := ParseRetryAfter("12", now)
	require.NotNil(t, d)
	assert.Equal(t, 12*time.Second, *d)
}

func TestParseRetryAfter_HTTPDate(t *testing.T) {
	now := time.Date(2026, 2, 7, 0, 0, 0, 0, time.UTC)
	d := ParseRetryAfter("Sat, 07 Feb 2026 00:00:10 GMT", now)
	require.NotNil(t, d)
	assert.Equal(t, 10*time.Second, *d)
}

func TestParseRetryAfter_Unparseable(t *testing.T) {
	d := ParseRetryAfter("not-a-time", time.Now())
	assert.Nil(t, d)
}

func TestErrorFromHTTPStatus_MappingAndRetryable(t *testing.T) {
	cases := []struct {
		status    int
		wantKind  ErrorKind
		retryable bool
	}{
		{status: 400, wantKind: ErrorInvalidRequest, retryable: false},
		{status: 422, wantKind: ErrorInvalidRequest, retryable: false},
		{status: 429, wantKind: ErrorRateLimited, retryable: true},
		{status: 503, wantKind: ErrorOverloaded, retryable: true},
		{status: 500, wantKind: ErrorOverloaded, retryable: true},
		{status: 599, wantKind: ErrorOverloaded, retryable: true},
	}
	for _, tc := range cases {
		err := ErrorFromHTTPStatus("sim", tc.status, "msg", nil, nil)
		assert.Equal(t, tc.wantKind, err.Kind, "status %d", tc.status)
		assert.Equal(t, tc.retryable, err.Retryable(), "status %d", tc.status)
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := assertErr{}
	e := &Error{Kind: ErrorTransport, Cause: cause}
	assert.Equal(t, cause, e.Unwrap())
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
