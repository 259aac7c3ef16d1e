package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}

func TestWrap(t *testing.T) {
	base := New("socket closed")
	err := Wrap(base, "listener", "Start", "bind")
	require.Error(t, err)
	assert.Equal(t, "listener.Start: bind failed: socket closed", err.Error())
	assert.True(t, Is(err, base))

	assert.NoError(t, Wrap(nil, "listener", "Start", "bind"))
}

func TestWrapClassified(t *testing.T) {
	base := New("boom")

	tt := []struct {
		name  string
		wrap  func(error, string, string, string) error
		class ErrorClass
	}{
		{"transient", WrapTransient, ErrorTransient},
		{"invalid", WrapInvalid, ErrorInvalid},
		{"fatal", WrapFatal, ErrorFatal},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.wrap(base, "astm", "Feed", "frame validation")
			require.Error(t, err)

			var ce *ClassifiedError
			require.True(t, As(err, &ce))
			assert.Equal(t, tc.class, ce.Class)
			assert.Equal(t, "astm", ce.Component)
			assert.True(t, Is(err, base))

			assert.NoError(t, tc.wrap(nil, "astm", "Feed", "frame validation"))
		})
	}
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(ErrStorageUnavailable))
	assert.True(t, IsTransient(ErrEndpointStatus))
	assert.True(t, IsTransient(fmt.Errorf("dial tcp: connection refused")))
	assert.True(t, IsTransient(New("database is locked")))
	assert.False(t, IsTransient(ErrChecksumFailed))
	assert.True(t, IsTransient(WrapTransient(New("x"), "c", "m", "a")))
	assert.False(t, IsTransient(WrapFatal(New("timeout"), "c", "m", "a")))
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrConnectionReset))
	assert.True(t, IsFatal(ErrTooManyNAKs))
	assert.True(t, IsFatal(ErrConnectionIdle))
	assert.False(t, IsFatal(ErrDecodeFailed))
	assert.True(t, IsFatal(WrapFatal(New("x"), "c", "m", "a")))
}

func TestIsInvalid(t *testing.T) {
	assert.False(t, IsInvalid(nil))
	assert.True(t, IsInvalid(ErrChecksumFailed))
	assert.True(t, IsInvalid(ErrInvalidRecord))
	assert.True(t, IsInvalid(Wrap(ErrSequenceMismatch, "astm", "Feed", "validate")))
	assert.False(t, IsInvalid(ErrConnectionReset))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorFatal, Classify(ErrTooManyNAKs))
	assert.Equal(t, ErrorInvalid, Classify(ErrChecksumFailed))
	assert.Equal(t, ErrorTransient, Classify(New("some network thing")))
}
