package ferr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_WithWorkerOperator(t *testing.T) {
	base := New(OutOfMemory, "spill recursion exceeded depth")
	withWorker := base.WithWorker(3)
	withBoth := withWorker.WithOperator("ReduceByKey")

	assert.Equal(t, -1, base.Worker)
	assert.Equal(t, 3, withWorker.Worker)
	assert.Equal(t, "ReduceByKey", withBoth.Operator)
	assert.Contains(t, withBoth.Error(), "OutOfMemory")
	assert.Contains(t, withBoth.Error(), "worker=3")
	assert.Contains(t, withBoth.Error(), "operator=ReduceByKey")
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(IoError, cause)
	require.NotNil(t, wrapped)
	assert.Same(t, cause, errors.Unwrap(wrapped))
	assert.True(t, Is(wrapped, IoError))
	assert.False(t, Is(wrapped, DecodeError))
}

func TestWrap_NilCause(t *testing.T) {
	assert.Nil(t, Wrap(IoError, nil))
}

func TestKind_String(t *testing.T) {
	cases := map[Kind]string{
		ConfigError:    "ConfigError",
		IoError:        "IoError",
		DecodeError:    "DecodeError",
		OutOfMemory:    "OutOfMemory",
		UserException:  "UserException",
		LogicError:     "LogicError",
		Kind(1000):    "Unknown",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}
