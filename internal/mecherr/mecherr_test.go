package mecherr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCoreErrorUnwrapAndMessage(t *testing.T) {
	cause := errors.New("disk full")
	err := New(ExitCheckpointFailure, cause)

	require.Equal(t, ExitCheckpointFailure, err.Code)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "916")
	require.Contains(t, err.Error(), "disk full")
}

func TestModuleErrorClampsToRange(t *testing.T) {
	cause := errors.New("user callback failed")

	within := ModuleError(10, cause)
	require.Equal(t, ExitModuleErrMin+10, within.Code)

	overflow := ModuleError(1000, cause)
	require.Equal(t, ExitModuleErrMax, overflow.Code)
}

func TestICEAbort(t *testing.T) {
	cause := errors.New("mechanic.ice sentinel present")
	err := ICEAbort(cause)
	require.Equal(t, ExitICEAbort, err.Code)
	require.ErrorIs(t, err, cause)
}
