package dumbbell

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceExitHandlerFlushes(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "hook.tr")
	tm := CreateTraceManager("hook", true)
	require.NoError(t, tm.OpenASCII(filename))
	hook := tm.exitHook
	require.NotZero(t, hook)

	fmt.Fprint(tm.ascii, "+ 0 line\n")

	// what atexit runs when the program leaves early
	require.NoError(t, tm.closeASCII())
	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.Equal(t, "+ 0 line\n", string(data))

	require.NoError(t, tm.Close())
	assert.Error(t, hook.Cancel(), "Close removes the exit handler")
}

func TestInactiveTraceRegistersNothing(t *testing.T) {
	tm := CreateTraceManager("off", false)
	require.NoError(t, tm.OpenASCII(filepath.Join(t.TempDir(), "off.tr")))
	assert.Zero(t, tm.exitHook)
	assert.NoError(t, tm.Close())
}
