package node

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLineWriterSplitsAndBuffersPartialLines(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	w := newLineWriter(zap.New(core), "stdout")

	_, _ = w.Write([]byte("first line\nsecond "))
	require.Equal(t, 1, logs.Len())
	_, _ = w.Write([]byte("half\r\n\ntrailing"))
	require.Equal(t, 2, logs.Len())
	w.Flush()

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	require.Equal(t, "first line", entries[0].Message)
	require.Equal(t, "second half", entries[1].Message)
	require.Equal(t, "trailing", entries[2].Message)
	require.Equal(t, "stdout", entries[0].ContextMap()["stream"])
}
