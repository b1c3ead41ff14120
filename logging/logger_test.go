package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))

	_, err = NewLogger("chatty", false)
	assert.Error(t, err)
}

func TestNopDiscards(t *testing.T) {
	l := ForOperator(ForQuery(Nop(), "q1"), "sort", 3)
	assert.False(t, l.Core().Enabled(zapcore.ErrorLevel))
}
