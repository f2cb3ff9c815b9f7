package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func withObserver(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	prev := GetLevel()
	t.Cleanup(func() {
		SetLogger(nil)
		SetLevel(prev)
	})
	return logs
}

func TestInfoCF_AttachesComponentAndFields(t *testing.T) {
	logs := withObserver(t)
	SetLevel(INFO)

	InfoCF("scan", "Scan finished", map[string]any{"created": 2, "account": "work"})

	entries := logs.All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.Equal(t, "scan", ctx["component"])
	assert.EqualValues(t, 2, ctx["created"])
	assert.Equal(t, "work", ctx["account"])
	assert.Equal(t, "Scan finished", entries[0].Message)
}

func TestSetLevel_FiltersDebug(t *testing.T) {
	logs := withObserver(t)

	SetLevel(INFO)
	DebugC("gate", "hidden")
	assert.Equal(t, 0, logs.Len())

	SetLevel(DEBUG)
	DebugC("gate", "visible")
	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, DEBUG, GetLevel())
}

func TestWarnAndError_Levels(t *testing.T) {
	logs := withObserver(t)
	SetLevel(DEBUG)

	WarnC("memory", "warned")
	ErrorCF("memory", "failed", map[string]any{"error": "boom"})

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}
