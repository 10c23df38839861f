package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	log.With(String("component", "gateway")).Info("connection accepted", Int("conns", 3), Err(errors.New("boom")))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "info", got["level"])
	assert.Equal(t, "connection accepted", got["message"])
	assert.Equal(t, "gateway", got["component"])
	assert.EqualValues(t, 3, got["conns"])
	assert.Equal(t, "boom", got["err"])
}

func TestSetLevelAppliesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(Config{Level: "info", Format: "json"}, &buf)
	child := root.With(String("k", "v"))

	child.Debug("hidden")
	assert.Zero(t, buf.Len())

	root.SetLevel("debug")
	child.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var log Logger
	assert.True(t, log.IsZero())
	assert.False(t, log.Enabled(LevelError))
	log.Error("nothing happens")
	log.SetLevel("debug")
}
