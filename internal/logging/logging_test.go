package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWithWriter(Config{Level: "warn", Format: "logfmt"}, &buf))
	defer Discard()

	log := New("test")
	log.Info("hidden")
	log.Warn("shown", "token_id", "tok-1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "module=test")
	assert.Contains(t, out, "token_id=tok-1")
}

func TestInitWithWriterRejectsBadConfig(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, InitWithWriter(Config{Level: "loud"}, &buf))
	assert.Error(t, InitWithWriter(Config{Format: "xml"}, &buf))
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, InitWithWriter(Config{Level: "debug", Format: "json"}, &buf))
	defer Discard()

	New("json").Debug("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}
