package httpapi

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kaelmora/relaygate/internal/relayerr"
)

func TestWriteError_RedactsSensitiveContextBeforeLogging(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := &handlers{d: Deps{Logger: zap.New(core)}}

	rec := httptest.NewRecorder()
	h.writeError(rec, relayerr.New(relayerr.CodeOAuth, "exchange failed").WithContext("token", "super-secret"))

	require.Equal(t, 1, logs.Len())
	ctxField, ok := logs.All()[0].ContextMap()["context"].(map[string]any)
	require.True(t, ok, "log entry should carry a context field")
	assert.Equal(t, "[REDACTED]", ctxField["token"])

	assert.Contains(t, rec.Body.String(), "exchange failed")
	assert.NotContains(t, rec.Body.String(), "super-secret", "context must never leak into the client response")
}

func TestWriteError_SkipsContextFieldWhenErrorHasNone(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	h := &handlers{d: Deps{Logger: zap.New(core)}}

	rec := httptest.NewRecorder()
	h.writeError(rec, relayerr.New(relayerr.CodeNotFound, "account not found"))

	require.Equal(t, 1, logs.Len())
	_, ok := logs.All()[0].ContextMap()["context"]
	assert.False(t, ok, "no context field should be logged when the error carries none")
}
