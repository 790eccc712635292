package relayerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedacted_MasksKnownSensitiveKeysCaseInsensitively(t *testing.T) {
	ctx := map[string]any{
		"Token":    "abc123",
		"API_KEY":  "sk-ant-live",
		"password": "hunter2",
		"field":    "name",
	}
	out := Redacted(ctx)

	assert.Equal(t, "[REDACTED]", out["Token"])
	assert.Equal(t, "name", out["field"])
}

func TestRedacted_RecursesIntoNestedMaps(t *testing.T) {
	ctx := map[string]any{
		"account": map[string]any{
			"secret": "shh",
			"name":   "acct-1",
		},
	}
	out := Redacted(ctx)

	nested := out["account"].(map[string]any)
	assert.Equal(t, "[REDACTED]", nested["secret"])
	assert.Equal(t, "acct-1", nested["name"])
}

func TestRedacted_NilPassesThrough(t *testing.T) {
	assert.Nil(t, Redacted(nil))
}

func TestAs_UnwrapsWrappedError(t *testing.T) {
	base := New(CodeValidation, "bad input")
	wrapped := errors.New("handler: " + base.Error())

	_, ok := As(base)
	assert.True(t, ok)
	_, ok = As(wrapped)
	assert.False(t, ok, "plain errors.New does not implement Unwrap")
	_, ok = As(fmt.Errorf("handler: %w", base))
	assert.True(t, ok, "fmt.Errorf %w wrapping is unwrapped")
}

func TestHTTPStatusOf_DefaultsTo500ForNonRelayError(t *testing.T) {
	assert.Equal(t, 500, HTTPStatusOf(errors.New("boom")))
	assert.Equal(t, 400, HTTPStatusOf(New(CodeValidation, "bad")))
}
