package problem

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	cases := []struct {
		p      *Problem
		kind   Kind
		status int
	}{
		{BadRequest("bad"), KindBadRequest, 400},
		{Forbidden("no"), KindForbidden, 403},
		{NotFound("missing"), KindNotFound, 404},
		{Conflict("taken"), KindConflict, 409},
		{PayloadTooLarge("big"), KindPayloadTooLarge, 413},
		{Internal("boom"), KindInternal, 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, tc.p.Kind)
		assert.Equal(t, tc.status, tc.p.Status)
	}
}

func TestNewFormatsMessage(t *testing.T) {
	p := NotFound("unknown tenant %q", "t1")
	assert.Equal(t, `unknown tenant "t1"`, p.Message)
	assert.Equal(t, `not_found (404): unknown tenant "t1"`, p.Error())
}

func TestFrom(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, From(nil))
	})

	t.Run("problem passthrough", func(t *testing.T) {
		p := Conflict("already running")
		assert.Same(t, p, From(p))
	})

	t.Run("wrapped problem", func(t *testing.T) {
		p := BadRequest("bad input")
		got := From(fmt.Errorf("handler: %w", p))
		assert.Same(t, p, got)
	})

	t.Run("plain error becomes internal", func(t *testing.T) {
		got := From(errors.New("disk full"))
		assert.Equal(t, KindInternal, got.Kind)
		assert.Equal(t, 500, got.Status)
		assert.Equal(t, "disk full", got.Message)
	})
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(NotFound("x"), KindNotFound))
	assert.False(t, IsKind(NotFound("x"), KindConflict))
	assert.False(t, IsKind(errors.New("x"), KindInternal))
	assert.True(t, IsKind(fmt.Errorf("wrap: %w", Forbidden("x")), KindForbidden))
}

func TestWithChecksAndDetails(t *testing.T) {
	p := Forbidden("guardrails failed").
		WithChecks([]Check{{Name: "tool_allowlist", Status: "fail"}}).
		WithDetails(map[string]string{"skill": "finance-pulse"})

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "forbidden", decoded["kind"])
	assert.Equal(t, float64(403), decoded["statusCode"])
	assert.Equal(t, "guardrails failed", decoded["error"])
	checks, ok := decoded["checks"].([]any)
	require.True(t, ok)
	assert.Len(t, checks, 1)
}
