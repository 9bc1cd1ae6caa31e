package errors

import (
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesThroughWrapping(t *testing.T) {
	base := NewArtifactIO("write", "/tmp/x/index.html", fs.ErrPermission)
	wrapped := fmt.Errorf("capture: %w", base)

	assert.True(t, Is(wrapped, ErrArtifactIO))
	assert.False(t, Is(wrapped, ErrNotFound))
	assert.ErrorIs(t, wrapped, fs.ErrPermission)
	assert.Equal(t, ErrArtifactIO, CodeOf(wrapped))
}

func TestIs_PlainError(t *testing.T) {
	assert.False(t, Is(fmt.Errorf("boom"), ErrConfiguration))
	assert.False(t, Is(nil, ErrConfiguration))
	assert.Equal(t, ErrorCode(""), CodeOf(fmt.Errorf("boom")))
}

func TestError_Message(t *testing.T) {
	err := NewOriginRender("https://example.com/a", "status 500")
	assert.Equal(t, "ORIGIN_RENDER: origin render of https://example.com/a rejected: status 500", err.Error())
	assert.Equal(t, "status 500", err.Details["reason"])

	nf := NewNotFound("about")
	assert.Equal(t, "NOT_FOUND: artifact not found: about", nf.Error())
}

func TestConflict(t *testing.T) {
	err := fmt.Errorf("preload: %w", NewConflict("a regeneration is already running"))
	assert.True(t, Is(err, ErrConflict))
	assert.Equal(t, "preload: CONFLICT: a regeneration is already running", err.Error())
}
