package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsChains(t *testing.T) {
	inner := ThermalHalt(86.2)
	wrapped := fmt.Errorf("query failed: %w", inner)

	assert.Equal(t, KindThermalProtection, KindOf(wrapped))
	assert.Equal(t, KindOf(errors.New("plain")), ErrorKind(""))
}

func TestErrorIsMatchesByKind(t *testing.T) {
	err := ResourceLimit("free RAM 100MB below 256MB floor")
	wrapped := fmt.Errorf("batch aborted: %w", err)

	assert.True(t, errors.Is(wrapped, &Error{Kind: KindResourceLimit}))
	assert.False(t, errors.Is(wrapped, &Error{Kind: KindTimeout}))
}

func TestErrorMessagesAreActionable(t *testing.T) {
	assert.Contains(t, ThermalHalt(90).Error(), "cools down")
	assert.Contains(t, QueryTimeout("no token in 60s").Error(), "resubmit")
	assert.Contains(t, ResourceLimit("low disk").Error(), "retry")
	assert.Contains(t, StoreCorruption("gapped chunks", nil).Error(), "re-import")
	assert.Contains(t, RetrievalFailed("chunk retrieval failed", nil).Error(), "retry")
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := InferenceFailed("generation failed", cause)
	assert.ErrorIs(t, err, cause)
}
