package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewQueryIDShape(t *testing.T) {
	id := NewQueryID("how do I configure the network?")

	parts := strings.Split(id, "_")
	// query_<date>_<time>_<texthash8>_<uuid8>
	assert.Len(t, parts, 5)
	assert.Equal(t, "query", parts[0])
	assert.Len(t, parts[3], 8)
	assert.Len(t, parts[4], 8)
}

func TestNewQueryIDUnique(t *testing.T) {
	a := NewQueryID("same text")
	b := NewQueryID("same text")
	assert.NotEqual(t, a, b)
}

func TestBatchResultCounters(t *testing.T) {
	var batch BatchResult
	batch.Add(BatchItem{Result: IngestResult{Status: IngestNew}})
	batch.Add(BatchItem{Result: IngestResult{Status: IngestUpdated}})
	batch.Add(BatchItem{Result: IngestResult{Status: IngestDuplicate}})
	batch.Add(BatchItem{Result: IngestResult{Status: IngestUnchanged}})
	batch.Add(BatchItem{Err: assert.AnError})

	assert.Equal(t, 3, batch.Succeeded)
	assert.Equal(t, 1, batch.Skipped)
	assert.Equal(t, 1, batch.Failed)
	assert.Len(t, batch.Items, 5)
}

func TestDocumentStatusValid(t *testing.T) {
	assert.True(t, StatusActive.Valid())
	assert.True(t, StatusDeleted.Valid())
	assert.True(t, StatusOutdated.Valid())
	assert.False(t, DocumentStatus("archived").Valid())
}
