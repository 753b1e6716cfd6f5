package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSession = `{"type":"summary","summary":"Refactoring the billing service","leafUuid":"leaf-1"}
{"type":"user","message":{"role":"user","content":"Always use decimal types for money amounts."},"uuid":"u1","parentUuid":null,"timestamp":"2026-03-01T10:00:00Z","sessionId":"sess-42","cwd":"/home/dev/billing"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Understood, I will use decimal types."},{"type":"tool_use","id":"t1","name":"Edit","input":{}}]},"uuid":"a1","parentUuid":"u1","timestamp":"2026-03-01T10:00:05Z","sessionId":"sess-42"}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"ok"}]},"uuid":"u2","parentUuid":"a1","timestamp":"2026-03-01T10:00:06Z"}
{"type":"system","content":"Hook completed","uuid":"s1","timestamp":"2026-03-01T10:00:07Z"}
{"type":"user","message":{"role":"user","content":"Now the sidechain part."},"uuid":"u3","parentUuid":"s1","timestamp":"2026-03-01T10:00:09Z","isSidechain":true}
not json at all
{"type":"progress","data":"irrelevant"}
`

func TestParseTranscriptReader(t *testing.T) {
	sync, err := ParseTranscriptReader(strings.NewReader(sampleSession))
	require.NoError(t, err)

	assert.Equal(t, "sess-42", sync.ExternalID)
	assert.Equal(t, "Refactoring the billing service", sync.Title)
	assert.Equal(t, "/home/dev/billing", sync.ProjectPath)
	assert.Equal(t, "Always use decimal types for money amounts.", sync.Preview)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), sync.StartedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 7, 0, time.UTC), sync.UpdatedAt,
		"sidechain turns must not advance the clock")

	// Tool-result-only and sidechain turns drop; text turns survive in order.
	require.Len(t, sync.Messages, 3)

	assert.Equal(t, "user", sync.Messages[0].Role)
	assert.Equal(t, "u1", sync.Messages[0].ExternalID)
	assert.Empty(t, sync.Messages[0].ParentExternalID)
	assert.Equal(t, "Always use decimal types for money amounts.", sync.Messages[0].Content)

	assert.Equal(t, "assistant", sync.Messages[1].Role)
	assert.Equal(t, "u1", sync.Messages[1].ParentExternalID)
	assert.Equal(t, "Understood, I will use decimal types.", sync.Messages[1].Content,
		"tool_use blocks contribute no text")

	assert.Equal(t, "system", sync.Messages[2].Role)
	assert.Equal(t, "Hook completed", sync.Messages[2].Content)
}

func TestParseTranscriptReader_BlankSystemKept(t *testing.T) {
	sync, err := ParseTranscriptReader(strings.NewReader(
		`{"type":"system","uuid":"s9","timestamp":"2026-03-01T11:00:00Z"}` + "\n"))
	require.NoError(t, err)

	// The provider capability table decides whether blank system turns
	// survive; the parser just reports what the file says.
	require.Len(t, sync.Messages, 1)
	assert.Equal(t, "system", sync.Messages[0].Role)
	assert.Empty(t, sync.Messages[0].Content)
}

func TestParseTranscriptReader_OversizedLine(t *testing.T) {
	giant := `{"type":"user","message":{"role":"user","content":"` +
		strings.Repeat("x", maxLineBytes+1024) + `"}}`
	_, err := ParseTranscriptReader(strings.NewReader(giant))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan transcript")
}

func TestParseTranscript_FileStemFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b7e2a1c4.jsonl")
	content := `{"type":"user","message":{"role":"user","content":"Hello there."},"uuid":"u1","timestamp":"2026-03-01T12:00:00Z"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	sync, err := ParseTranscript(path)
	require.NoError(t, err)
	assert.Equal(t, "b7e2a1c4", sync.ExternalID)
	require.Len(t, sync.Messages, 1)
}
