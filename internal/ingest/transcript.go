package ingest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/lorehq/lore/pkg/models"
)

const (
	// maxLineBytes bounds one transcript line; tool-heavy turns get big.
	maxLineBytes = 1 << 20

	// previewMaxChars caps the stored conversation preview.
	previewMaxChars = 240
)

// transcriptLine is one JSONL record of a Claude Code session file. Other
// record types (progress, snapshots) carry none of these fields and fall
// through the type switch.
type transcriptLine struct {
	Type       string            `json:"type"`
	Message    transcriptMessage `json:"message"`
	Content    json.RawMessage   `json:"content"`
	UUID       string            `json:"uuid"`
	ParentUUID string            `json:"parentUuid"`
	Timestamp  string            `json:"timestamp"`
	SessionID  string            `json:"sessionId"`
	CWD        string            `json:"cwd"`
	Summary    string            `json:"summary"`
	Sidechain  bool              `json:"isSidechain"`
}

type transcriptMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ParseTranscript reads one session file into a sync unit. The file stem
// stands in for the session id when no line carries one.
func ParseTranscript(path string) (*models.ConversationSync, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	sync, err := ParseTranscriptReader(f)
	if err != nil {
		return nil, err
	}
	if sync.ExternalID == "" {
		sync.ExternalID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return sync, nil
}

// ParseTranscriptReader parses JSONL session data. Malformed lines are
// skipped; the surviving user/assistant/system turns become messages in
// file order. Sidechain turns belong to sub-agents and are left out.
func ParseTranscriptReader(r io.Reader) (*models.ConversationSync, error) {
	sync := &models.ConversationSync{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, bufio.MaxScanTokenSize), maxLineBytes)

	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}

		var line transcriptLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			continue
		}
		if line.Sidechain {
			continue
		}

		ts, hasTS := parseTimestamp(line.Timestamp)
		if hasTS {
			if sync.StartedAt.IsZero() {
				sync.StartedAt = ts
			}
			sync.UpdatedAt = ts
		}
		if sync.ExternalID == "" {
			sync.ExternalID = line.SessionID
		}
		if sync.ProjectPath == "" {
			sync.ProjectPath = line.CWD
		}

		switch line.Type {
		case "user", "assistant":
			text := extractText(line.Message.Content)
			if text == "" {
				// Tool results and tool calls carry no conversation text.
				continue
			}
			if line.Type == "user" && sync.Preview == "" {
				sync.Preview = truncateChars(text, previewMaxChars)
			}
			sync.Messages = append(sync.Messages, models.MessageSync{
				ExternalID:       line.UUID,
				ParentExternalID: line.ParentUUID,
				Role:             line.Type,
				Content:          text,
				CreatedAt:        ts,
			})
		case "system":
			// Kept even when blank; the provider capability table decides
			// whether blank system turns survive the merge.
			sync.Messages = append(sync.Messages, models.MessageSync{
				ExternalID: line.UUID,
				Role:       "system",
				Content:    extractText(line.Content),
				CreatedAt:  ts,
			})
		case "summary":
			if sync.Title == "" {
				sync.Title = line.Summary
			}
		default:
			continue
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return sync, nil
}

func parseTimestamp(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339, raw)
	if err == nil {
		return t, true
	}
	t, err = time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// extractText flattens message content: either a bare string or an array
// of typed blocks, of which only text blocks contribute.
func extractText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var plain string
	if err := json.Unmarshal(content, &plain); err == nil {
		return plain
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "")
}

func truncateChars(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
