package analysis

import (
	"bytes"

	json "github.com/goccy/go-json"

	"github.com/lorehq/lore/pkg/models"
)

// Result schema: backends answer with a JSON array, one object per queue
// item, each carrying queue_id plus type-specific fields. Everything here
// is untrusted input; the applier validates before any row is written.

// workflowResult is one backend verdict for a workflow queue item.
type workflowResult struct {
	Action     string   `json:"action"`
	Artifact   string   `json:"artifact"`
	Reasoning  string   `json:"reasoning"`
	Domains    []string `json:"domains"`
	QueueID    int64    `json:"queue_id"`
	Confidence float64  `json:"confidence"`
}

// learningResult carries the learnings extracted from one conversation.
type learningResult struct {
	Learnings []learningItem `json:"learnings"`
	QueueID   int64          `json:"queue_id"`
}

type learningItem struct {
	Type       string  `json:"type"`
	Rule       string  `json:"rule"`
	Pattern    string  `json:"pattern"`
	Evidence   string  `json:"evidence"`
	Context    string  `json:"context"`
	MessageID  string  `json:"message_id"`
	Confidence float64 `json:"confidence"`
}

// summaryResult proposes a title/summary rewrite, staged for review.
type summaryResult struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	QueueID int64  `json:"queue_id"`
}

// dedupeResult proposes learning merge groups, staged for review.
type dedupeResult struct {
	Groups  []mergeGroup `json:"groups"`
	QueueID int64        `json:"queue_id"`
}

type mergeGroup struct {
	Rule     string  `json:"rule"`
	MergeIDs []int64 `json:"merge_ids"`
	KeepID   int64   `json:"keep_id"`
}

// SplitResults splits a batch result array into per-item rows keyed by
// queue id. Rows without a usable queue_id are skipped; a payload that is
// not a JSON array at all fails as a whole.
func SplitResults(raw []byte) (map[int64]json.RawMessage, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(stripFences(raw), &rows); err != nil {
		return nil, &models.ValidationError{Field: "result_json", Reason: "not a JSON array: " + err.Error()}
	}
	out := make(map[int64]json.RawMessage, len(rows))
	for _, row := range rows {
		var key struct {
			QueueID int64 `json:"queue_id"`
		}
		if err := json.Unmarshal(row, &key); err != nil || key.QueueID == 0 {
			continue
		}
		out[key.QueueID] = row
	}
	return out, nil
}

// stripFences cuts markdown code fences and surrounding prose, keeping the
// outermost JSON array. Models wrap output despite instructions often
// enough that this is cheaper than re-asking.
func stripFences(raw []byte) []byte {
	s := bytes.TrimSpace(raw)
	start := bytes.IndexByte(s, '[')
	end := bytes.LastIndexByte(s, ']')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
