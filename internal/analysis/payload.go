package analysis

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tiktoken-go/tokenizer"

	"github.com/lorehq/lore/internal/privacy"
	"github.com/lorehq/lore/pkg/models"
)

// Payload modes control how much conversation content goes to the backend
// per batch. Truncated is the default; summary is the fallback for very
// long histories.
const (
	PayloadFull      = "full"
	PayloadTruncated = "truncated"
	PayloadSummary   = "summary"
)

const (
	// maxMessageTokens bounds per-message content in truncated mode.
	maxMessageTokens = 400

	// openingTokens bounds the opening excerpt kept in summary mode.
	openingTokens = 200

	// maxKnownLearnings caps the dedup corpus included in a dedupe payload.
	maxKnownLearnings = 200
)

// payloadConversation is one queue item's worth of input, serialized into
// the prompt. Message ids are included verbatim so learning results can
// cite the message they came from.
type payloadConversation struct {
	QueueID        int64            `json:"queue_id"`
	ConversationID string           `json:"conversation_id"`
	Provider       string           `json:"provider"`
	Project        string           `json:"project,omitempty"`
	Title          string           `json:"title,omitempty"`
	Summary        string           `json:"summary,omitempty"`
	Messages       []payloadMessage `json:"messages,omitempty"`
}

type payloadMessage struct {
	ID      string `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// payloadLearning is one known rule in a dedupe payload.
type payloadLearning struct {
	ID            int64  `json:"id"`
	Type          string `json:"type"`
	Rule          string `json:"rule"`
	Scope         string `json:"scope"`
	Status        string `json:"status"`
	EvidenceCount int    `json:"evidence_count"`
}

// payloadBuilder turns a batch request into a single prompt string,
// budgeting message content with a real tokenizer rather than byte guesses.
type payloadBuilder struct {
	codec tokenizer.Codec
}

func newPayloadBuilder() (*payloadBuilder, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &payloadBuilder{codec: codec}, nil
}

// Build assembles instructions plus the serialized batch. Returns
// PayloadTooLargeError once the assembled prompt exceeds the request's
// byte limit; the runner recovers by bisecting the batch.
func (p *payloadBuilder) Build(req *Request) (string, error) {
	var body []byte
	var err error
	if req.AnalysisType == models.AnalysisDedupe {
		body, err = p.buildDedupeBody(req)
	} else {
		body, err = p.buildConversationBody(req)
	}
	if err != nil {
		return "", err
	}

	prompt := promptFor(req.AnalysisType) + "\n\nINPUT:\n" + string(body)
	if req.MaxPayloadBytes > 0 && len(prompt) > req.MaxPayloadBytes {
		return "", &models.PayloadTooLargeError{Size: len(prompt), Limit: req.MaxPayloadBytes}
	}
	return prompt, nil
}

func (p *payloadBuilder) buildConversationBody(req *Request) ([]byte, error) {
	convs := make([]payloadConversation, 0, len(req.Items))
	for _, it := range req.Items {
		tr := req.Transcripts[it.ConversationID]
		if tr == nil || tr.Conversation == nil {
			continue
		}
		convs = append(convs, p.buildConversation(it, tr, req.PayloadMode))
	}
	return json.Marshal(convs)
}

func (p *payloadBuilder) buildConversation(it *models.QueueItem, tr *Transcript, mode string) payloadConversation {
	c := tr.Conversation
	pc := payloadConversation{
		QueueID:        it.ID,
		ConversationID: c.ID,
		Provider:       c.Provider,
		Project:        c.ProjectPath.String,
		Title:          privacy.RedactSecrets(c.Title.String),
		Summary:        privacy.RedactSecrets(c.Summary.String),
	}

	if mode == PayloadSummary {
		// Title/summary plus the opening user turn; enough for a workflow
		// verdict, far too little for learning evidence.
		for _, m := range tr.Messages {
			if m.Role != "user" || m.Content == "" {
				continue
			}
			pc.Messages = append(pc.Messages, payloadMessage{
				ID:      m.ID,
				Role:    m.Role,
				Content: p.truncateTokens(privacy.RedactSecrets(m.Content), openingTokens),
			})
			break
		}
		return pc
	}

	pc.Messages = make([]payloadMessage, 0, len(tr.Messages))
	for _, m := range tr.Messages {
		// Redact before truncating so no raw secret byte reaches the
		// backend. Evidence quoted from a redacted span fails the
		// verbatim check downstream and drops.
		content := privacy.RedactSecrets(m.Content)
		if mode != PayloadFull {
			content = p.truncateTokens(content, maxMessageTokens)
		}
		pc.Messages = append(pc.Messages, payloadMessage{ID: m.ID, Role: m.Role, Content: content})
	}
	return pc
}

func (p *payloadBuilder) buildDedupeBody(req *Request) ([]byte, error) {
	known := req.KnownLearnings
	if len(known) > maxKnownLearnings {
		known = known[:maxKnownLearnings]
	}
	rules := make([]payloadLearning, 0, len(known))
	for _, l := range known {
		rules = append(rules, payloadLearning{
			ID:            l.ID,
			Type:          string(l.Type),
			Rule:          l.ExtractedRule,
			Scope:         string(l.Scope),
			Status:        string(l.Status),
			EvidenceCount: l.EvidenceCount,
		})
	}

	body := struct {
		QueueIDs []int64           `json:"queue_ids"`
		Rules    []payloadLearning `json:"rules"`
	}{Rules: rules}
	for _, it := range req.Items {
		body.QueueIDs = append(body.QueueIDs, it.ID)
	}
	return json.Marshal(&body)
}

// truncateTokens keeps the head of content up to maxTokens. Head-only
// truncation keeps the kept text a literal prefix of the original, which
// the evidence substring check depends on.
func (p *payloadBuilder) truncateTokens(content string, maxTokens int) string {
	ids, _, err := p.codec.Encode(content)
	if err != nil || len(ids) <= maxTokens {
		return content
	}
	head, err := p.codec.Decode(ids[:maxTokens])
	if err != nil {
		// Rough byte fallback, same order of magnitude.
		if len(content) > maxTokens*4 {
			return content[:maxTokens*4]
		}
		return content
	}
	return head
}

func promptFor(t models.AnalysisType) string {
	switch t {
	case models.AnalysisWorkflow:
		return workflowPrompt
	case models.AnalysisLearning:
		return learningPrompt
	case models.AnalysisSummary:
		return summaryPrompt
	case models.AnalysisDedupe:
		return dedupePrompt
	default:
		return learningPrompt
	}
}

const workflowPrompt = `You are a workflow analyst. For each conversation below, decide what task the user asked the assistant to perform.

GUIDELINES:
1. Classify from the user's perspective: what did they want produced or done?
2. action is a single verb (write, review, fix, debug, build, plan, research, summarize, translate, prime, ...).
3. artifact is the concrete thing worked on (email, deck, report, code, docs, ...). Leave empty if there is none.
4. domains are up to three subject areas (engineering, finance, legal, marketing, ...).
5. confidence is 0..1; use values under 0.65 when you are guessing.
6. If a conversation is not a task at all, omit it from the output.

OUTPUT FORMAT:
Respond with only a JSON array, one object per conversation:
[{"queue_id": 1, "action": "write", "artifact": "email", "domains": ["sales"], "confidence": 0.9, "reasoning": "one short sentence"}]`

const learningPrompt = `You are a preference extraction agent. For each conversation below, extract durable user preferences, corrections, standing instructions, and vocabulary definitions.

GUIDELINES:
1. Only extract rules the user states about how the assistant should behave in the future.
2. type is one of: preference, correction, instruction, vocabulary.
3. rule is the reusable statement, rewritten as an imperative ("always use tabs for indentation").
4. evidence must be an exact quote copied verbatim from one message; cite that message's id in message_id. Results with paraphrased evidence are discarded.
5. Skip one-off task details; keep only rules that apply beyond this conversation.
6. confidence is 0..1.

OUTPUT FORMAT:
Respond with only a JSON array, one object per conversation:
[{"queue_id": 1, "learnings": [{"type": "preference", "rule": "always use tabs for indentation", "pattern": "always", "evidence": "always use tabs", "context": "surrounding text", "message_id": "m1", "confidence": 0.9}]}]
A conversation with no learnings gets an empty learnings array.`

const summaryPrompt = `You are a conversation summarizer. For each conversation below, produce a short title and a one-paragraph summary.

GUIDELINES:
1. title is at most 80 characters, no trailing period.
2. summary is 2-4 sentences covering what was asked and what came of it.
3. Write about the conversation's subject, never about the assistant.

OUTPUT FORMAT:
Respond with only a JSON array, one object per conversation:
[{"queue_id": 1, "title": "...", "summary": "..."}]`

const dedupePrompt = `You are a rule curator. The input lists extracted user rules; propose merges for rules that say the same thing.

GUIDELINES:
1. Group rules only when they express the same behavior; near-topics are not duplicates.
2. keep_id is the clearest phrasing of the group; merge_ids are the redundant ones.
3. rule is the final merged wording.
4. Propose nothing when there are no true duplicates.

OUTPUT FORMAT:
Respond with only a JSON array, one object per queue_id from the input:
[{"queue_id": 1, "groups": [{"keep_id": 3, "merge_ids": [7, 12], "rule": "always use tabs for indentation"}]}]`
