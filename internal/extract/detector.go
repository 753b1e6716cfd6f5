// Package extract derives learning candidates and workflow signatures from
// conversation transcripts without calling any backend. Detection is pure
// pattern matching over message text, so results are deterministic and the
// package carries no store or network dependencies.
package extract

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/lorehq/lore/internal/privacy"
	"github.com/lorehq/lore/internal/rules"
	"github.com/lorehq/lore/pkg/models"
)

// Source labels rows produced by this detector, as opposed to the LLM
// batch path.
const Source = "deterministic"

// Version is recorded as detector provenance on every detection. Bump it
// when cue tables change so stored rows can be told apart from reruns.
const Version = "1"

const roleUser = "user"

// Config bounds the detector's work. A zero value means no limit for that
// field.
type Config struct {
	// MaxMessageBytes caps how much of each message is scanned for
	// learning cues.
	MaxMessageBytes int
	// MaxPerConversation caps detections returned for one conversation.
	MaxPerConversation int
	// OpeningWindow caps how much of the opening user message feeds
	// signature extraction.
	OpeningWindow int
	// SnippetLength caps the snippet stored on a workflow signature.
	SnippetLength int
	// MaxDomains caps domain tokens collected per signature.
	MaxDomains int
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessageBytes:    8192,
		MaxPerConversation: 12,
		OpeningWindow:      600,
		SnippetLength:      160,
		MaxDomains:         3,
	}
}

// Detector is the deterministic extraction worker.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector with the given bounds.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// learningCue is one phrase pattern that signals a reusable rule. The
// first capture group is the rule clause; prefix is prepended so the
// stored rule reads as an instruction.
type learningCue struct {
	name       string
	prefix     string
	ltype      models.LearningType
	re         *regexp.Regexp
	confidence float64
}

// learningCues are checked in order per message; clauses stop at sentence
// boundaries so a cue never swallows unrelated text.
var learningCues = []learningCue{
	// Standing preferences.
	{
		name:       "always",
		prefix:     "always ",
		ltype:      models.LearningPreference,
		re:         regexp.MustCompile(`(?i)\balways\s+((?:use|write|include|add|keep|run|format|put|start|check)\b[^.!?\n]{3,200})`),
		confidence: 0.85,
	},
	{
		name:       "never",
		prefix:     "never ",
		ltype:      models.LearningPreference,
		re:         regexp.MustCompile(`(?i)\bnever\s+((?:use|write|include|add|commit|push|delete|remove|run|mention)\b[^.!?\n]{3,200})`),
		confidence: 0.85,
	},
	{
		name:       "prefer",
		prefix:     "prefer ",
		ltype:      models.LearningPreference,
		re:         regexp.MustCompile(`(?i)\b(?:i|we)\s+(?:strongly\s+|always\s+|generally\s+|usually\s+)?prefer\s+([^.!?\n]{4,200})`),
		confidence: 0.8,
	},
	{
		name:       "would-rather",
		prefix:     "prefer to ",
		ltype:      models.LearningPreference,
		re:         regexp.MustCompile(`(?i)\b(?:i|we)(?:'d|\s+would)\s+rather\s+(?:you\s+)?([^.!?\n]{4,200})`),
		confidence: 0.75,
	},
	{
		name:       "from-now-on",
		ltype:      models.LearningPreference,
		re:         regexp.MustCompile(`(?i)\bfrom\s+now\s+on,?\s+(?:please\s+)?([^.!?\n]{4,200})`),
		confidence: 0.9,
	},
	{
		name:       "going-forward",
		ltype:      models.LearningPreference,
		re:         regexp.MustCompile(`(?i)\bgoing\s+forward,?\s+(?:please\s+)?([^.!?\n]{4,200})`),
		confidence: 0.9,
	},
	{
		name:       "in-future",
		ltype:      models.LearningPreference,
		re:         regexp.MustCompile(`(?i)\bin\s+(?:the\s+)?future,?\s+(?:please\s+)?([^.!?\n]{4,200})`),
		confidence: 0.85,
	},
	// Corrections of assistant behavior.
	{
		name:       "instead-use",
		ltype:      models.LearningCorrection,
		re:         regexp.MustCompile(`(?i)\binstead,?\s+(?:please\s+)?((?:use|write|do|make|call|keep|go)\b[^.!?\n]{3,200})`),
		confidence: 0.75,
	},
	{
		name:       "do-not",
		prefix:     "do not ",
		ltype:      models.LearningCorrection,
		re:         regexp.MustCompile(`(?i)\b(?:please\s+)?(?:don'?t|do\s+not)\s+((?:use|add|include|write|commit|push|touch)\b[^.!?\n]{3,200})`),
		confidence: 0.8,
	},
	{
		name:       "stop-doing",
		prefix:     "stop ",
		ltype:      models.LearningCorrection,
		re:         regexp.MustCompile(`(?i)\bstop\s+((?:using|adding|including|writing|committing)\b[^.!?\n]{3,200})`),
		confidence: 0.75,
	},
	{
		name:       "actually",
		ltype:      models.LearningCorrection,
		re:         regexp.MustCompile(`(?i)\bactually,?\s+(?:please\s+)?((?:use|always|never|keep|make|call)\b[^.!?\n]{3,200})`),
		confidence: 0.7,
	},
	{
		name:       "thats-wrong",
		ltype:      models.LearningCorrection,
		re:         regexp.MustCompile(`(?i)\b(?:that'?s|this\s+is)\s+(?:wrong|incorrect)[,.!]?\s+(?:please\s+)?((?:use|always|never)\b[^.!?\n]{3,200})`),
		confidence: 0.7,
	},
	// Standing instructions.
	{
		name:       "remember",
		ltype:      models.LearningInstruction,
		re:         regexp.MustCompile(`(?i)\b(?:please\s+)?remember\s+(?:to\s+|that\s+)([^.!?\n]{4,200})`),
		confidence: 0.85,
	},
	{
		name:       "make-sure",
		ltype:      models.LearningInstruction,
		re:         regexp.MustCompile(`(?i)\bmake\s+sure\s+(?:to\s+|you\s+|that\s+)?(?:always\s+)?([^.!?\n]{4,200})`),
		confidence: 0.8,
	},
	{
		name:       "keep-in-mind",
		ltype:      models.LearningInstruction,
		re:         regexp.MustCompile(`(?i)\b(?:please\s+)?(?:note|keep\s+in\s+mind)\s+that\s+([^.!?\n]{4,200})`),
		confidence: 0.7,
	},
	{
		name:       "every-reply",
		ltype:      models.LearningInstruction,
		re:         regexp.MustCompile(`(?i)\bin\s+(?:all|every)\s+(?:future\s+)?(?:response|reply|answer|message)s?,?\s+([^.!?\n]{4,200})`),
		confidence: 0.8,
	},
	// User vocabulary definitions; the whole clause is the rule.
	{
		name:       "when-i-say",
		ltype:      models.LearningVocabulary,
		re:         regexp.MustCompile(`(?i)\b(when\s+i\s+say\s+[^.!?\n]{2,60}?,?\s+i\s+mean\s+[^.!?\n]{2,120})`),
		confidence: 0.8,
	},
	{
		name:       "by-x-i-mean",
		ltype:      models.LearningVocabulary,
		re:         regexp.MustCompile(`(?i)\b(by\s+[^.!?\n]{2,50}?,?\s+i\s+mean\s+[^.!?\n]{3,140})`),
		confidence: 0.7,
	},
	{
		name:       "refers-to",
		ltype:      models.LearningVocabulary,
		re:         regexp.MustCompile(`(?i)\b(\S[^.!?\n]{1,40}\s+(?:refers\s+to|stands\s+for)\s+[^.!?\n]{3,140})`),
		confidence: 0.7,
	},
}

// contextPad is how many bytes around a match are kept as context.
const contextPad = 80

// DetectLearnings scans user messages for reusable rules. Each cue fires
// at most once per message; duplicate rules within the conversation keep
// the first occurrence. Detection timestamps come from the source message,
// so re-scanning an unchanged conversation replays identical detections
// and the dedup layer treats them as no-ops.
func (d *Detector) DetectLearnings(conv *models.Conversation, msgs []*models.Message) []*models.Detection {
	var out []*models.Detection
	seen := map[string]struct{}{}

	for _, msg := range msgs {
		if msg.Role != roleUser {
			continue
		}
		content := truncateBytes(msg.Content, d.cfg.MaxMessageBytes)
		if strings.TrimSpace(content) == "" {
			continue
		}

		for i := range learningCues {
			cue := &learningCues[i]
			m := cue.re.FindStringSubmatchIndex(content)
			if m == nil {
				continue
			}

			rule := cue.prefix + tidyClause(content[m[2]:m[3]])
			if err := rules.Screen(rule); err != nil {
				continue
			}
			key := string(cue.ltype) + "|" + models.NormalizeRule(rule)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			// The context window pads beyond the matched sentence and can
			// sweep in credentials the rule screen never saw.
			out = append(out, &models.Detection{
				Type:            cue.ltype,
				Rule:            rule,
				Pattern:         cue.name,
				Evidence:        strings.TrimSpace(content[m[0]:m[1]]),
				Context:         privacy.RedactSecrets(window(content, m[0], m[1], contextPad)),
				Source:          Source,
				DetectorVersion: Version,
				ConversationID:  conv.ID,
				MessageID:       msg.ID,
				DetectedAt:      time.UnixMilli(msg.CreatedEpoch),
				Confidence:      cue.confidence,
				TaskSpecific:    rules.TaskSpecific(rule),
			})
			if d.cfg.MaxPerConversation > 0 && len(out) >= d.cfg.MaxPerConversation {
				return out
			}
		}
	}
	return out
}

// tidyClause trims a captured rule clause down to instruction form.
func tidyClause(s string) string {
	s = strings.TrimSpace(s)
	return strings.TrimRight(s, " \t,;:-")
}

// window returns the text surrounding [start, end) padded on both sides,
// snapped to rune boundaries.
func window(s string, start, end, pad int) string {
	start -= pad
	if start < 0 {
		start = 0
	}
	end += pad
	if end > len(s) {
		end = len(s)
	}
	for start > 0 && !utf8.RuneStart(s[start]) {
		start--
	}
	for end < len(s) && !utf8.RuneStart(s[end]) {
		end++
	}
	return strings.TrimSpace(s[start:end])
}

// truncateBytes bounds s to at most n bytes without splitting a rune.
// n <= 0 means unbounded.
func truncateBytes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// clampRunes bounds s to at most n runes. n <= 0 means unbounded.
func clampRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n]))
}
