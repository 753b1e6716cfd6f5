package extract

import (
	"strings"
	"unicode"

	"github.com/lorehq/lore/internal/privacy"
	"github.com/lorehq/lore/internal/taxonomy"
	"github.com/lorehq/lore/pkg/models"
)

// Deterministic confidence tiers. Signals below these never reach the
// taxonomy gate, so an action with neither artifact nor domain context is
// left for the LLM path.
const (
	confPriming      = 0.9
	confWithArtifact = 0.85
	confDomainsOnly  = 0.7
)

// primingCues mark conversations whose sole purpose is loading context.
// Kept deliberately narrow: a missed priming conversation just clusters
// normally, a false positive hides a real workflow.
var primingCues = []string{
	"familiarize yourself",
	"get up to speed",
	"get familiar with",
	"read the docs first",
	"read through the docs",
	"prime yourself",
}

// ExtractSignature derives a workflow signature from the opening user
// message. Returns nil when the conversation carries no confident signal;
// the taxonomy layer's rejections are absorbed, not surfaced.
func (d *Detector) ExtractSignature(conv *models.Conversation, msgs []*models.Message) *models.WorkflowSignature {
	opening := openingText(msgs, d.cfg.OpeningWindow)
	if opening == "" {
		return nil
	}
	lower := strings.ToLower(opening)
	words := splitWords(lower)

	action := ""
	confidence := 0.0
	for _, p := range primingCues {
		if strings.Contains(lower, p) {
			action = taxonomy.ActionPrime
			confidence = confPriming
			break
		}
	}
	if action == "" {
		for _, w := range words {
			if taxonomy.Actionable(w) {
				action = w
				break
			}
		}
	}
	if action == "" {
		return nil
	}

	artifact := ""
	for _, w := range words {
		if w == action {
			continue
		}
		if taxonomy.KnownArtifact(w) {
			artifact = w
			break
		}
	}

	var domains []string
	seen := map[string]struct{}{}
	for _, w := range words {
		if d.cfg.MaxDomains > 0 && len(domains) >= d.cfg.MaxDomains {
			break
		}
		if _, dup := seen[w]; dup {
			continue
		}
		if taxonomy.KnownDomain(w) {
			seen[w] = struct{}{}
			domains = append(domains, w)
		}
	}

	if confidence == 0 {
		switch {
		case artifact != "":
			confidence = confWithArtifact
		case len(domains) > 0:
			confidence = confDomainsOnly
		default:
			return nil
		}
	}

	cand := &models.SignatureCandidate{
		Action:         action,
		Artifact:       artifact,
		Domains:        domains,
		Snippet:        privacy.RedactSecrets(clampRunes(opening, d.cfg.SnippetLength)),
		Source:         Source,
		ConversationID: conv.ID,
		Confidence:     confidence,
	}

	canon, err := taxonomy.Sanitize(cand.Action, cand.Artifact, cand.Domains, cand.Confidence)
	if err != nil {
		return nil
	}
	if taxonomy.ShouldExclude(canon.Action, canon.Artifact, cand.Snippet, "") {
		return nil
	}

	refined := taxonomy.RefineArtifact(canon.Action, canon.Artifact, canon.Domains, opening)
	cand.Action = canon.Action
	cand.Artifact = refined
	cand.Domains = canon.Domains

	sig := taxonomy.Signature(canon.Action, refined, canon.Domains)
	return models.NewWorkflowSignature(cand, sig, taxonomy.IsPriming(canon.Action))
}

// openingText returns the first non-blank user message, bounded to window
// bytes.
func openingText(msgs []*models.Message, window int) string {
	for _, m := range msgs {
		if m.Role != roleUser {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		return truncateBytes(text, window)
	}
	return ""
}

// splitWords splits on anything that is not a letter, digit or hyphen so
// hyphenated vocabulary like test-suite survives as one token.
func splitWords(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
}
