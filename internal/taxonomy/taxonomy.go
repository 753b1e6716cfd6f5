// Package taxonomy canonicalizes extractor vocabulary onto a closed set of
// actions, artifacts and domains, derives clustering signatures, and gates
// candidates that carry no reusable signal. Identical inputs always map to
// identical outputs; clustering correctness depends on that.
package taxonomy

import (
	"sort"
	"strings"

	"github.com/lorehq/lore/pkg/models"
)

// MinConfidence is the floor below which candidates are rejected outright.
const MinConfidence = 0.65

// ActionNone is the canonical non-action; candidates resolving to it are
// rejected.
const ActionNone = "none"

// ActionPrime marks context-priming conversations ("read the docs first").
// Primed rows cluster separately and never become automation candidates.
const ActionPrime = "prime"

// canonicalActions is the closed action vocabulary.
var canonicalActions = map[string]struct{}{
	"write": {}, "build": {}, "create": {}, "fix": {}, "debug": {},
	"review": {}, "analyze": {}, "plan": {}, "prepare": {}, "organize": {},
	"research": {}, "automate": {}, "configure": {}, "deploy": {},
	"test": {}, "document": {}, "translate": {}, "summarize": {},
	ActionPrime: {}, ActionNone: {},
}

// actionAliases maps raw extractor output onto canonical actions.
var actionAliases = map[string]string{
	"draft":        "write",
	"compose":      "write",
	"author":       "write",
	"rewrite":      "write",
	"develop":      "build",
	"implement":    "build",
	"code":         "build",
	"make":         "create",
	"generate":     "create",
	"produce":      "create",
	"repair":       "fix",
	"patch":        "fix",
	"resolve":      "fix",
	"troubleshoot": "debug",
	"diagnose":     "debug",
	"investigate":  "research",
	"explore":      "research",
	"study":        "research",
	"setup":        "configure",
	"set up":       "configure",
	"install":      "configure",
	"ship":         "deploy",
	"release":      "deploy",
	"publish":      "deploy",
	"verify":       "test",
	"validate":     "test",
	"check":        "review",
	"audit":        "review",
	"critique":     "review",
	"outline":      "plan",
	"strategize":   "plan",
	"schedule":     "plan",
	"arrange":      "organize",
	"sort":         "organize",
	"structure":    "organize",
	"prep":         "prepare",
	"examine":      "analyze",
	"assess":       "analyze",
	"evaluate":     "analyze",
	"script":       "automate",
	"streamline":   "automate",
	"bootstrap":    ActionPrime,
	"onboard":      ActionPrime,
	"orient":       ActionPrime,
	"recap":        "summarize",
	"condense":     "summarize",
	"explain":      "document",
	"describe":     "document",
	"localize":     "translate",
	"chat":         ActionNone,
	"discuss":      ActionNone,
	"misc":         ActionNone,
	"other":        ActionNone,
	"unknown":      ActionNone,
}

// canonicalArtifacts is the closed artifact vocabulary.
var canonicalArtifacts = map[string]struct{}{
	"deck": {}, "document": {}, "report": {}, "email": {},
	"spreadsheet": {}, "dashboard": {}, "chart": {}, "script": {},
	"code": {}, "test-suite": {}, "api": {}, "pipeline": {},
	"dataset": {}, "model": {}, "website": {}, "design": {},
	"docs": {}, "workflow": {}, "plan": {}, "materials": {},
	"schedule": {}, "budget": {}, "proposal": {}, "summary": {},
	"notes": {}, ActionNone: {},
}

// artifactAliases maps raw artifact vocabulary onto canonical artifacts.
var artifactAliases = map[string]string{
	"presentation":  "deck",
	"slides":        "deck",
	"slideshow":     "deck",
	"slide-deck":    "deck",
	"doc":           "document",
	"memo":          "document",
	"letter":        "email",
	"mail":          "email",
	"sheet":         "spreadsheet",
	"workbook":      "spreadsheet",
	"graph":         "chart",
	"visualization": "chart",
	"program":       "code",
	"function":      "code",
	"module":        "code",
	"codebase":      "code",
	"repo":          "code",
	"tests":         "test-suite",
	"unit-tests":    "test-suite",
	"endpoint":      "api",
	"service":       "api",
	"etl":           "pipeline",
	"data":          "dataset",
	"ml-model":      "model",
	"site":          "website",
	"webpage":       "website",
	"page":          "website",
	"mockup":        "design",
	"wireframe":     "design",
	"documentation": "docs",
	"readme":        "docs",
	"guide":         "docs",
	"process":       "workflow",
	"procedure":     "workflow",
	"routine":       "workflow",
	"roadmap":       "plan",
	"strategy":      "plan",
	"agenda":        "plan",
	"resources":     "materials",
	"content":       "materials",
	"timeline":      "schedule",
	"calendar":      "schedule",
	"estimate":      "budget",
	"forecast":      "budget",
	"pitch":         "proposal",
	"rfc":           "proposal",
	"tldr":          "summary",
	"digest":        "summary",
	"minutes":       "notes",
	"nothing":       ActionNone,
	"n/a":           ActionNone,
	"unknown":       ActionNone,
}

// canonicalDomains is the closed domain vocabulary.
var canonicalDomains = map[string]struct{}{
	"product": {}, "engineering": {}, "finance": {}, "marketing": {},
	"sales": {}, "design": {}, "legal": {}, "hr": {}, "operations": {},
	"analytics": {}, "research": {}, "education": {}, "health": {},
	"personal": {}, "backend": {}, "frontend": {}, "infra": {},
	"data": {}, "security": {}, "onboarding": {},
}

// domainAliases maps raw domain vocabulary onto canonical domains.
var domainAliases = map[string]string{
	"eng":            "engineering",
	"dev":            "engineering",
	"swe":            "engineering",
	"software":       "engineering",
	"fin":            "finance",
	"accounting":     "finance",
	"mktg":           "marketing",
	"growth":         "marketing",
	"ux":             "design",
	"ui":             "design",
	"people":         "hr",
	"recruiting":     "hr",
	"ops":            "operations",
	"devops":         "infra",
	"infrastructure": "infra",
	"cloud":          "infra",
	"ml":             "data",
	"ai":             "data",
	"sec":            "security",
	"appsec":         "security",
	"school":         "education",
	"medical":        "health",
	"fitness":        "health",
	"biz":            "sales",
	"crm":            "sales",
	"pm":             "product",
	"stats":          "analytics",
	"metrics":        "analytics",
}

// Canonical is sanitized extractor output: everything lowercased, aliased
// onto the closed vocabulary, domains sorted.
type Canonical struct {
	Action   string
	Artifact string
	Domains  []string
}

// Sanitize maps raw extractor vocabulary onto the canonical sets. Unknown
// tokens are rejected, never passed through: an unknown action rejects the
// candidate, an unknown artifact empties the artifact, unknown domain
// tokens are dropped from the list. The candidate as a whole is rejected
// when confidence is below MinConfidence, when the action resolves to
// none, or when both artifact and domains are empty after
// canonicalization.
func Sanitize(action, artifact string, domains []string, confidence float64) (*Canonical, error) {
	if confidence < MinConfidence {
		return nil, &models.ValidationError{Field: "confidence", Reason: "below minimum"}
	}

	canonAction, ok := canonicalizeAction(action)
	if !ok {
		return nil, &models.ValidationError{Field: "action", Reason: "unknown action " + strings.ToLower(strings.TrimSpace(action))}
	}
	if canonAction == ActionNone {
		return nil, &models.ValidationError{Field: "action", Reason: "no actionable verb"}
	}

	canonArtifact := canonicalizeArtifact(artifact)
	canonDomains := canonicalizeDomains(domains)

	if canonArtifact == "" && len(canonDomains) == 0 {
		return nil, &models.ValidationError{Field: "artifact", Reason: "no artifact and no domains"}
	}

	return &Canonical{
		Action:   canonAction,
		Artifact: canonArtifact,
		Domains:  canonDomains,
	}, nil
}

func canonicalizeAction(raw string) (string, bool) {
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" {
		return ActionNone, true
	}
	if alias, ok := actionAliases[token]; ok {
		return alias, true
	}
	if _, ok := canonicalActions[token]; ok {
		return token, true
	}
	return "", false
}

func canonicalizeArtifact(raw string) string {
	token := strings.ToLower(strings.TrimSpace(raw))
	if token == "" {
		return ""
	}
	if alias, ok := artifactAliases[token]; ok {
		token = alias
	}
	if _, ok := canonicalArtifacts[token]; !ok {
		return ""
	}
	if token == ActionNone {
		return ""
	}
	return token
}

func canonicalizeDomains(raw []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(raw))
	for _, d := range raw {
		token := strings.ToLower(strings.TrimSpace(d))
		if token == "" {
			continue
		}
		if alias, ok := domainAliases[token]; ok {
			token = alias
		}
		if _, ok := canonicalDomains[token]; !ok {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// Signature derives the clustering key: action|artifact|sorted domains,
// all lowercase. Fully determined by its inputs.
func Signature(action, artifact string, domains []string) string {
	sorted := make([]string, len(domains))
	copy(sorted, domains)
	for i := range sorted {
		sorted[i] = strings.ToLower(sorted[i])
	}
	sort.Strings(sorted)
	return strings.ToLower(action) + "|" + strings.ToLower(artifact) + "|" + strings.Join(sorted, ",")
}

// IsPriming reports whether the action is the context-priming action.
func IsPriming(action string) bool {
	return action == ActionPrime
}

// KnownAction reports whether token (after aliasing) is in the closed
// action set.
func KnownAction(token string) bool {
	_, ok := canonicalizeAction(token)
	return ok
}

// Actionable reports whether token (after aliasing) resolves to a real
// action rather than none. Deterministic extraction scans opening text
// with this so filler verbs never become the action.
func Actionable(token string) bool {
	canon, ok := canonicalizeAction(token)
	return ok && canon != ActionNone
}

// KnownArtifact reports whether token (after aliasing) names a concrete
// canonical artifact.
func KnownArtifact(token string) bool {
	return canonicalizeArtifact(token) != ""
}

// KnownDomain reports whether token (after aliasing) is in the closed
// domain set.
func KnownDomain(token string) bool {
	return len(canonicalizeDomains([]string{token})) == 1
}
