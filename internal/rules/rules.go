// Package rules screens candidate learning rules for actionability. A rule
// is only worth keeping if it would still mean something in a future
// conversation: long enough to be a real instruction, free of literal
// artifacts (paths, tickets, URLs) that pin it to one task, and free of
// credential material.
package rules

import (
	"regexp"
	"strings"

	"github.com/lorehq/lore/internal/privacy"
	"github.com/lorehq/lore/pkg/models"
)

const (
	// MinRuleLength is the minimum normalized length of a keepable rule.
	MinRuleLength = 12
	// MinRuleWords is the minimum word count of a keepable rule.
	MinRuleWords = 3
)

var (
	urlPattern    = regexp.MustCompile(`(?i)\bhttps?://|\bwww\.`)
	ticketPattern = regexp.MustCompile(`\b[A-Z]{2,10}-\d+\b`)
	// pathPattern matches absolute and home-relative filesystem paths and
	// bare filenames with an extension.
	pathPattern = regexp.MustCompile(`(^|\s)(/|~/|\./)[\w.\-/]+|\b\w[\w.\-]*\.(go|py|js|ts|tsx|jsx|rs|java|rb|sh|yaml|yml|json|toml|md|sql|css|html)\b`)
)

// taskSpecificMarkers are soft signals: the rule survives screening but
// stays project-scoped, because it leans on the current context.
var taskSpecificMarkers = []string{
	"this file",
	"this repo",
	"this repository",
	"this project",
	"this branch",
	"this pr",
	"this ticket",
	"this task",
	"for now",
	"right now",
	"in here",
	"current sprint",
}

// Normalize produces the dedup key form of a rule.
func Normalize(rule string) string {
	return models.NormalizeRule(rule)
}

// Screen rejects rules that cannot be reused: too short to be an
// instruction, pinned to a literal path, ticket or URL, or carrying a
// credential.
func Screen(rule string) error {
	normalized := Normalize(rule)
	if len(normalized) < MinRuleLength {
		return &models.ValidationError{Field: "rule", Reason: "too short"}
	}
	if len(strings.Fields(normalized)) < MinRuleWords {
		return &models.ValidationError{Field: "rule", Reason: "too few words"}
	}
	if urlPattern.MatchString(rule) {
		return &models.ValidationError{Field: "rule", Reason: "references a url"}
	}
	if ticketPattern.MatchString(rule) {
		return &models.ValidationError{Field: "rule", Reason: "references a ticket"}
	}
	if pathPattern.MatchString(rule) {
		return &models.ValidationError{Field: "rule", Reason: "references a literal path"}
	}
	if privacy.ContainsSecrets(rule) {
		return &models.ValidationError{Field: "rule", Reason: "contains a credential"}
	}
	return nil
}

// TaskSpecific reports whether the rule leans on the current task's
// context. Such rules are kept but never widen beyond project scope.
func TaskSpecific(rule string) bool {
	lower := strings.ToLower(rule)
	for _, marker := range taskSpecificMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
