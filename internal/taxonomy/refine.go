package taxonomy

import (
	"strings"
	"unicode"
)

// weakSignalActions carry little reusable signal on their own. They are
// excluded entirely without a concrete artifact, and the clustering layer
// additionally requires cross-project recurrence for them.
var weakSignalActions = map[string]struct{}{
	"fix":   {},
	"debug": {},
}

// oneOffPhrases mark language that describes a non-repeatable task.
var oneOffPhrases = []string{
	"quick fix",
	"one-time",
	"one time",
	"one-off",
	"just once",
	"just this once",
	"just for now",
	"temporary workaround",
	"throwaway",
	"won't need this again",
}

// topicDependentActions have meaning only relative to a subject: preparing
// a workflow for what? Their generic artifacts get a topic suffix.
var topicDependentActions = map[string]struct{}{
	"prepare":  {},
	"organize": {},
	"plan":     {},
}

// genericArtifacts are placeholders that say nothing about the subject.
var genericArtifacts = map[string]struct{}{
	"workflow":  {},
	"plan":      {},
	"materials": {},
}

// topicStopwords are tokens that never qualify as a topic.
var topicStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"for": {}, "with": {}, "from": {}, "into": {}, "onto": {},
	"this": {}, "that": {}, "these": {}, "those": {}, "some": {},
	"about": {}, "around": {}, "over": {}, "under": {}, "after": {},
	"before": {}, "all": {}, "any": {}, "each": {}, "every": {},
	"need": {}, "needs": {}, "want": {}, "wants": {}, "help": {},
	"please": {}, "can": {}, "could": {}, "would": {}, "should": {},
	"you": {}, "your": {}, "our": {}, "their": {}, "his": {}, "her": {},
	"new": {}, "next": {}, "last": {}, "first": {}, "more": {},
	"lets": {}, "let": {}, "get": {}, "make": {}, "use": {}, "using": {},
	"stuff": {}, "thing": {}, "things": {}, "work": {}, "task": {},
	"tasks": {}, "item": {}, "items": {}, "way": {}, "today": {},
	"tomorrow": {}, "week": {}, "month": {}, "time": {},
}

// ShouldExclude drops candidates whose recurrence would not indicate a
// reusable workflow: weak-signal actions without a concrete artifact, and
// anything whose surrounding text reads as a one-off task.
func ShouldExclude(action, artifact, snippet, reasoning string) bool {
	if _, weak := weakSignalActions[action]; weak {
		if artifact == "" || artifact == ActionNone {
			return true
		}
	}

	text := strings.ToLower(snippet + " " + reasoning)
	for _, phrase := range oneOffPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

// RefineArtifact specializes a generic artifact with a topic token pulled
// from the surrounding context, producing e.g. workflow_billing. Only
// topic-dependent actions with placeholder artifacts are refined; when no
// token survives filtering the generic artifact is returned unchanged.
func RefineArtifact(action, artifact string, domains []string, context string) string {
	if _, ok := topicDependentActions[action]; !ok {
		return artifact
	}
	if _, ok := genericArtifacts[artifact]; !ok {
		return artifact
	}

	skip := map[string]struct{}{
		action:   {},
		artifact: {},
	}
	for _, d := range domains {
		skip[strings.ToLower(d)] = struct{}{}
	}

	for _, token := range tokenize(context) {
		if len(token) < 3 {
			continue
		}
		if _, stop := topicStopwords[token]; stop {
			continue
		}
		if _, s := skip[token]; s {
			continue
		}
		return artifact + "_" + token
	}
	return artifact
}

// tokenize lowercases and splits on anything that is not a letter or
// digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
