// Package privacy screens transcript text for credential material.
// Transcripts routinely contain pasted keys and tokens; nothing that
// looks like one may leave the process in a backend payload or land in
// a stored learning or signature row.
package privacy

import (
	"regexp"
	"strings"
)

const marker = "[REDACTED]"

// secretPatterns matches common credential shapes. Tuned for low false
// positives: bare words like "password" or "api" never match, only
// assignments with long values and well-known token formats.
var secretPatterns = []*regexp.Regexp{
	// key: value and key=value assignments
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`),
	regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*['"][^'"]{8,}['"]`),
	regexp.MustCompile(`(?i)(secret[_-]?key|secret[_-]?token|auth[_-]?token|access[_-]?token)\s*[:=]\s*['"]?[a-zA-Z0-9_-]{20,}['"]?`),
	regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key\s*[:=]\s*['"]?[a-zA-Z0-9/+=]{40}['"]?`),

	// vendor token formats
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`gh[pous]_[a-zA-Z0-9]{36,}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`xox[baprs]-[a-zA-Z0-9-]{10,}`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._~+/-]{20,}`),

	// PEM blocks; whole-block first so the body goes with the header
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----[\s\S]*?-----END (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |DSA |OPENSSH )?PRIVATE KEY-----`),
}

// ContainsSecrets reports whether text matches any credential shape.
func ContainsSecrets(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range secretPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// RedactSecrets replaces every detected secret value with a marker. The
// result is deterministic for a given input, so replaying redacted text
// dedups the same way the original would.
func RedactSecrets(text string) string {
	if text == "" {
		return text
	}
	for _, re := range secretPatterns {
		text = re.ReplaceAllStringFunc(text, redactMatch)
	}
	return text
}

// redactMatch keeps the key of an assignment and the first characters
// of a bare token, so the surrounding text stays readable. PEM material
// collapses entirely; its body is full of separator characters.
func redactMatch(match string) string {
	if strings.HasPrefix(match, "-----BEGIN") {
		return marker
	}
	if i := strings.IndexAny(match, "=:"); i != -1 {
		return match[:i+1] + marker
	}
	if len(match) > 8 {
		return match[:4] + "..." + marker
	}
	return marker
}
