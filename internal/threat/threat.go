// Package threat holds the stateless pattern matchers run against free-text
// agent input. They are cheap heuristics, not a classifier: false negatives are
// expected, and the goal is to stop the common cases in microseconds.
package threat

import (
	"regexp"
)

// pattern pairs a compiled expression with the source text reported back to
// callers, which omits the shared flag prefix.
type pattern struct {
	re   *regexp.Regexp
	expr string
}

// Every expression is compiled with (?im): case-insensitive, and ^ anchors at
// line starts so "system:" prefixes in multi-message input are caught.
func compile(exprs ...string) []pattern {
	out := make([]pattern, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, pattern{re: regexp.MustCompile(`(?im)` + e), expr: e})
	}
	return out
}

// Pre-compiled patterns, checked in order. First match wins.
var injectionPatterns = compile(
	`ignore\s+(all\s+)?(the\s+)?(previous|prior|above|earlier)\s+(instructions|prompts|rules)`,
	`disregard\s+(all\s+)?(the\s+)?(previous|prior|above)\s+(instructions|rules|guidelines)`,
	`forget\s+(all\s+)?(your\s+)?(previous|prior)\s+(instructions|rules)`,
	`you\s+are\s+now\s+(a|an)\s+`,
	`pretend\s+(you\s+are|to\s+be)\s+`,
	`^\s*system\s*:`,
	`\[/?(system|inst|sys)\]`,
	`<<\s*/?sys\s*>>`,
	`<\|(im_start|im_end|system|endoftext)\|>`,
	`###\s*(system|instruction)`,
	`jailbreak`,
	`do\s+anything\s+now`,
	`reveal\s+(your|the)\s+(system|initial|original|hidden)\s+(prompt|instructions)`,
)

var exfiltrationPatterns = compile(
	`https?://\S+[?&][a-z0-9_\-]*(key|token|secret|password|passwd|pwd)[a-z0-9_\-]*=`,
	`\bfetch\s*\(\s*['"\x60]?https?://`,
	`\bcurl\s+(-{1,2}[a-z\-]+\s+(\S+\s+)?)*['"]?https?://`,
	`\bwget\s+(-{1,2}[a-z\-]+\s+)*['"]?https?://`,
	`\bxmlhttprequest\b`,
	`\bnavigator\.sendbeacon\s*\(`,
	`\b(requests|axios|http)\.(get|post|put)\s*\(\s*['"\x60]https?://`,
	`\b(webhook\.site|requestbin\.(com|net)|pipedream\.net|ngrok(-free)?\.(io|app|dev)|burpcollaborator\.net|interact\.sh|oast\.(fun|me|pro|live|site|online)|trycloudflare\.com|localtunnel\.me|serveo\.net)\b`,
)

// Match is the outcome of an injection scan.
type Match struct {
	Detected bool
	Pattern  string // source of the first matching expression
}

// DetectInjection reports whether text contains a prompt-injection phrase.
func DetectInjection(text string) Match {
	if p, ok := firstMatch(injectionPatterns, text); ok {
		return Match{Detected: true, Pattern: p.expr}
	}
	return Match{}
}

// DetectExfiltration reports whether text looks like an attempt to ship data
// to an attacker-controlled endpoint.
func DetectExfiltration(text string) bool {
	_, ok := firstMatch(exfiltrationPatterns, text)
	return ok
}

func firstMatch(patterns []pattern, text string) (pattern, bool) {
	if text == "" {
		return pattern{}, false
	}
	for _, p := range patterns {
		if p.re.MatchString(text) {
			return p, true
		}
	}
	return pattern{}, false
}
