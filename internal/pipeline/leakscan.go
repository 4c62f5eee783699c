package pipeline

import "regexp"

// leakPattern is one credential-shaped pattern the leak detector watches
// tool_call/tool_result text for (spec.md §4.5 step 3b, "scan
// arguments/result text with the leak detector; log high-severity
// matches; do not mutate").
type leakPattern struct {
	name string
	re   *regexp.Regexp
}

var leakPatterns = []leakPattern{
	{"anthropic_api_key", regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`)},
	{"openai_api_key", regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`)},
	{"aws_access_key_id", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.]{20,}`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
	{"generic_secret_assignment", regexp.MustCompile(`(?i)(api[_-]?key|secret|token|password)\s*[:=]\s*['"][^'"\s]{8,}['"]`)},
}

// leakMatch is one detected match, reported but never used to mutate the
// scanned text (the detector observes only).
type leakMatch struct {
	Pattern string
	Excerpt string
}

// scanForLeaks reports every leak-pattern match found in text, truncating
// each excerpt so a log line never reproduces the full secret.
func scanForLeaks(text string) []leakMatch {
	var matches []leakMatch
	for _, p := range leakPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			excerpt := text[loc[0]:loc[1]]
			if len(excerpt) > 12 {
				excerpt = excerpt[:8] + "…" + excerpt[len(excerpt)-4:]
			}
			matches = append(matches, leakMatch{Pattern: p.name, Excerpt: excerpt})
		}
	}
	return matches
}
