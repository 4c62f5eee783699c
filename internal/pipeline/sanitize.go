package pipeline

import (
	"regexp"
	"strings"
)

// injectionPatterns flags spans that look like an attempt to override the
// system prompt or impersonate a role marker from inside user-supplied
// content (spec.md §4.5 step 1, "scan for injection patterns").
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
	regexp.MustCompile(`(?i)disregard\s+(the\s+)?(system|previous)\s+prompt`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?\w*\s*(developer|debug|jailbreak|dan)\s+mode`),
	regexp.MustCompile(`(?i)^\s*(system|assistant)\s*:`),
	regexp.MustCompile(`(?i)reveal\s+your\s+(system\s+prompt|instructions)`),
}

// sanitizeInput scans prompt for injection patterns and wraps any matching
// span in <untrusted_content> tags. It never blocks — only warns — per
// spec.md §4.5 step 1.
func sanitizeInput(prompt string) (sanitized string, flagged bool) {
	out := prompt
	for _, re := range injectionPatterns {
		if !re.MatchString(out) {
			continue
		}
		flagged = true
		out = re.ReplaceAllString(out, "<untrusted_content>${0}</untrusted_content>")
	}
	return out, flagged
}

// buildSystemPrompt concatenates identity, a policy-awareness notice, and
// loaded memory context (spec.md §4.5 step 1).
func buildSystemPrompt(identity, memoryContext string) string {
	var b strings.Builder
	if strings.TrimSpace(identity) != "" {
		b.WriteString(identity)
	} else {
		b.WriteString(defaultIdentity)
	}
	b.WriteString("\n\n")
	b.WriteString(policyAwarenessNotice)
	if strings.TrimSpace(memoryContext) != "" {
		b.WriteString("\n\n")
		b.WriteString(memoryContext)
	}
	return b.String()
}

const defaultIdentity = `You are an autonomous personal AI agent. You act on behalf of your ` +
	`principal within the bounds of the tools and policy you are given.`

const policyAwarenessNotice = `Every tool call you make is checked against a locally-configured ` +
	`policy before it runs. A denied call returns a reason instead of executing; treat that as ` +
	`authoritative, not as an error to retry around.`
