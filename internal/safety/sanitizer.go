// Package safety screens the free-text that crosses an A2A flow's trust
// boundary: a Sanitizer checks an outbound message before
// internal/a2a.Orchestrator hands it to the Transport seam, and a
// LeakDetector scans a delegate's reply before it is excerpted into a
// Delegation's ResultSnapshot. Neither end of an A2A conversation is a
// human — the threats here are one agent session trying to steer or
// impersonate another, not a user jailbreaking a model.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// Action indicates the recommended response to a detected threat.
type Action int

const (
	// ActionAllow means the message is safe to forward as-is.
	ActionAllow Action = iota
	// ActionWarn means a suspicious pattern was found but the message may
	// still be forwarded.
	ActionWarn
	// ActionBlock means the message must not reach the target agent.
	ActionBlock
)

// CheckResult is the outcome of screening one outbound A2A message.
type CheckResult struct {
	Action  Action
	Reason  string
	Pattern string // the pattern that matched, for logging
}

// Sanitizer screens outbound A2A messages for attempts by one agent
// session to hijack, impersonate, or extract instructions from another.
type Sanitizer struct{}

// NewSanitizer returns a Sanitizer using the built-in pattern table.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

type injectionPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var injectionPatterns = []injectionPattern{
	// Directive override: a message trying to supersede the receiving
	// agent's own instructions rather than just asking it for something.
	{
		re:     regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(your\s+)?(previous|above|prior)\s+(instructions?|tasks?|rules?))\b`),
		action: ActionBlock,
		reason: "directive override: ignore previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?\s*:|override\s+(your\s+)?(system\s+)?prompt)\b`),
		action: ActionBlock,
		reason: "directive override: replacement instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(forget\s+(everything|all|your)\s+(you|instructions?)?)`),
		action: ActionBlock,
		reason: "directive override: memory wipe",
	},
	// Agent impersonation: claiming to speak as a different role than the
	// session actually holds (the task owner, a human operator, another
	// agent in the fleet).
	{
		re:     regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(the\s+)?(task\s+owner|operator|administrator|a\s+human))\b`),
		action: ActionBlock,
		reason: "impersonation: role reassignment",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(acting\s+as\s+(the\s+)?(task\s+owner|operator|administrator))\b`),
		action: ActionBlock,
		reason: "impersonation: assumed authority",
	},
	// Permission escalation: asking the receiving agent to widen its own
	// session tool gate or capability set on the sender's say-so instead
	// of through the policy/tool-gate channel.
	{
		re:     regexp.MustCompile(`(?i)\b(grant\s+(yourself|me)\s+(admin|full|unrestricted)\s+access)\b`),
		action: ActionBlock,
		reason: "escalation: requested ungated capability grant",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(bypass\s+(the\s+)?(policy|tool\s+gate|approval))\b`),
		action: ActionBlock,
		reason: "escalation: requested policy bypass",
	},
	// System-prompt extraction: asking the receiving agent to dump its
	// own configured instructions back over the wire.
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|display|print|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?)\b`),
		action: ActionBlock,
		reason: "prompt leaking: instruction extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(what\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?))\b`),
		action: ActionBlock,
		reason: "prompt leaking: instruction query",
	},
	// Chat-template / role markers smuggled into a message body: not
	// conclusive on their own, so only a warning.
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: ActionWarn,
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "injection marker: chat template tag",
	},
	// Base64-encoded variants of "ignore", to catch an obfuscated
	// directive-override attempt.
	{
		re:     regexp.MustCompile(`(?i)(aWdub3Jl|SWdub3Jl)`), // base64 of "ignore"/"Ignore"
		action: ActionWarn,
		reason: "potential encoded directive override",
	},
}

// Check screens one outbound A2A message for the patterns above.
func (s *Sanitizer) Check(input string) CheckResult {
	if strings.TrimSpace(input) == "" {
		return CheckResult{Action: ActionAllow}
	}

	for _, pat := range injectionPatterns {
		if pat.re.MatchString(input) {
			return CheckResult{
				Action:  pat.action,
				Reason:  pat.reason,
				Pattern: pat.re.String(),
			}
		}
	}

	return CheckResult{Action: ActionAllow}
}

// MustAllow returns an error describing the block reason if the check
// result is ActionBlock, nil otherwise (including on ActionWarn).
func (r CheckResult) MustAllow() error {
	if r.Action == ActionBlock {
		return fmt.Errorf("a2a message blocked: %s", r.Reason)
	}
	return nil
}
