package safety

import (
	"regexp"
)

// Warning describes one secret-shaped match found in a delegate's reply.
type Warning struct {
	Pattern string
	Sample  string // first few chars of the match, for logging
}

// LeakDetector scans a delegation's reply content for secrets before it
// is excerpted into the owning task's ResultSnapshot.
type LeakDetector struct{}

// NewLeakDetector returns a LeakDetector using the built-in pattern table.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "OpenAI-shaped API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
	// A delegate quoting back another agent's full workspace path can leak
	// more of the fleet's on-disk layout than the task result warrants.
	{
		re:   regexp.MustCompile(`(?i)(workspace|home)(Dir|_dir)\s*[:=]\s*"?(/[\w.\-]+){3,}`),
		desc: "workspace path",
	},
}

// Scan checks a delegation reply for leaked secrets without modifying
// the input, capping matches per pattern so one repeated leak doesn't
// drown out others.
func (d *LeakDetector) Scan(output string) []Warning {
	if output == "" {
		return nil
	}

	var warnings []Warning
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(output, 3)
		for _, match := range matches {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, Warning{
				Pattern: pat.desc,
				Sample:  sample,
			})
		}
	}
	return warnings
}
