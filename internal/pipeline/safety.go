package pipeline

import (
	"regexp"
	"unicode/utf8"

	"github.com/orcabot/orcabot/internal/metrics"
)

// maxReplyRunes caps outbound reply length, counted in characters.
const maxReplyRunes = 5000

// SafeAlternative replaces a reply the gate rejects. It must itself
// pass the gate: the check is run once per reply and never re-applied
// to the substitute.
const SafeAlternative = "Sorry, I can't help with that one. Happy to help with something else though!"

// sensitivePatterns catch data that must never leave the bot: contact
// details, government and card numbers, credential markers.
var sensitivePatterns = []*regexp.Regexp{
	// Phone numbers written with separators or a country prefix.
	regexp.MustCompile(`(\+\d{1,2}[ .-]?)?\(?\d{3}\)?[ .-]\d{3}[ .-]\d{4}\b`),
	// Email addresses.
	regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	// Card numbers, grouped or as a bare 15-16 digit run.
	regexp.MustCompile(`\b\d{4}[ -]\d{4}[ -]\d{4}[ -]\d{4}\b|\b\d{15,16}\b`),
	// US social security numbers.
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// Credential markers.
	regexp.MustCompile(`(?i)\bpassword\s*:`),
	regexp.MustCompile(`(?i)\bsecret\s*:`),
	regexp.MustCompile(`(?i)\bapi[_ -]?key\b`),
	regexp.MustCompile(`(?i)\b(access|auth|bearer|api)[_ -]?token\b|\btoken\s*:`),
}

// blockedPatterns catch content the bot refuses to relay outright.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)how to (make|build|create)( a| an)? (bomb|explosive|gun|silencer|weapon)`),
	regexp.MustCompile(`(?i)how to hack\b`),
	regexp.MustCompile(`(?i)\b(kill (myself|yourself)|end my life|suicide method|self[ -]harm)`),
}

// Verdict is the gate's decision for one outbound reply.
type Verdict struct {
	OK     bool
	Reason string
}

// Gate screens composed replies before they are sent. Stage six,
// synchronous and purely lexical.
type Gate struct {
	reg *metrics.Registry
}

// Check screens text against the length cap and both pattern sets.
// Rejections name the rule class that fired and bump the block
// counter.
func (g *Gate) Check(text string) Verdict {
	if utf8.RuneCountInString(text) > maxReplyRunes {
		return g.reject("reply exceeds length limit")
	}
	for _, re := range sensitivePatterns {
		if re.MatchString(text) {
			return g.reject("reply contains sensitive data")
		}
	}
	for _, re := range blockedPatterns {
		if re.MatchString(text) {
			return g.reject("reply contains blocked content")
		}
	}
	return Verdict{OK: true}
}

func (g *Gate) reject(reason string) Verdict {
	if g.reg != nil {
		g.reg.Inc(metrics.SafetyBlocks)
	}
	return Verdict{OK: false, Reason: reason}
}
