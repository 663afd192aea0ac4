// Package ai provides the page-analysis capability consumed by browser
// automation: a cheap text-first analysis of page markup that decides the
// next action, and a vision pass that verifies claimed success from a
// screenshot. Provider failures never propagate past this boundary; they
// degrade to an error action or a zero-confidence verification.
package ai

import (
	"context"
	"regexp"
	"strings"
)

// Action is the next step the analyzer wants the automation to take.
type Action string

const (
	ActionClick       Action = "click"
	ActionFill        Action = "fill"
	ActionSubmit      Action = "submit"
	ActionSuccess     Action = "success"
	ActionNeedsManual Action = "needs_manual"
	ActionError       Action = "error"
)

// PageAnalysis is the structured decision for one automation step.
type PageAnalysis struct {
	Action     Action  `json:"action"`
	Reasoning  string  `json:"reasoning"`
	Selector   string  `json:"selector,omitempty"`
	Value      string  `json:"value,omitempty"`
	Confidence float64 `json:"confidence"`
	NextStep   string  `json:"nextStep,omitempty"`
}

// VisualVerification is the vision pass's verdict on a success screenshot.
type VisualVerification struct {
	IsSuccess  bool    `json:"isSuccess"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// PageAnalyzer is the capability interface the automation loop consumes.
// Implementations must degrade internally: a provider error or malformed
// response becomes ActionError / IsSuccess=false with Confidence 0.
type PageAnalyzer interface {
	AnalyzeText(ctx context.Context, markup, url string, priorActions []string) PageAnalysis
	VerifyScreenshot(ctx context.Context, screenshotPNG []byte, url, verifyContext string) VisualVerification
}

// EmailSentinel is the placeholder value the analyzer returns for fill
// actions that need the recipient's email address; the automation loop
// substitutes the real address.
const EmailSentinel = "(email)"

var (
	scriptRe  = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	styleRe   = regexp.MustCompile(`(?is)<style\b.*?</style>`)
	commentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	buttonRe  = regexp.MustCompile(`(?is)<button[^>]*>(.*?)</button>`)
	linkRe    = regexp.MustCompile(`(?is)<a[^>]*href=["']([^"']+)["'][^>]*>(.*?)</a>`)
	inputRe   = regexp.MustCompile(`(?i)<input[^>]*type=["']([^"']+)["'][^>]*?(?:placeholder=["']([^"']+)["'])?[^>]*>`)
	formRe    = regexp.MustCompile(`(?i)<form[^>]*>`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

const maxBodyTextChars = 2000

// SimplifyHTML reduces page markup to the interactive elements (buttons,
// links, inputs, form presence) plus truncated body text. This bounds token
// cost before submitting to the model and avoids context overflow on large
// marketing pages.
func SimplifyHTML(html string) string {
	simplified := scriptRe.ReplaceAllString(html, "")
	simplified = styleRe.ReplaceAllString(simplified, "")
	simplified = commentRe.ReplaceAllString(simplified, "")

	var elements []string
	for _, m := range buttonRe.FindAllStringSubmatch(simplified, -1) {
		elements = append(elements, "Button: "+stripTags(m[1]))
	}
	for _, m := range linkRe.FindAllStringSubmatch(simplified, -1) {
		elements = append(elements, "Link: "+stripTags(m[2])+" -> "+m[1])
	}
	for _, m := range inputRe.FindAllStringSubmatch(simplified, -1) {
		elements = append(elements, `Input: type="`+m[1]+`" placeholder="`+m[2]+`"`)
	}
	if formRe.MatchString(simplified) {
		elements = append(elements, "Form present")
	}

	bodyText := stripTags(simplified)
	if len(bodyText) > maxBodyTextChars {
		bodyText = bodyText[:maxBodyTextChars]
	}

	return "Text content:\n" + bodyText + "\n\nInteractive elements:\n" + strings.Join(elements, "\n")
}

func stripTags(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
