package ai

import (
	"strings"
	"testing"
)

func TestSimplifyHTML(t *testing.T) {
	html := `<html><head>
		<script>var tracking = "{}";</script>
		<style>.btn { color: red; }</style>
	</head><body>
		<!-- header comment -->
		<h1>Manage your subscription</h1>
		<form action="/unsub" method="post">
			<input type="email" placeholder="Your email address">
			<button type="submit">Confirm Unsubscribe</button>
		</form>
		<a href="https://example.com/help">Need help?</a>
	</body></html>`

	out := SimplifyHTML(html)

	if strings.Contains(out, "tracking") {
		t.Error("script content should be stripped")
	}
	if strings.Contains(out, "color: red") {
		t.Error("style content should be stripped")
	}
	if strings.Contains(out, "header comment") {
		t.Error("comments should be stripped")
	}
	if !strings.Contains(out, "Button: Confirm Unsubscribe") {
		t.Errorf("expected button element, got:\n%s", out)
	}
	if !strings.Contains(out, "Link: Need help? -> https://example.com/help") {
		t.Errorf("expected link element, got:\n%s", out)
	}
	if !strings.Contains(out, `Input: type="email"`) {
		t.Errorf("expected input element, got:\n%s", out)
	}
	if !strings.Contains(out, "Form present") {
		t.Errorf("expected form marker, got:\n%s", out)
	}
	if !strings.Contains(out, "Manage your subscription") {
		t.Errorf("expected body text, got:\n%s", out)
	}
}

func TestSimplifyHTMLTruncatesBodyText(t *testing.T) {
	html := "<body>" + strings.Repeat("unsubscribe preferences ", 500) + "</body>"
	out := SimplifyHTML(html)

	textSection := out
	if idx := strings.Index(out, "Interactive elements:"); idx >= 0 {
		textSection = out[:idx]
	}
	if len(textSection) > maxBodyTextChars+100 {
		t.Errorf("body text not truncated: %d chars", len(textSection))
	}
}
