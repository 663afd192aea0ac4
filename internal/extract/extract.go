// Package extract pulls candidate unsubscribe URLs out of email headers and
// HTML bodies. Header extraction (List-Unsubscribe) is the most standardized
// signal and always takes priority over body scanning at ingestion time.
package extract

import (
	"regexp"
	"strings"
)

var (
	headerHTTPRe   = regexp.MustCompile(`<(https?://[^>]+)>`)
	headerMailtoRe = regexp.MustCompile(`<(mailto:[^>]+)>`)

	// Anchor tags with any attribute order: <a class=".." href="..">text</a>
	anchorRe = regexp.MustCompile(`(?is)<a\s+[^>]*?href=["']([^"']+)["'][^>]*?>(.*?)</a>`)

	// "unsubscribe: <a href=...>" — keyword text immediately before a link
	contextRe = regexp.MustCompile(`(?i)(?:unsubscribe|un-subscribe)[^<]*?<a\s+[^>]*?href=["']([^"']+)["'][^>]*?>`)

	// <a href="...">click here</a> to unsubscribe — link before keyword text
	reverseRe = regexp.MustCompile(`(?is)<a\s+[^>]*?href=["']([^"']+)["'][^>]*?>.*?</a>\s*(?:to\s+)?(?:unsubscribe|un-subscribe)`)

	bareURLRe = regexp.MustCompile(`(?i)https?://[^\s<>"]+`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)
	anchorAll = regexp.MustCompile(`(?is)<a\s+[^>]*?>.*?</a>`)

	keywordRe = regexp.MustCompile(`(?i)unsubscribe|un-subscribe|unsub`)
)

// FromHeader extracts an unsubscribe URL from a List-Unsubscribe header
// value. The header carries one or more angle-bracketed tokens; HTTP(S)
// URLs are preferred over mailto links. Returns "" when neither is present.
func FromHeader(headerValue string) string {
	if headerValue == "" {
		return ""
	}
	if m := headerHTTPRe.FindStringSubmatch(headerValue); m != nil {
		return m[1]
	}
	if m := headerMailtoRe.FindStringSubmatch(headerValue); m != nil {
		return m[1]
	}
	return ""
}

// FromBody scans an HTML body for an unsubscribe link. Anchors whose href or
// visible text mention unsubscribing win; then keyword text adjacent to an
// anchor; finally bare URLs outside any anchor. Returns "" if nothing matches.
func FromBody(htmlBody string) string {
	if htmlBody == "" {
		return ""
	}

	for _, m := range anchorRe.FindAllStringSubmatch(htmlBody, -1) {
		href, text := m[1], cleanText(m[2])
		if keywordRe.MatchString(href) || keywordRe.MatchString(text) {
			return CleanURL(href)
		}
	}

	if m := contextRe.FindStringSubmatch(htmlBody); m != nil {
		return CleanURL(m[1])
	}
	if m := reverseRe.FindStringSubmatch(htmlBody); m != nil {
		return CleanURL(m[1])
	}

	// Bare URLs: drop anchors first so we don't re-match their hrefs.
	withoutAnchors := anchorAll.ReplaceAllString(htmlBody, "")
	for _, url := range bareURLRe.FindAllString(withoutAnchors, -1) {
		if keywordRe.MatchString(url) {
			return CleanURL(url)
		}
	}

	return ""
}

// CleanURL normalizes an extracted URL: decodes common HTML entities, strips
// trailing punctuation the regex may have captured, and trims whitespace.
func CleanURL(url string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	cleaned := replacer.Replace(url)
	cleaned = strings.TrimRight(cleaned, ".,;!?")
	return strings.TrimSpace(cleaned)
}

func cleanText(s string) string {
	s = tagRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return strings.TrimSpace(s)
}
