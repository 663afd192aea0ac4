package domain

// MailMessage is the slice of a provider message the pipeline consumes:
// headers for one-click eligibility and link extraction, HTML body for the
// body-scan extractor.
type MailMessage struct {
	Headers  map[string]string
	HTMLBody string
}

// Header returns a header value, or "" if absent.
func (m *MailMessage) Header(name string) string {
	if m == nil {
		return ""
	}
	return m.Headers[name]
}
