package domain

import (
	"encoding/json"
	"fmt"
)

// ResultStatus is the normalized outcome of an unsubscribe attempt.
type ResultStatus string

const (
	ResultSuccess           ResultStatus = "success"
	ResultFailure           ResultStatus = "failure"
	ResultNeedsConfirmation ResultStatus = "needs_confirmation"
	ResultNoURL             ResultStatus = "no_url"
)

// Method identifies which tier produced a result.
type Method string

const (
	MethodNone       Method = "none"
	MethodOneClick   Method = "one-click"
	MethodSimpleHTTP Method = "simple-http"
	MethodBrowser    Method = "browser"
)

// Result is the outcome payload stored on a finished job. It is a tagged
// union keyed by Method: exactly one of the method-specific diagnostic
// blocks is populated, so each variant's fields stay statically known.
type Result struct {
	Status  ResultStatus `json:"status"`
	Method  Method       `json:"method"`
	Message string       `json:"message"`
	URL     string       `json:"url,omitempty"`
	Error   string       `json:"error,omitempty"`

	HTTP    *HTTPDiagnostics    `json:"http,omitempty"`
	Browser *BrowserDiagnostics `json:"browser,omitempty"`
}

// HTTPDiagnostics covers the one-click and simple-http variants.
type HTTPDiagnostics struct {
	ResponseStatus  int    `json:"response_status"`
	FinalURL        string `json:"final_url,omitempty"`
	ResponsePreview string `json:"response_preview,omitempty"`
}

// BrowserDiagnostics covers the browser-automation variant: the action
// trace, the analyzer's reasoning per step, and a reference to the
// screenshot artifact (stored out-of-row, see internal/storage).
type BrowserDiagnostics struct {
	Steps         []string `json:"steps,omitempty"`
	AIReasoning   []string `json:"ai_reasoning,omitempty"`
	ScreenshotKey string   `json:"screenshot_key,omitempty"`
}

// Marshal serializes the result for JSONB storage.
func (r *Result) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}

// UnmarshalResult parses a stored JSONB result payload.
func UnmarshalResult(data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &r, nil
}
