package unsubscribe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ignite/unsub-pilot/internal/automation"
	"github.com/ignite/unsub-pilot/internal/domain"
)

type staticHeaders struct {
	value string
	err   error
}

func (s staticHeaders) MessageHeader(ctx context.Context, userID, gmailID, name string) (string, error) {
	return s.value, s.err
}

func testJob() *domain.UnsubscribeJob {
	return &domain.UnsubscribeJob{ID: "job-1", EmailID: "email-1", UserID: "user-1"}
}

func testEmail(url string) *domain.EmailRecord {
	return &domain.EmailRecord{
		ID:             "email-1",
		UserID:         "user-1",
		GmailID:        "gm-1",
		Subject:        "Weekly deals",
		ToAddress:      "user@example.com",
		UnsubscribeURL: url,
	}
}

func TestExecuteNoURL(t *testing.T) {
	e := NewExecutor(nil, nil)
	email := testEmail("")

	result := e.Execute(context.Background(), testJob(), email)

	if result.Status != domain.ResultNoURL {
		t.Fatalf("expected no_url, got %s", result.Status)
	}
	if result.Method != domain.MethodNone {
		t.Errorf("expected method none, got %s", result.Method)
	}
}

func TestExecuteMailtoNeedsConfirmation(t *testing.T) {
	e := NewExecutor(nil, nil)
	email := testEmail("mailto:unsub@example.com")

	result := e.Execute(context.Background(), testJob(), email)

	if result.Status != domain.ResultNeedsConfirmation {
		t.Fatalf("expected needs_confirmation for mailto, got %s", result.Status)
	}
}

func TestExecuteOneClickSuccess(t *testing.T) {
	var gotMethod, gotBody, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewExecutor(staticHeaders{value: "List-Unsubscribe=One-Click"}, nil)
	email := testEmail(srv.URL)

	result := e.Execute(context.Background(), testJob(), email)

	if result.Status != domain.ResultSuccess {
		t.Fatalf("expected success, got %s (%s)", result.Status, result.Message)
	}
	if result.Method != domain.MethodOneClick {
		t.Errorf("expected one-click method, got %s", result.Method)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", gotMethod)
	}
	if gotBody != "List-Unsubscribe=One-Click" {
		t.Errorf("unexpected body %q", gotBody)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("unexpected content type %q", gotContentType)
	}
}

func TestExecuteOneClickFailureFallsThroughToGET(t *testing.T) {
	var postSeen, getSeen bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			postSeen = true
			w.WriteHeader(http.StatusInternalServerError)
		case http.MethodGet:
			getSeen = true
			w.Write([]byte("<html><body>You have been removed from the list.</body></html>"))
		}
	}))
	defer srv.Close()

	e := NewExecutor(staticHeaders{value: "List-Unsubscribe=One-Click"}, nil)
	email := testEmail(srv.URL)

	result := e.Execute(context.Background(), testJob(), email)

	if !postSeen || !getSeen {
		t.Fatalf("expected POST then GET fallthrough, post=%v get=%v", postSeen, getSeen)
	}
	if result.Status != domain.ResultSuccess {
		t.Fatalf("expected GET success after one-click failure, got %s", result.Status)
	}
	if result.Method != domain.MethodSimpleHTTP {
		t.Errorf("expected simple-http method, got %s", result.Method)
	}
}

func TestExecuteSimpleGETNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	e := NewExecutor(nil, nil)
	email := testEmail(srv.URL)

	result := e.Execute(context.Background(), testJob(), email)

	if result.Status != domain.ResultFailure {
		t.Fatalf("expected failure, got %s", result.Status)
	}
	if result.HTTP == nil || result.HTTP.ResponseStatus != http.StatusGone {
		t.Errorf("expected HTTP 410 diagnostics, got %+v", result.HTTP)
	}
}

func TestExecuteSimpleGETConfirmationPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != executorUserAgent {
			t.Errorf("unexpected user agent %q", ua)
		}
		w.Write([]byte(`<html><body>
			<form action="/confirm" method="post">
				<p>Click below to unsubscribe from our mailing list.</p>
				<button type="submit">Confirm</button>
			</form>
		</body></html>`))
	}))
	defer srv.Close()

	e := NewExecutor(nil, nil)
	email := testEmail(srv.URL)

	result := e.Execute(context.Background(), testJob(), email)

	if result.Status != domain.ResultNeedsConfirmation {
		t.Fatalf("expected needs_confirmation, got %s (%s)", result.Status, result.Message)
	}
}

func TestExecuteSimpleGETOptimisticSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body><h1>You have been unsubscribed.</h1></body></html>"))
	}))
	defer srv.Close()

	e := NewExecutor(nil, nil)
	email := testEmail(srv.URL)

	result := e.Execute(context.Background(), testJob(), email)

	if result.Status != domain.ResultSuccess {
		t.Fatalf("expected success, got %s", result.Status)
	}
	if result.HTTP == nil || result.HTTP.ResponsePreview == "" {
		t.Error("expected a response preview in diagnostics")
	}
}

type fakeRunner struct {
	outcome automation.Outcome
	called  bool
}

func (f *fakeRunner) Run(ctx context.Context, jobID, url, emailAddress string) automation.Outcome {
	f.called = true
	return f.outcome
}

func TestExecuteEscalatesToBrowserOnConfirmationPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<form><button>Confirm unsubscribe</button></form>`))
	}))
	defer srv.Close()

	runner := &fakeRunner{outcome: automation.Outcome{
		Status:  automation.StatusSuccess,
		Message: "Successfully unsubscribed using AI automation (3 steps)",
		Steps:   []string{"Navigate", "Click", "Verified"},
	}}

	e := NewExecutor(nil, nil)
	e.SetBrowserRunner(runner)
	email := testEmail(srv.URL)

	result := e.Execute(context.Background(), testJob(), email)

	if !runner.called {
		t.Fatal("expected escalation to browser runner")
	}
	if result.Status != domain.ResultSuccess {
		t.Fatalf("expected success from browser tier, got %s", result.Status)
	}
	if result.Method != domain.MethodBrowser {
		t.Errorf("expected browser method, got %s", result.Method)
	}
	if result.Browser == nil || len(result.Browser.Steps) != 3 {
		t.Errorf("expected browser diagnostics with steps, got %+v", result.Browser)
	}
}

func TestExecuteBrowserNeedsManualMapsToNeedsConfirmation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<form><button>Confirm unsubscribe</button></form>`))
	}))
	defer srv.Close()

	runner := &fakeRunner{outcome: automation.Outcome{
		Status:  automation.StatusNeedsManual,
		Message: "Automation incomplete after 10 steps - manual verification needed",
	}}

	e := NewExecutor(nil, nil)
	e.SetBrowserRunner(runner)
	email := testEmail(srv.URL)

	result := e.Execute(context.Background(), testJob(), email)

	if result.Status != domain.ResultNeedsConfirmation {
		t.Fatalf("expected needs_confirmation, got %s", result.Status)
	}
}

func TestDetectConfirmationPage(t *testing.T) {
	tests := []struct {
		name string
		html string
		want bool
	}{
		{
			name: "confirm button",
			html: `<button type="submit">Confirm</button>`,
			want: true,
		},
		{
			name: "submit input with confirm value",
			html: `<input type="submit" value="Confirm unsubscribe">`,
			want: true,
		},
		{
			name: "form with unsubscribe text",
			html: `<form action="/x"><input name="email"></form><p>unsubscribe from list</p>`,
			want: true,
		},
		{
			name: "plain success page",
			html: `<html><body><h1>You have been removed.</h1></body></html>`,
			want: false,
		},
		{
			name: "form without unsubscribe context",
			html: `<form action="/search"><input name="q"></form><p>search our site</p>`,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectConfirmationPage(tt.html); got != tt.want {
				t.Errorf("DetectConfirmationPage() = %v, want %v", got, tt.want)
			}
		})
	}
}
