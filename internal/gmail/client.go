// Package gmail is a thin Gmail REST client covering the operations the
// unsubscribe pipeline needs: reading message headers and bodies for link
// extraction and one-click eligibility, and modifying labels (archive after
// unsubscribe). Full mailbox sync lives elsewhere in the product and is not
// this client's job.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"github.com/ignite/unsub-pilot/internal/domain"
	"github.com/ignite/unsub-pilot/internal/pkg/httpretry"
)

// TokenProvider resolves a user's current Gmail access token.
type TokenProvider interface {
	AccessToken(ctx context.Context, userID string) (string, error)
}

// Client calls the Gmail REST API on behalf of a user.
type Client struct {
	tokens  TokenProvider
	doer    httpretry.HTTPDoer
	baseURL string
}

// NewClient creates a Gmail client. If doer is nil, a retrying HTTP client
// with defaults is used.
func NewClient(tokens TokenProvider, doer httpretry.HTTPDoer) *Client {
	if doer == nil {
		doer = httpretry.NewRetryClient(nil, 3)
	}
	return &Client{
		tokens:  tokens,
		doer:    doer,
		baseURL: "https://gmail.googleapis.com",
	}
}

// SetBaseURL overrides the API endpoint (used by tests).
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

type messageMetadata struct {
	Payload struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

// MessageHeader fetches a single named header from a Gmail message.
// Returns "" with no error when the header is absent.
func (c *Client) MessageHeader(ctx context.Context, userID, gmailID, name string) (string, error) {
	endpoint := fmt.Sprintf("%s/gmail/v1/users/me/messages/%s?format=metadata&metadataHeaders=%s",
		c.baseURL, url.PathEscape(gmailID), url.QueryEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build message request: %w", err)
	}
	if err := c.authorize(ctx, req, userID); err != nil {
		return "", err
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch message %s: %w", gmailID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", fmt.Errorf("fetch message %s: gmail returned %d", gmailID, resp.StatusCode)
	}

	var meta messageMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return "", fmt.Errorf("decode message %s: %w", gmailID, err)
	}

	for _, h := range meta.Payload.Headers {
		if h.Name == name {
			return h.Value, nil
		}
	}
	return "", nil
}

type messagePart struct {
	MimeType string `json:"mimeType"`
	Headers  []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"headers"`
	Body struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []messagePart `json:"parts"`
}

// GetMessage fetches a full message and reduces it to the headers plus the
// first text/html body part. Gmail encodes part bodies as URL-safe base64.
func (c *Client) GetMessage(ctx context.Context, userID, gmailID string) (*domain.MailMessage, error) {
	endpoint := fmt.Sprintf("%s/gmail/v1/users/me/messages/%s?format=full",
		c.baseURL, url.PathEscape(gmailID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build message request: %w", err)
	}
	if err := c.authorize(ctx, req, userID); err != nil {
		return nil, err
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", gmailID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch message %s: gmail returned %d", gmailID, resp.StatusCode)
	}

	var full struct {
		Payload messagePart `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&full); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", gmailID, err)
	}

	msg := &domain.MailMessage{Headers: make(map[string]string)}
	for _, h := range full.Payload.Headers {
		msg.Headers[h.Name] = h.Value
	}
	msg.HTMLBody = htmlBody(&full.Payload)
	return msg, nil
}

// htmlBody walks the MIME tree for the first text/html part. A non-multipart
// HTML message carries the body on the payload itself.
func htmlBody(p *messagePart) string {
	if strings.HasPrefix(p.MimeType, "text/html") && p.Body.Data != "" {
		decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(p.Body.Data)
		if err != nil {
			return ""
		}
		return string(decoded)
	}
	for i := range p.Parts {
		if body := htmlBody(&p.Parts[i]); body != "" {
			return body
		}
	}
	return ""
}

// ModifyLabels adds and removes label IDs on a message. Used to archive a
// message (remove INBOX) after a successful unsubscribe.
func (c *Client) ModifyLabels(ctx context.Context, userID, gmailID string, add, remove []string) error {
	body, err := json.Marshal(map[string][]string{
		"addLabelIds":    add,
		"removeLabelIds": remove,
	})
	if err != nil {
		return fmt.Errorf("marshal label request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/gmail/v1/users/me/messages/%s/modify", c.baseURL, url.PathEscape(gmailID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build modify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authorize(ctx, req, userID); err != nil {
		return err
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return fmt.Errorf("modify labels on %s: %w", gmailID, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("modify labels on %s: gmail returned %d", gmailID, resp.StatusCode)
	}
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request, userID string) error {
	token, err := c.tokens.AccessToken(ctx, userID)
	if err != nil {
		return fmt.Errorf("resolve access token for user: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// RefreshTokenStore looks up a user's stored OAuth refresh token.
type RefreshTokenStore interface {
	RefreshToken(ctx context.Context, userID string) (string, error)
}

// OAuthTokens is a TokenProvider that exchanges stored refresh tokens for
// access tokens, caching a reuse token source per user so tokens are only
// refreshed when they expire.
type OAuthTokens struct {
	conf  *oauth2.Config
	store RefreshTokenStore

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// NewOAuthTokens creates a token provider backed by Google's token endpoint.
func NewOAuthTokens(clientID, clientSecret string, store RefreshTokenStore) *OAuthTokens {
	return &OAuthTokens{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		},
		store:   store,
		sources: make(map[string]oauth2.TokenSource),
	}
}

// AccessToken returns a valid access token for the user, refreshing via the
// stored refresh token when needed.
func (o *OAuthTokens) AccessToken(ctx context.Context, userID string) (string, error) {
	o.mu.Lock()
	source, ok := o.sources[userID]
	o.mu.Unlock()

	if !ok {
		refresh, err := o.store.RefreshToken(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("load refresh token: %w", err)
		}
		if refresh == "" {
			return "", fmt.Errorf("no gmail account linked for user")
		}
		source = oauth2.ReuseTokenSource(nil, o.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh}))
		o.mu.Lock()
		o.sources[userID] = source
		o.mu.Unlock()
	}

	token, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}
	return token.AccessToken, nil
}
