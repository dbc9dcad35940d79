package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rforum/rforum-go/internal/model"
)

var ErrBaseURLRequired = errors.New("restapi: base url required")

// TokenSource supplies the bearer token attached to authenticated
// requests. A nil source (or an empty token) leaves requests anonymous,
// which is all a guest participant ever needs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource holding one fixed token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// APIError carries the platform's {detail} error body plus HTTP status.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("restapi: http %d: %s", e.StatusCode, e.Detail)
}

// Config configures one REST client.
type Config struct {
	BaseURL string
	APIBase string // path prefix, default "/api"
	Timeout time.Duration
}

func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.APIBase) == "" {
		c.APIBase = "/api"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Client talks to the session/slide/response REST collaborator. It is
// the baseline source for the reconciliation store and the mutation
// surface for presenter/participant tooling.
type Client struct {
	baseURL string
	apiBase string
	http    *http.Client
	tokens  TokenSource
	logger  zerolog.Logger
}

func NewClient(cfg Config, tokens TokenSource, logger zerolog.Logger) (*Client, error) {
	cfg = cfg.WithDefaults()
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrBaseURLRequired
	}
	return &Client{
		baseURL: base,
		apiBase: "/" + strings.Trim(cfg.APIBase, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		logger:  logger,
	}, nil
}

// NewGuestIdentifier mints the opaque string correlating repeated
// submissions from one anonymous participant.
func NewGuestIdentifier() string {
	return uuid.NewString()
}

// ── Auth ──────────────────────────────────────────────

func (c *Client) Register(ctx context.Context, email, password string) (model.User, error) {
	var out model.User
	in := map[string]string{"email": email, "password": password}
	err := c.do(ctx, http.MethodPost, "/auth/register", in, &out)
	return out, err
}

// Login exchanges credentials for a bearer token. The endpoint takes a
// form body, not JSON.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	form := url.Values{}
	form.Set("username", email)
	form.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+c.apiBase+"/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", decodeAPIError(resp)
	}
	var token struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return "", fmt.Errorf("restapi: decode token: %w", err)
	}
	return token.AccessToken, nil
}

// ── Sessions ──────────────────────────────────────────

func (c *Client) CreateSession(ctx context.Context, title string) (model.Session, error) {
	var out model.Session
	err := c.do(ctx, http.MethodPost, "/sessions/", map[string]string{"title": title}, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context) ([]model.Session, error) {
	var out []model.Session
	err := c.do(ctx, http.MethodGet, "/sessions/", nil, &out)
	return out, err
}

func (c *Client) GetSession(ctx context.Context, id string) (model.Session, error) {
	var out model.Session
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// SessionUpdate patches mutable session fields; nil fields are left
// untouched.
type SessionUpdate struct {
	Title  *string `json:"title,omitempty"`
	IsLive *bool   `json:"is_live,omitempty"`
}

func (c *Client) UpdateSession(ctx context.Context, id string, update SessionUpdate) (model.Session, error) {
	var out model.Session
	err := c.do(ctx, http.MethodPatch, "/sessions/"+url.PathEscape(id), update, &out)
	return out, err
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

// JoinSession resolves a join code to its session. Codes are
// case-insensitive; the server canonicalizes them. The reply seeds the
// reconciliation baseline, so a structurally bad session is rejected
// here rather than installed.
func (c *Client) JoinSession(ctx context.Context, code string) (model.Session, error) {
	var out model.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/join/"+url.PathEscape(strings.TrimSpace(code)), nil, &out); err != nil {
		return model.Session{}, err
	}
	if err := out.Validate(); err != nil {
		return model.Session{}, err
	}
	return out, nil
}

// ── Slides ────────────────────────────────────────────

// SlideCreate is the presenter-side slide creation payload.
type SlideCreate struct {
	Type    model.SlideType `json:"type"`
	Order   int             `json:"order"`
	Content json.RawMessage `json:"content_json,omitempty"`
}

func (c *Client) CreateSlide(ctx context.Context, sessionID string, in SlideCreate) (model.Slide, error) {
	var out model.Slide
	err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/slides/", in, &out)
	return out, err
}

func (c *Client) ListSlides(ctx context.Context, sessionID string) ([]model.Slide, error) {
	var out []model.Slide
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/slides/", nil, &out)
	return out, err
}

// SlideUpdate patches mutable slide fields; nil fields are left
// untouched.
type SlideUpdate struct {
	Order    *int            `json:"order,omitempty"`
	Content  json.RawMessage `json:"content_json,omitempty"`
	IsActive *bool           `json:"is_active,omitempty"`
}

func (c *Client) UpdateSlide(ctx context.Context, sessionID, slideID string, update SlideUpdate) (model.Slide, error) {
	var out model.Slide
	err := c.do(ctx, http.MethodPatch,
		"/sessions/"+url.PathEscape(sessionID)+"/slides/"+url.PathEscape(slideID), update, &out)
	return out, err
}

func (c *Client) DeleteSlide(ctx context.Context, sessionID, slideID string) error {
	return c.do(ctx, http.MethodDelete,
		"/sessions/"+url.PathEscape(sessionID)+"/slides/"+url.PathEscape(slideID), nil, nil)
}

// ── Responses ─────────────────────────────────────────

// ResponseCreate is a participant submission. GuestIdentifier must be
// stable across submissions from the same participant; mint one with
// NewGuestIdentifier.
type ResponseCreate struct {
	Value           string `json:"value"`
	GuestIdentifier string `json:"guest_identifier"`
	Name            string `json:"name,omitempty"`
	Rating          int    `json:"rating,omitempty"`
}

func (c *Client) SubmitResponse(ctx context.Context, slideID string, in ResponseCreate) (model.Response, error) {
	var out model.Response
	err := c.do(ctx, http.MethodPost, "/slides/"+url.PathEscape(slideID)+"/responses/", in, &out)
	return out, err
}

func (c *Client) ListResponses(ctx context.Context, slideID string) ([]model.Response, error) {
	var out []model.Response
	err := c.do(ctx, http.MethodGet, "/slides/"+url.PathEscape(slideID)+"/responses/", nil, &out)
	return out, err
}

func (c *Client) UpvoteResponse(ctx context.Context, slideID, responseID string) (model.Response, error) {
	var out model.Response
	err := c.do(ctx, http.MethodPost,
		"/slides/"+url.PathEscape(slideID)+"/responses/"+url.PathEscape(responseID)+"/upvote", nil, &out)
	return out, err
}

// ── plumbing ──────────────────────────────────────────

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("restapi: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+c.apiBase+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("restapi: token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp)
		c.logger.Warn().
			Str("method", method).
			Str("path", path).
			Int("status", resp.StatusCode).
			Msg("api error")
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("restapi: decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Detail: "unknown error"}
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && strings.TrimSpace(body.Detail) != "" {
		apiErr.Detail = body.Detail
	}
	return apiErr
}
