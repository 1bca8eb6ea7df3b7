package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/errdefs/pkg/errhttp"
	"github.com/google/uuid"

	"github.com/ashureev/clinote/internal/domain"
	"github.com/ashureev/clinote/internal/shared"
)

const maxErrorBody = 64 << 10

// HTTPProvider talks to a Supabase-style REST backend.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPProvider creates a provider for baseURL. A nil client gets a
// default with a 30s timeout.
func NewHTTPProvider(baseURL, apiKey string, client *http.Client, logger *slog.Logger) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger,
	}
}

// Connect binds creds to a connection. The tokens are not verified here.
func (p *HTTPProvider) Connect(_ context.Context, userID string, creds Credentials) (Conn, error) {
	if creds.AccessToken == "" {
		return nil, errdefs.ErrInvalidArgument.WithMessage("access token is required")
	}
	c := &httpConn{provider: p, userID: userID}
	c.tokens.set(creds)
	return c, nil
}

type httpConn struct {
	provider *HTTPProvider
	userID   string
	tokens   tokens
}

type userResponse struct {
	ID string `json:"id"`
}

type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	User         userResponse `json:"user"`
}

type errorResponse struct {
	Code             string `json:"code"`
	Message          string `json:"message"`
	Msg              string `json:"msg"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

type draftRow struct {
	ID        string    `json:"id,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Subject   string    `json:"subject"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// GetSession returns the current session, or nil when the backend no
// longer recognizes the access token.
func (c *httpConn) GetSession(ctx context.Context) (*domain.Session, error) {
	creds := c.tokens.get()
	if creds.AccessToken == "" {
		return nil, nil
	}

	var user userResponse
	err := c.do(ctx, "get session", http.MethodGet, "/auth/v1/user", nil, creds.AccessToken, nil, &user)
	if errdefs.IsUnauthorized(err) || errdefs.IsPermissionDenied(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		UserID:       user.ID,
		AccessToken:  creds.AccessToken,
		RefreshToken: creds.RefreshToken,
		ExpiresAt:    creds.ExpiresAt,
	}, nil
}

// RefreshSession exchanges the refresh token for a new session, or returns
// nil when the refresh token was rejected.
func (c *httpConn) RefreshSession(ctx context.Context) (*domain.Session, error) {
	creds := c.tokens.get()
	if creds.RefreshToken == "" {
		return nil, nil
	}

	var tok tokenResponse
	body := map[string]string{"refresh_token": creds.RefreshToken}
	err := c.do(ctx, "refresh session", http.MethodPost, "/auth/v1/token?grant_type=refresh_token", body, "", nil, &tok)
	if errdefs.IsInvalidArgument(err) || errdefs.IsUnauthorized(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	expiresAt := tok.ExpiresAt
	if expiresAt == 0 && tok.ExpiresIn > 0 {
		expiresAt = time.Now().Unix() + tok.ExpiresIn
	}
	next := Credentials{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresAt: expiresAt}
	c.tokens.set(next)

	return &domain.Session{
		UserID:       tok.User.ID,
		AccessToken:  next.AccessToken,
		RefreshToken: next.RefreshToken,
		ExpiresAt:    next.ExpiresAt,
	}, nil
}

// SignOut revokes the session and forgets its tokens.
func (c *httpConn) SignOut(ctx context.Context) error {
	creds := c.tokens.get()
	c.tokens.clear()
	if creds.AccessToken == "" {
		return nil
	}
	err := c.do(ctx, "sign out", http.MethodPost, "/auth/v1/logout", nil, creds.AccessToken, nil, nil)
	if errdefs.IsUnauthorized(err) || errdefs.IsNotFound(err) {
		return nil
	}
	return err
}

// CreateRecord inserts a draft row and returns it.
func (c *httpConn) CreateRecord(ctx context.Context, payload domain.DraftPayload) (*domain.DraftRecord, error) {
	row := draftRow{
		ID:      uuid.NewString(),
		OwnerID: c.userID,
		Subject: payload.Subject,
		Content: payload.Content,
	}
	return c.writeDraft(ctx, "create draft", http.MethodPost, "/rest/v1/drafts", row)
}

// UpdateRecord patches the draft row id.
func (c *httpConn) UpdateRecord(ctx context.Context, id string, payload domain.DraftPayload) (*domain.DraftRecord, error) {
	path := "/rest/v1/drafts?id=eq." + url.QueryEscape(id)
	row := draftRow{Subject: payload.Subject, Content: payload.Content}
	return c.writeDraft(ctx, "update draft", http.MethodPatch, path, row)
}

func (c *httpConn) writeDraft(ctx context.Context, op, method, path string, row draftRow) (*domain.DraftRecord, error) {
	var rows []draftRow
	headers := map[string]string{"Prefer": "return=representation"}
	if err := c.do(ctx, op, method, path, row, c.tokens.get().AccessToken, headers, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		// Row-level security hides rows the caller may not write.
		return nil, &shared.BackendError{
			Status:  http.StatusOK,
			Message: op + " matched no rows",
			Err:     errdefs.ErrPermissionDenied,
		}
	}
	r := rows[0]
	return &domain.DraftRecord{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		Subject:   r.Subject,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}

func (c *httpConn) do(ctx context.Context, op, method, path string, in any, bearer string, headers map[string]string, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.provider.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("apikey", c.provider.apiKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.provider.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &shared.NetworkError{Op: op, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.provider.logger.Debug("Failed to close response body", "op", op, "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body errorResponse
	_ = json.Unmarshal(raw, &body)

	msg := firstNonEmpty(body.Message, body.Msg, body.ErrorDescription, body.Error)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	code := body.Code
	if code == "" && body.Error != "" && body.Error != msg {
		code = body.Error
	}

	native := errhttp.ToNative(resp.StatusCode)
	if errdefs.IsUnknown(native) && resp.StatusCode >= 500 {
		native = errors.Join(native, errdefs.ErrUnavailable)
	}
	return &shared.BackendError{
		Status:  resp.StatusCode,
		Code:    code,
		Message: msg,
		Err:     native,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
