package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrReauthRequired signals that the stored credentials are no longer
// usable and a full re-authentication is needed. The orchestrator never
// recovers from this itself; it surfaces the condition to its caller.
var ErrReauthRequired = errors.New("re-authentication required")

// TokenSource holds the access/refresh token pair and performs the
// refresh exchange. Concurrent 401s coalesce on a single refresh attempt;
// all waiters receive the same new token or the same failure.
type TokenSource struct {
	refreshURL string
	hc         *http.Client

	mu      sync.Mutex
	access  string
	refresh string

	group singleflight.Group
}

// NewTokenSource creates a TokenSource exchanging refresh tokens at
// refreshURL.
func NewTokenSource(refreshURL, accessToken, refreshToken string, hc *http.Client) *TokenSource {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &TokenSource{
		refreshURL: refreshURL,
		hc:         hc,
		access:     accessToken,
		refresh:    refreshToken,
	}
}

// Access returns the current access token ("" when unauthenticated).
func (t *TokenSource) Access() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.access
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges the refresh token for a new access token. Only one
// exchange is in flight at a time; concurrent callers share its result.
// Failure to refresh means the credentials are gone: ErrReauthRequired.
func (t *TokenSource) Refresh(ctx context.Context) (string, error) {
	v, err, _ := t.group.Do("refresh", func() (any, error) {
		return t.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (t *TokenSource) doRefresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	refresh := t.refresh
	t.mu.Unlock()

	if refresh == "" {
		return "", ErrReauthRequired
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refresh})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("refresh rejected with status %d: %w", resp.StatusCode, ErrReauthRequired)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("refresh returned empty access token: %w", ErrReauthRequired)
	}

	t.mu.Lock()
	t.access = out.AccessToken
	if out.RefreshToken != "" {
		t.refresh = out.RefreshToken
	}
	t.mu.Unlock()

	return out.AccessToken, nil
}
