package daraja

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type TokenManagerConfig struct {
	ConsumerKey    string
	ConsumerSecret string
	TokenURL       string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	// Daraja returns expires_in as a JSON string ("3599").
	ExpiresIn json.Number `json:"expires_in"`
}

// TokenManager caches the OAuth access token and refreshes it shortly before
// expiry. Safe for concurrent use.
type TokenManager struct {
	client       *http.Client
	cfg          TokenManagerConfig
	now          func() time.Time
	refreshSkew  time.Duration
	mu           sync.Mutex
	cachedToken  string
	cachedExpiry time.Time
}

func NewTokenManager(cfg TokenManagerConfig, client *http.Client) *TokenManager {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		cfg.TokenURL = "https://sandbox.safaricom.co.ke/oauth/v1/generate?grant_type=client_credentials"
	}
	return &TokenManager{
		client:      client,
		cfg:         cfg,
		now:         time.Now,
		refreshSkew: 30 * time.Second,
	}
}

func (tm *TokenManager) AccessToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := tm.now()
	if tm.cachedToken != "" && now.Before(tm.cachedExpiry.Add(-tm.refreshSkew)) {
		return tm.cachedToken, nil
	}

	if err := tm.refreshLocked(ctx); err != nil {
		return "", err
	}
	return tm.cachedToken, nil
}

func (tm *TokenManager) refreshLocked(ctx context.Context) error {
	if strings.TrimSpace(tm.cfg.ConsumerKey) == "" || strings.TrimSpace(tm.cfg.ConsumerSecret) == "" {
		return fmt.Errorf("daraja consumer credentials are required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tm.cfg.TokenURL, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(tm.cfg.ConsumerKey, tm.cfg.ConsumerSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := tm.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("daraja oauth token request failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode daraja token response: %w", err)
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return fmt.Errorf("daraja oauth token response missing access_token")
	}

	expiresIn, err := parsed.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		expiresIn = 300
	}
	tm.cachedToken = strings.TrimSpace(parsed.AccessToken)
	tm.cachedExpiry = tm.now().Add(time.Duration(expiresIn) * time.Second)
	return nil
}
