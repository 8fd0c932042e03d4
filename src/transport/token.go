package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/square-key-labs/voiceline-ai/src/logger"
	"github.com/square-key-labs/voiceline-ai/src/ratelimit"
)

// HTTPCredentialSource mints ephemeral session tokens from the remote
// service's session-creation endpoint. The returned token is opaque, scoped
// to one call and never logged.
type HTTPCredentialSource struct {
	baseURL    string
	apiKey     string
	model      string
	voice      string
	httpClient *http.Client
	log        *logger.Logger
}

// CredentialConfig configures an HTTPCredentialSource
type CredentialConfig struct {
	// BaseURL is the realtime API root, e.g. https://api.openai.com/v1/realtime
	BaseURL string
	// APIKey is the long-lived key used only to mint ephemeral tokens.
	APIKey string
	// Model and Voice are baked into the minted session.
	Model string
	Voice string
	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// NewHTTPCredentialSource creates a credential source for the given endpoint
func NewHTTPCredentialSource(cfg CredentialConfig) *HTTPCredentialSource {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &HTTPCredentialSource{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		voice:      cfg.Voice,
		httpClient: cfg.HTTPClient,
		log:        logger.WithPrefix("Credentials"),
	}
}

// ephemeralTokenResponse is the session-creation API response
type ephemeralTokenResponse struct {
	ID           string `json:"id"`
	ExpiresAt    int64  `json:"expires_at"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// EphemeralToken mints one time-boxed session token
func (s *HTTPCredentialSource) EphemeralToken(ctx context.Context) (string, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model": s.model,
		"voice": s.voice,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("credential request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("credential request returned %d: %s", resp.StatusCode, detail)
	}

	var tokenResp ephemeralTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("malformed credential response: %w", err)
	}
	if tokenResp.ClientSecret.Value == "" {
		return "", fmt.Errorf("credential response missing client secret")
	}

	s.log.Debug("minted ephemeral token for session %s", tokenResp.ID)
	return tokenResp.ClientSecret.Value, nil
}

// TokenRelay is an HTTP handler that mints ephemeral tokens for browser or
// edge clients, rate-limited per caller identity through an injected keyed
// limiter rather than an ad hoc global map.
type TokenRelay struct {
	source  *HTTPCredentialSource
	limiter *ratelimit.KeyedLimiter
	log     *logger.Logger
}

// NewTokenRelay creates a relay handler backed by the given credential source
func NewTokenRelay(source *HTTPCredentialSource, limiter *ratelimit.KeyedLimiter) *TokenRelay {
	return &TokenRelay{
		source:  source,
		limiter: limiter,
		log:     logger.WithPrefix("TokenRelay"),
	}
}

func (t *TokenRelay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := callerKey(r)
	if t.limiter != nil && !t.limiter.Allow(key) {
		t.log.Warn("rate limited caller %s", key)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	token, err := t.source.EphemeralToken(r.Context())
	if err != nil {
		t.log.Error("token mint failed: %v", err)
		http.Error(w, "could not create session", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// callerKey identifies the caller for rate limiting
func callerKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
