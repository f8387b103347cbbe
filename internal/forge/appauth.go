package forge

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/reviewdeck/reviewdeck/internal/common/logger"
)

// AppAuth mints GitHub App installation tokens so reviews can be posted under
// the app's bot identity instead of the user's.
type AppAuth struct {
	appID   string
	key     *rsa.PrivateKey
	apiBase string
	client  *http.Client
	logger  *logger.Logger
}

// NewAppAuth parses the PEM private key and returns a token source.
func NewAppAuth(appID, privateKeyPEM string, log *logger.Logger) (*AppAuth, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return &AppAuth{
		appID:   appID,
		key:     key,
		apiBase: "https://api.github.com",
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  log.WithFields(zap.String("component", "app_auth")),
	}, nil
}

// signJWT produces the short-lived app JWT. The backdated iat absorbs clock
// skew between us and GitHub.
func (a *AppAuth) signJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    a.appID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
}

// InstallationToken exchanges the app JWT for an installation token scoped to
// the repository.
func (a *AppAuth) InstallationToken(ctx context.Context, repoName string) (string, error) {
	appJWT, err := a.signJWT()
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}

	var installation struct {
		ID int64 `json:"id"`
	}
	endpoint := fmt.Sprintf("/repos/%s/installation", repoName)
	if err := a.doJSON(ctx, http.MethodGet, endpoint, appJWT, nil, &installation); err != nil {
		return "", fmt.Errorf("lookup installation: %w", err)
	}

	var token struct {
		Token string `json:"token"`
	}
	endpoint = fmt.Sprintf("/app/installations/%d/access_tokens", installation.ID)
	if err := a.doJSON(ctx, http.MethodPost, endpoint, appJWT, map[string]any{}, &token); err != nil {
		return "", fmt.Errorf("create installation token: %w", err)
	}
	return token.Token, nil
}

func (a *AppAuth) doJSON(ctx context.Context, method, endpoint, bearer string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.apiBase+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("GitHub API %s returned %d: %s", endpoint, resp.StatusCode, string(data))
	}
	return json.NewDecoder(resp.Body).Decode(result)
}
