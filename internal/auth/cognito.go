package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	cognitoRegion   = "us-east-2"
	cognitoTarget   = "AWSCognitoIdentityProviderService.InitiateAuth"
	flowPassword    = "USER_PASSWORD_AUTH"
	flowRefresh     = "REFRESH_TOKEN_AUTH"
	cognitoMimeType = "application/x-amz-json-1.1"
)

// AuthError indicates the identity provider rejected a login or refresh,
// or that no usable token material is held.
type AuthError struct {
	Op      string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s failed: %s", e.Op, e.Message)
}

// TokenSet holds the tokens issued by Cognito. It is either absent or
// fully populated; partial sets are never stored.
type TokenSet struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	IssuedAt     time.Time
}

// Expiry returns the instant at which the access/identity tokens go stale.
func (t *TokenSet) Expiry() time.Time {
	return t.IssuedAt.Add(t.ExpiresIn)
}

// Client manages the Cognito token lifecycle for a single set of
// credentials. Refresh is serialized behind a mutex so concurrent callers
// cannot race the refresh token.
type Client struct {
	clientID string
	endpoint string
	http     *http.Client
	logger   *zap.Logger

	mu     sync.Mutex
	tokens *TokenSet
	now    func() time.Time
}

// NewClient creates a Cognito client for the given app client ID
func NewClient(clientID string, logger *zap.Logger) *Client {
	return &Client{
		clientID: clientID,
		endpoint: fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/", cognitoRegion),
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		now:      time.Now,
	}
}

type initiateAuthRequest struct {
	AuthFlow       string            `json:"AuthFlow"`
	AuthParameters map[string]string `json:"AuthParameters"`
	ClientID       string            `json:"ClientId"`
}

type initiateAuthResponse struct {
	AuthenticationResult struct {
		IdToken      string `json:"IdToken"`
		AccessToken  string `json:"AccessToken"`
		RefreshToken string `json:"RefreshToken"`
		ExpiresIn    int    `json:"ExpiresIn"`
	} `json:"AuthenticationResult"`
}

type cognitoError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// Login authenticates with username/password and stores the issued TokenSet
func (c *Client) Login(ctx context.Context, username, password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	result, err := c.initiateAuth(ctx, "login", initiateAuthRequest{
		AuthFlow: flowPassword,
		AuthParameters: map[string]string{
			"USERNAME": username,
			"PASSWORD": password,
		},
		ClientID: c.clientID,
	})
	if err != nil {
		return err
	}

	c.tokens = &TokenSet{
		IDToken:      result.AuthenticationResult.IdToken,
		AccessToken:  result.AuthenticationResult.AccessToken,
		RefreshToken: result.AuthenticationResult.RefreshToken,
		ExpiresIn:    time.Duration(result.AuthenticationResult.ExpiresIn) * time.Second,
		IssuedAt:     c.now(),
	}
	c.logger.Info("authenticated with identity provider",
		zap.Time("token_expiry", c.tokens.Expiry()))
	return nil
}

// Valid reports whether a TokenSet is held and not yet expired
func (c *Client) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validLocked()
}

func (c *Client) validLocked() bool {
	if c.tokens == nil {
		return false
	}
	return c.now().Before(c.tokens.Expiry())
}

// Refresh obtains new identity/access tokens using the stored refresh token.
// Cognito does not always return a new refresh token; the old one is kept
// when the response omits it.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshLocked(ctx)
}

func (c *Client) refreshLocked(ctx context.Context) error {
	if c.tokens == nil || c.tokens.RefreshToken == "" {
		return &AuthError{Op: "refresh", Message: "no refresh token available"}
	}

	result, err := c.initiateAuth(ctx, "refresh", initiateAuthRequest{
		AuthFlow: flowRefresh,
		AuthParameters: map[string]string{
			"REFRESH_TOKEN": c.tokens.RefreshToken,
		},
		ClientID: c.clientID,
	})
	if err != nil {
		return err
	}

	refreshToken := result.AuthenticationResult.RefreshToken
	if refreshToken == "" {
		refreshToken = c.tokens.RefreshToken
	}
	c.tokens = &TokenSet{
		IDToken:      result.AuthenticationResult.IdToken,
		AccessToken:  result.AuthenticationResult.AccessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    time.Duration(result.AuthenticationResult.ExpiresIn) * time.Second,
		IssuedAt:     c.now(),
	}
	c.logger.Info("refreshed identity tokens",
		zap.Time("token_expiry", c.tokens.Expiry()))
	return nil
}

// IdentityToken returns a valid identity token, refreshing first if needed
func (c *Client) IdentityToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.validLocked() {
		if err := c.refreshLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.tokens.IDToken, nil
}

// AccessToken returns a valid access token, refreshing first if needed
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.validLocked() {
		if err := c.refreshLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.tokens.AccessToken, nil
}

func (c *Client) initiateAuth(ctx context.Context, op string, payload initiateAuthRequest) (*initiateAuthResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", cognitoMimeType)
	req.Header.Set("X-Amz-Target", cognitoTarget)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode != http.StatusOK {
		var cogErr cognitoError
		if json.Unmarshal(respBody, &cogErr) == nil && cogErr.Type != "" {
			return nil, &AuthError{Op: op, Message: fmt.Sprintf("%s: %s", cogErr.Type, cogErr.Message)}
		}
		return nil, &AuthError{Op: op, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var result initiateAuthResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	if result.AuthenticationResult.IdToken == "" || result.AuthenticationResult.AccessToken == "" {
		return nil, &AuthError{Op: op, Message: "response missing authentication result"}
	}
	return &result, nil
}
