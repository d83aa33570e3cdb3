package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

type cognitoStub struct {
	logins           int
	refreshes        int
	lastRefreshToken string
	rejectLogin      bool
	omitRefreshToken bool
	refreshExpiresIn int
}

func (s *cognitoStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req initiateAuthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch req.AuthFlow {
		case flowPassword:
			s.logins++
			if s.rejectLogin {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{
					"__type":  "NotAuthorizedException",
					"message": "Incorrect username or password.",
				})
				return
			}
			writeTokens(w, "id-1", "access-1", "refresh-1", 3600)
		case flowRefresh:
			s.refreshes++
			s.lastRefreshToken = req.AuthParameters["REFRESH_TOKEN"]
			expiresIn := s.refreshExpiresIn
			if expiresIn == 0 {
				expiresIn = 3600
			}
			refresh := "refresh-2"
			if s.omitRefreshToken {
				refresh = ""
			}
			writeTokens(w, "id-2", "access-2", refresh, expiresIn)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}
}

func writeTokens(w http.ResponseWriter, id, access, refresh string, expiresIn int) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"AuthenticationResult": map[string]interface{}{
			"IdToken":      id,
			"AccessToken":  access,
			"RefreshToken": refresh,
			"ExpiresIn":    expiresIn,
		},
	})
}

func newTestClient(t *testing.T, stub *cognitoStub) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(stub.handler())
	t.Cleanup(server.Close)

	client := NewClient("test-client-id", zap.NewNop())
	client.endpoint = server.URL
	return client, server
}

func TestLoginStoresFullTokenSet(t *testing.T) {
	stub := &cognitoStub{}
	client, _ := newTestClient(t, stub)

	if err := client.Login(context.Background(), "user", "pass"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}

	if !client.Valid() {
		t.Error("Expected tokens to be valid after login")
	}

	token, err := client.IdentityToken(context.Background())
	if err != nil {
		t.Fatalf("IdentityToken returned error: %v", err)
	}
	if token != "id-1" {
		t.Errorf("Expected identity token 'id-1', got '%s'", token)
	}
	if stub.refreshes != 0 {
		t.Errorf("Expected no refresh with a fresh token, got %d", stub.refreshes)
	}
}

func TestLoginRejected(t *testing.T) {
	stub := &cognitoStub{rejectLogin: true}
	client, _ := newTestClient(t, stub)

	err := client.Login(context.Background(), "user", "wrong")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthError, got %v", err)
	}
	if client.Valid() {
		t.Error("Expected invalid token state after rejected login")
	}
}

func TestExpiredTokenTriggersExactlyOneRefresh(t *testing.T) {
	stub := &cognitoStub{}
	client, _ := newTestClient(t, stub)

	if err := client.Login(context.Background(), "user", "pass"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}

	// Move the clock past issued_at + expires_in
	client.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if client.Valid() {
		t.Error("Expected expired tokens to be reported invalid")
	}

	token, err := client.IdentityToken(context.Background())
	if err != nil {
		t.Fatalf("IdentityToken returned error: %v", err)
	}
	if token != "id-2" {
		t.Errorf("Expected refreshed identity token 'id-2', got '%s'", token)
	}
	if stub.refreshes != 1 {
		t.Errorf("Expected exactly one refresh, got %d", stub.refreshes)
	}

	// A second call inside the new validity window must not refresh again
	if _, err := client.AccessToken(context.Background()); err != nil {
		t.Fatalf("AccessToken returned error: %v", err)
	}
	if stub.refreshes != 1 {
		t.Errorf("Expected still one refresh, got %d", stub.refreshes)
	}
}

func TestRefreshPreservesRefreshTokenWhenOmitted(t *testing.T) {
	stub := &cognitoStub{omitRefreshToken: true}
	client, _ := newTestClient(t, stub)

	if err := client.Login(context.Background(), "user", "pass"); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if err := client.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}

	// The next refresh must still carry the token issued at login
	if err := client.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh returned error: %v", err)
	}
	if stub.lastRefreshToken != "refresh-1" {
		t.Errorf("Expected preserved refresh token 'refresh-1', got '%s'", stub.lastRefreshToken)
	}
}

func TestRefreshWithoutTokens(t *testing.T) {
	stub := &cognitoStub{}
	client, _ := newTestClient(t, stub)

	err := client.Refresh(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthError when no refresh token is held, got %v", err)
	}
}
