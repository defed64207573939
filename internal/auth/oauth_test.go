package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOAuthFlow() *OAuthFlow {
	return NewOAuthFlow(OAuthConfig{
		GoogleClientID: "google-client",
		AppleClientID:  "apple-client",
		Discover: func(ctx context.Context, issuer string) (oauth2.Endpoint, error) {
			return oauth2.Endpoint{AuthURL: issuer + "/authorize", TokenURL: issuer + "/token"}, nil
		},
	})
}

func beginFlow(t *testing.T, flow *OAuthFlow, provider string) url.Values {
	t.Helper()
	authURL, err := flow.Begin(context.Background(), provider)
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query()
}

func TestOAuthFlowDeliversCodeWithPKCE(t *testing.T) {
	flow := newTestOAuthFlow()
	q := beginFlow(t, flow, "Google")

	assert.Equal(t, "google-client", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Contains(t, q.Get("scope"), "openid")
	redirect := q.Get("redirect_uri")
	require.NotEmpty(t, redirect)

	resp, err := http.Get(redirect + "?code=auth-code&state=" + url.QueryEscape(q.Get("state")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	provider, req, err := flow.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProviderGoogle, provider)
	assert.Equal(t, "auth-code", req.Code)
	assert.Equal(t, q.Get("state"), req.State)
	assert.Equal(t, redirect, req.RedirectURI)

	sum := sha256.Sum256([]byte(req.CodeVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
}

func TestOAuthFlowRejectsStateMismatch(t *testing.T) {
	flow := newTestOAuthFlow()
	q := beginFlow(t, flow, ProviderApple)

	resp, err := http.Get(q.Get("redirect_uri") + "?code=auth-code&state=forged")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), ErrOAuthStateMismatch.Error())

	// O login pendente continua esperando o callback legítimo
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = flow.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOAuthFlowAcceptsFormPost(t *testing.T) {
	flow := newTestOAuthFlow()
	q := beginFlow(t, flow, ProviderApple)

	resp, err := http.PostForm(q.Get("redirect_uri"), url.Values{"code": {"apple-code"}, "state": {q.Get("state")}})
	require.NoError(t, err)
	resp.Body.Close()

	provider, req, err := flow.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProviderApple, provider)
	assert.Equal(t, "apple-code", req.Code)
}

func TestOAuthFlowSurfacesProviderError(t *testing.T) {
	flow := newTestOAuthFlow()
	q := beginFlow(t, flow, ProviderGoogle)

	resp, err := http.Get(q.Get("redirect_uri") + "?error=access_denied&state=" + url.QueryEscape(q.Get("state")))
	require.NoError(t, err)
	resp.Body.Close()

	_, _, err = flow.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access_denied")
}

func TestOAuthFlowRejectsSecondConcurrentBegin(t *testing.T) {
	flow := newTestOAuthFlow()
	beginFlow(t, flow, ProviderGoogle)
	defer func() {
		flow.Cancel()
		_, _, _ = flow.Wait(context.Background())
	}()

	_, err := flow.Begin(context.Background(), ProviderApple)
	assert.ErrorIs(t, err, ErrOAuthInProgress)
}

func TestOAuthFlowValidatesProvider(t *testing.T) {
	flow := NewOAuthFlow(OAuthConfig{GoogleClientID: "g"})

	_, err := flow.Begin(context.Background(), "github")
	assert.Error(t, err)
	_, err = flow.Begin(context.Background(), ProviderApple)
	assert.Error(t, err)
	_, _, err = flow.Wait(context.Background())
	assert.ErrorIs(t, err, ErrOAuthNotStarted)
}

func TestOAuthFlowFallsBackToStaticEndpoints(t *testing.T) {
	flow := NewOAuthFlow(OAuthConfig{
		AppleClientID: "apple-client",
		Discover: func(ctx context.Context, issuer string) (oauth2.Endpoint, error) {
			return oauth2.Endpoint{}, context.DeadlineExceeded
		},
	})
	authURL, err := flow.Begin(context.Background(), ProviderApple)
	require.NoError(t, err)
	defer func() {
		flow.Cancel()
		_, _, _ = flow.Wait(context.Background())
	}()
	assert.Contains(t, authURL, "https://appleid.apple.com/auth/authorize")
}

func TestLoginWithProviderCompletesSession(t *testing.T) {
	f := newServiceFixture(t)
	flow := newTestOAuthFlow()

	open := func(authURL string) error {
		u, err := url.Parse(authURL)
		if err != nil {
			return err
		}
		q := u.Query()
		go func() {
			resp, err := http.Get(q.Get("redirect_uri") + "?code=c1&state=" + url.QueryEscape(q.Get("state")))
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}

	require.NoError(t, f.svc.LoginWithProvider(context.Background(), flow, ProviderGoogle, open))
	assert.True(t, f.svc.State().IsAuthenticated)
	require.Len(t, f.backend.oauthCalls, 1)
	assert.Equal(t, "c1", f.backend.oauthCalls[0].Code)
	assert.NotEmpty(t, f.backend.oauthCalls[0].CodeVerifier)
}
