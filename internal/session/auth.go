package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/goccy/go-json"
)

// Token is an enclave session token.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Authenticator exchanges a signed challenge for a session token.
type Authenticator interface {
	Authenticate(ctx context.Context, kp *Keypair) (Token, error)
}

// HTTPAuthenticator performs the challenge/login handshake against the
// enclave auth endpoint.
type HTTPAuthenticator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAuthenticator creates an authenticator for baseURL.
func NewHTTPAuthenticator(baseURL string, timeout time.Duration) (*HTTPAuthenticator, error) {
	if baseURL == "" {
		return nil, errors.New("baseURL cannot be empty")
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPAuthenticator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type loginRequest struct {
	PubKey    string `json:"pubkey"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // unix milliseconds
}

// Authenticate requests a challenge, signs it and logs in.
func (a *HTTPAuthenticator) Authenticate(ctx context.Context, kp *Keypair) (Token, error) {
	pubkey := kp.PublicKey().String()

	challengeURL := fmt.Sprintf("%s/auth/challenge?pubkey=%s", a.baseURL, url.QueryEscape(pubkey))
	var challenge challengeResponse
	err := a.do(ctx, http.MethodGet, challengeURL, nil, &challenge)
	if err != nil {
		return Token{}, fmt.Errorf("get challenge: %w", err)
	}
	if challenge.Challenge == "" {
		return Token{}, errors.New("get challenge: empty challenge")
	}

	signature, err := kp.Sign([]byte(challenge.Challenge))
	if err != nil {
		return Token{}, fmt.Errorf("sign challenge: %w", err)
	}

	body, err := json.Marshal(loginRequest{
		PubKey:    pubkey,
		Challenge: challenge.Challenge,
		Signature: base58.Encode(signature),
	})
	if err != nil {
		return Token{}, fmt.Errorf("marshal login: %w", err)
	}

	var login loginResponse
	err = a.do(ctx, http.MethodPost, a.baseURL+"/auth/login", body, &login)
	if err != nil {
		return Token{}, fmt.Errorf("login: %w", err)
	}
	if login.Token == "" {
		return Token{}, errors.New("login: empty token")
	}

	return Token{
		Value:     login.Token,
		ExpiresAt: time.UnixMilli(login.ExpiresAt),
	}, nil
}

func (a *HTTPAuthenticator) do(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	err = json.Unmarshal(respBody, out)
	if err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	return nil
}
