package chain

import (
	"net/http"
)

// bearerTransport attaches a session token to every request and invalidates
// the token when the endpoint refuses it.
type bearerTransport struct {
	base     http.RoundTripper
	tokens   TokenSource
	endpoint string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.tokens.Token(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, &SessionError{Endpoint: t.endpoint, Err: err}
	}

	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.base.RoundTrip(authed)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		t.tokens.Invalidate(token)
	}

	return resp, nil
}
