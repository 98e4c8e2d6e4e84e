package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPMinter speaks the provider's mint/revoke JSON API. Transport failures
// and 5xx responses are transient; 401/403 map to ErrProviderDenied.
type HTTPMinter struct {
	client    *http.Client
	mintURL   string
	revokeURL string
	token     string
}

// NewHTTPMinter builds a client for the configured provider endpoints.
// token, if non-empty, is sent as a bearer credential.
func NewHTTPMinter(mintURL, revokeURL, token string) *HTTPMinter {
	return &HTTPMinter{
		client:    &http.Client{Timeout: 30 * time.Second},
		mintURL:   mintURL,
		revokeURL: revokeURL,
		token:     token,
	}
}

type mintResponse struct {
	Secret    string    `json:"secret"`
	Ref       string    `json:"ref"`
	Resource  string    `json:"resource"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (m *HTTPMinter) Mint(ctx context.Context, req MintRequest) (Credential, error) {
	var out mintResponse
	if err := m.post(ctx, m.mintURL, req, &out); err != nil {
		return Credential{}, err
	}
	if out.Secret == "" {
		return Credential{}, fmt.Errorf("provider returned no credential material")
	}
	return Credential{
		Secret:    out.Secret,
		Ref:       out.Ref,
		Resource:  out.Resource,
		ExpiresAt: out.ExpiresAt,
	}, nil
}

func (m *HTTPMinter) Revoke(ctx context.Context, credentialRef string) error {
	body := map[string]string{"ref": credentialRef}
	err := m.post(ctx, m.revokeURL, body, nil)
	if err != nil && isNotFound(err) {
		// Already gone at the provider; revocation is satisfied.
		return nil
	}
	return err
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.code == http.StatusNotFound
}

func (m *HTTPMinter) post(ctx context.Context, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrProviderDenied, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &statusError{code: resp.StatusCode, body: string(snippet)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
