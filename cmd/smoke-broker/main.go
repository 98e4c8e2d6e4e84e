package main

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Exercises a running broker end to end: sign an assertion with the pinned
// dev key, check a credential out, introspect the lease, check it back in
// and verify the repeat check-in is an idempotent success.
func main() {
	log.SetFlags(0)

	addr := os.Getenv("KEYMINT_ADDR")
	if addr == "" {
		addr = "http://localhost:8080"
	}
	keyPath := os.Getenv("KEYMINT_SMOKE_KEY")
	if keyPath == "" {
		log.Fatal("KEYMINT_SMOKE_KEY must point at the PEM private key matching a trusted public key")
	}
	subject := envOr("KEYMINT_SMOKE_SUBJECT", "repo:acme/ci:ref:refs/heads/main")
	issuer := envOr("KEYMINT_SMOKE_ISSUER", "https://token.actions.example.com")
	audience := envOr("KEYMINT_SMOKE_AUDIENCE", "keymint")
	profile := envOr("KEYMINT_SMOKE_PROFILE", "s3-readonly")

	key, err := loadPrivateKey(keyPath)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}

	now := time.Now().UTC()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": issuer,
		"sub": subject,
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
	}).SignedString(key)
	if err != nil {
		log.Fatalf("sign assertion: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var checkout struct {
		Lease struct {
			ID        string    `json:"id"`
			State     string    `json:"state"`
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"lease"`
		Credential struct {
			Secret    string    `json:"secret"`
			Ref       string    `json:"ref"`
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"credential"`
	}
	postJSON(client, addr+"/v1/checkout", map[string]any{
		"assertion":   signed,
		"profile":     profile,
		"ttl_seconds": 120,
	}, http.StatusCreated, &checkout)

	if checkout.Lease.State != "active" {
		log.Fatalf("lease not active after checkout: %s", checkout.Lease.State)
	}
	if checkout.Credential.Secret == "" {
		log.Fatal("no credential material returned")
	}
	if checkout.Credential.ExpiresAt.After(checkout.Lease.ExpiresAt) {
		log.Fatalf("credential outlives lease: %v > %v",
			checkout.Credential.ExpiresAt, checkout.Lease.ExpiresAt)
	}

	var introspected struct {
		State string `json:"state"`
	}
	getJSON(client, addr+"/v1/leases/"+checkout.Lease.ID, http.StatusOK, &introspected)
	if introspected.State != "active" {
		log.Fatalf("introspection disagrees: %s", introspected.State)
	}

	var checkin struct {
		State string `json:"state"`
	}
	postJSON(client, addr+"/v1/checkin", map[string]any{
		"lease_id": checkout.Lease.ID,
	}, http.StatusOK, &checkin)
	if checkin.State != "checked_in" {
		log.Fatalf("unexpected state after check-in: %s", checkin.State)
	}

	// Retried check-in must be an idempotent success.
	postJSON(client, addr+"/v1/checkin", map[string]any{
		"lease_id": checkout.Lease.ID,
	}, http.StatusOK, &checkin)
	if checkin.State != "checked_in" {
		log.Fatalf("retried check-in changed state: %s", checkin.State)
	}

	fmt.Printf("✅ broker smoke test passed: lease=%s\n", checkout.Lease.ID)
}

func postJSON(client *http.Client, url string, body map[string]any, wantStatus int, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("POST %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("decode %s: %v", url, err)
	}
}

func getJSON(client *http.Client, url string, wantStatus int, out any) {
	resp, err := client.Get(url)
	if err != nil {
		log.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("decode %s: %v", url, err)
	}
}

func loadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
