package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"keymint.dev/internal/audit"
	"keymint.dev/internal/broker"
	"keymint.dev/internal/issuer"
	"keymint.dev/internal/lease"
)

type checkoutRequest struct {
	Assertion  string `json:"assertion"`
	Profile    string `json:"profile"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type checkoutResponse struct {
	Lease      lease.Lease       `json:"lease"`
	Credential issuer.Credential `json:"credential"`
}

type checkinRequest struct {
	LeaseID string `json:"lease_id"`
}

type listAuditResponse struct {
	Items     []audit.Record `json:"items"`
	NextAfter uint64         `json:"next_after"`
	AsOf      time.Time      `json:"as_of"`
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Assertion) == "" {
		writeError(w, r, http.StatusBadRequest, "assertion is required")
		return
	}
	if strings.TrimSpace(req.Profile) == "" {
		writeError(w, r, http.StatusBadRequest, "profile is required")
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, r, http.StatusBadRequest, "ttl_seconds must be >= 0")
		return
	}

	res, err := a.broker.Checkout(r.Context(), broker.CheckoutRequest{
		Assertion: req.Assertion,
		Profile:   req.Profile,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		handleBrokerError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/leases/"+res.Lease.ID)
	writeJSON(w, http.StatusCreated, checkoutResponse{
		Lease:      res.Lease,
		Credential: res.Credential,
	})
}

func (a *API) handleCheckin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req checkinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.LeaseID) == "" {
		writeError(w, r, http.StatusBadRequest, "lease_id is required")
		return
	}

	l, err := a.broker.CheckIn(r.Context(), req.LeaseID)
	if err != nil {
		handleBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) handleLeaseResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/leases/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	l, err := a.broker.Lease(r.Context(), id)
	if err != nil {
		handleBrokerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.audits == nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit reader unavailable")
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.audits.List(r.Context(), after, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, listAuditResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

// handleBrokerError maps the reason taxonomy onto HTTP statuses. Denials are
// reported generically; the precise reason is in the audit stream only.
func handleBrokerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, lease.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "lease not found")
		return
	}
	code := broker.CodeOf(err)
	switch {
	case code.Denial():
		writeError(w, r, http.StatusUnauthorized, "authentication or authorization failed")
	case code == broker.CodeLeaseConflict:
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusConflict, string(code))
	case code == broker.CodeIssuanceFailed:
		writeError(w, r, http.StatusBadGateway, string(code))
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
