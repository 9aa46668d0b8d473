package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"onetime.secret/config"
	"onetime.secret/internal/models"
	"onetime.secret/internal/secret"
)

// Lifecycle is the part of the secret manager the HTTP layer drives.
type Lifecycle interface {
	Create(ctx context.Context, req secret.CreateRequest) (secret.Handle, error)
	Fetch(ctx context.Context, id string, password *string, requester models.Requester) (secret.FetchResult, error)
	VerifyPassword(ctx context.Context, id string, password string) (bool, error)
}

type Handler struct {
	secrets Lifecycle
	config  *config.Config
}

func NewHandler(l Lifecycle, cfg *config.Config) *Handler {
	return &Handler{
		secrets: l,
		config:  cfg,
	}
}

// CreateRequest carries ciphertext and iv exactly as the client encoded them.
// ExpiresIn (minutes) is accepted for older clients when TTLSeconds is absent.
type CreateRequest struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	TTLSeconds *int64 `json:"ttlSeconds,omitempty"`
	ExpiresIn  *int64 `json:"expiresIn,omitempty"`
	Password   string `json:"password,omitempty"`
}

type CreateResponse struct {
	ID        string    `json:"id"`
	SecretURL string    `json:"secretUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type PayloadResponse struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

type PasswordRequiredResponse struct {
	PasswordRequired bool `json:"passwordRequired"`
}

type PasswordRequest struct {
	Password *string `json:"password"`
}

type VerifyResponse struct {
	Valid bool `json:"valid"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateSecret(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.Ciphertext == "" || req.IV == "" {
		h.error(w, http.StatusBadRequest, "missing ciphertext or iv")
		return
	}

	var ttl time.Duration
	switch {
	case req.TTLSeconds != nil:
		if !h.ttlInRange(w, "ttlSeconds", *req.TTLSeconds, time.Second) {
			return
		}
		ttl = time.Duration(*req.TTLSeconds) * time.Second
	case req.ExpiresIn != nil:
		if !h.ttlInRange(w, "expiresIn", *req.ExpiresIn, time.Minute) {
			return
		}
		ttl = time.Duration(*req.ExpiresIn) * time.Minute
	}

	handle, err := h.secrets.Create(r.Context(), secret.CreateRequest{
		Ciphertext: []byte(req.Ciphertext),
		IV:         []byte(req.IV),
		TTL:        ttl,
		Password:   req.Password,
		Requester:  requesterOf(r),
	})
	if err != nil {
		h.handleLifecycleError(w, r, err)
		return
	}

	h.json(w, http.StatusCreated, CreateResponse{
		ID:        handle.ID,
		SecretURL: strings.TrimRight(h.config.Server.BaseURL, "/") + "/secret/" + handle.ID,
		ExpiresAt: handle.ExpiresAt,
	})
}

// GetSecret retrieves an ungated secret, or tells the client a password is needed.
func (h *Handler) GetSecret(w http.ResponseWriter, r *http.Request) {
	h.fetch(w, r, nil)
}

// UnlockSecret retrieves a password-gated secret.
func (h *Handler) UnlockSecret(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Password == nil {
		h.error(w, http.StatusBadRequest, "password is required")
		return
	}
	h.fetch(w, r, req.Password)
}

func (h *Handler) fetch(w http.ResponseWriter, r *http.Request, password *string) {
	id := chi.URLParam(r, "id")

	res, err := h.secrets.Fetch(r.Context(), id, password, requesterOf(r))
	if err != nil {
		h.handleLifecycleError(w, r, err)
		return
	}

	if res.PasswordRequired {
		h.json(w, http.StatusOK, PasswordRequiredResponse{PasswordRequired: true})
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	h.json(w, http.StatusOK, PayloadResponse{
		Ciphertext: string(res.Payload.Ciphertext),
		IV:         string(res.Payload.IV),
	})
}

// CheckPassword reports whether a password matches without consuming the secret.
func (h *Handler) CheckPassword(w http.ResponseWriter, r *http.Request) {
	var req PasswordRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Password == nil {
		h.error(w, http.StatusBadRequest, "password is required")
		return
	}

	valid, err := h.secrets.VerifyPassword(r.Context(), chi.URLParam(r, "id"), *req.Password)
	if err != nil {
		h.handleLifecycleError(w, r, err)
		return
	}

	h.json(w, http.StatusOK, VerifyResponse{Valid: valid})
}

// ttlInRange bounds a client TTL in its own unit, before it is converted to a
// Duration that could overflow.
func (h *Handler) ttlInRange(w http.ResponseWriter, field string, value int64, unit time.Duration) bool {
	if value <= 0 {
		h.error(w, http.StatusBadRequest, field+" must be positive")
		return false
	}
	if maxTTL := h.config.Secrets.MaxTTL; value > int64(maxTTL/unit) {
		h.error(w, http.StatusBadRequest, fmt.Sprintf("%s must not exceed %s", field, maxTTL))
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes())
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// maxBodyBytes leaves room for JSON framing and the password around the payload.
func (h *Handler) maxBodyBytes() int64 {
	return int64(h.config.Secrets.MaxPayloadBytes) + 16*1024
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.json(w, status, ErrorResponse{Error: message})
}

func (h *Handler) handleLifecycleError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *secret.ValidationError
	switch {
	case errors.As(err, &verr):
		h.error(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, secret.ErrNotFound):
		h.error(w, http.StatusNotFound, "secret not found")
	case errors.Is(err, secret.ErrGone):
		h.error(w, http.StatusGone, "secret has expired or was already viewed")
	case errors.Is(err, secret.ErrAuth):
		h.error(w, http.StatusUnauthorized, "invalid password")
	default:
		log.WithFields(log.Fields{"package": "api", "module": "api", "component": "handler"}).
			WithField("request_id", RequestIDFrom(r.Context())).
			WithError(err).
			Error("Secret operation failed")
		h.error(w, http.StatusInternalServerError, "internal server error")
	}
}

func requesterOf(r *http.Request) models.Requester {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return models.Requester{IPAddress: ip, UserAgent: r.UserAgent()}
}
