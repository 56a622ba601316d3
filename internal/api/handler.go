// Package api exposes the broker over HTTP: clients send signed messages,
// poll the two response queues and move packages through the storage cluster.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/concent-network/concent/internal/arbiter"
	"github.com/concent-network/concent/internal/message"
	"github.com/concent-network/concent/internal/pending"
	"github.com/concent-network/concent/internal/storage"
)

var ErrInvalidConfig = errors.New("api: invalid config")

const (
	headerClientKey = "Concent-Client-Public-Key"
	authScheme      = "Golem "
	contentType     = "application/json"
)

// Broker is the slice of the arbiter the handler serves.
type Broker interface {
	Send(ctx context.Context, raw []byte) (message.Message, error)
	Receive(ctx context.Context, client message.PublicKey, q pending.Queue) (message.Message, error)
}

// Transfers moves packages in and out of the storage cluster under a file
// transfer token. *storage.Service implements it.
type Transfers interface {
	Upload(ctx context.Context, tok *message.FileTransferToken, client message.PublicKey, path string, data []byte) error
	Download(ctx context.Context, tok *message.FileTransferToken, client message.PublicKey, path string) ([]byte, error)
}

type Config struct {
	// MaxMessageBytes bounds send and receive bodies.
	MaxMessageBytes int64
	MaxUploadBytes  int64
	// AuthMaxSkew is how far a client authorization timestamp may be from now.
	AuthMaxSkew time.Duration

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

func NewHandler(cfg Config, broker Broker, transfers Transfers, log *slog.Logger) (http.Handler, error) {
	if broker == nil {
		return nil, fmt.Errorf("%w: nil broker", ErrInvalidConfig)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 256 << 20
	}
	if cfg.AuthMaxSkew <= 0 {
		cfg.AuthMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}

	h := &handler{
		cfg:       cfg,
		broker:    broker,
		transfers: transfers,
		log:       log,
		limiter:   newRateLimiter(cfg.RateLimitPerIPPerSecond, float64(cfg.RateLimitBurst), cfg.RateLimitMaxTrackedIPs),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("POST /api/v1/send", h.instrument("send", h.handleSend))
	mux.HandleFunc("POST /api/v1/receive", h.instrument("receive", h.receive(pending.QueueReceive)))
	mux.HandleFunc("POST /api/v1/receive-out-of-band", h.instrument("receive_out_of_band", h.receive(pending.QueueReceiveOutOfBand)))
	if transfers != nil {
		mux.HandleFunc("POST /upload/{path...}", h.instrument("upload", h.handleUpload))
		mux.HandleFunc("GET /download/{path...}", h.instrument("download", h.handleDownload))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}
		if !h.limiter.Allow(clientIP(r), h.cfg.Now().UTC()) {
			requestsTotal.WithLabelValues("any", "rate_limited").Inc()
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "")
			return
		}
		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg       Config
	broker    Broker
	transfers Transfers
	log       *slog.Logger
	limiter   *rateLimiter
}

// outcomeFunc serves one request and names its outcome for metrics.
type outcomeFunc func(w http.ResponseWriter, r *http.Request) string

func (h *handler) instrument(endpoint string, fn outcomeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		outcome := fn(w, r)
		requestsTotal.WithLabelValues(endpoint, outcome).Inc()
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleSend(w http.ResponseWriter, r *http.Request) string {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxMessageBytes))
	if err != nil {
		return h.clientError(w, http.StatusRequestEntityTooLarge, arbiter.CodeMessageInvalid, err)
	}
	resp, err := h.broker.Send(r.Context(), raw)
	if err != nil {
		return h.arbiterError(w, err)
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return "accepted"
	}
	return h.writeMessage(w, resp)
}

func (h *handler) receive(q pending.Queue) outcomeFunc {
	return func(w http.ResponseWriter, r *http.Request) string {
		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxMessageBytes))
		if err != nil {
			return h.clientError(w, http.StatusRequestEntityTooLarge, arbiter.CodeMessageInvalid, err)
		}
		client, err := h.authorize(raw)
		if err != nil {
			return h.clientError(w, http.StatusUnauthorized, "auth.invalid", err)
		}
		resp, err := h.broker.Receive(r.Context(), client, q)
		if err != nil {
			return h.arbiterError(w, err)
		}
		if resp == nil {
			w.WriteHeader(http.StatusNoContent)
			return "empty"
		}
		return h.writeMessage(w, resp)
	}
}

// authorize checks a signed ClientAuthorization and returns the client key.
func (h *handler) authorize(raw []byte) (message.PublicKey, error) {
	auth, err := message.DecodeAs[*message.ClientAuthorization](raw)
	if err != nil {
		return message.PublicKey{}, err
	}
	if err := message.Verify(auth, auth.ClientPublicKey); err != nil {
		return message.PublicKey{}, err
	}
	skew := h.cfg.Now().Sub(auth.Time())
	if skew < 0 {
		skew = -skew
	}
	if skew > h.cfg.AuthMaxSkew {
		return message.PublicKey{}, fmt.Errorf("authorization timestamp %s outside allowed skew", auth.Time().Format(time.RFC3339))
	}
	return auth.ClientPublicKey, nil
}

func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) string {
	tok, client, err := transferAuth(r)
	if err != nil {
		return h.clientError(w, http.StatusUnauthorized, "auth.invalid", err)
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes))
	if err != nil {
		return h.clientError(w, http.StatusRequestEntityTooLarge, "upload.too_large", err)
	}
	path := r.PathValue("path")
	if err := h.transfers.Upload(r.Context(), tok, client, path, data); err != nil {
		return h.storageError(w, err)
	}
	h.log.Info("package uploaded", "subtask_id", tok.SubtaskID, "path", path, "bytes", len(data))
	w.WriteHeader(http.StatusOK)
	return "response"
}

func (h *handler) handleDownload(w http.ResponseWriter, r *http.Request) string {
	tok, client, err := transferAuth(r)
	if err != nil {
		return h.clientError(w, http.StatusUnauthorized, "auth.invalid", err)
	}
	data, err := h.transfers.Download(r.Context(), tok, client, r.PathValue("path"))
	if err != nil {
		return h.storageError(w, err)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	return "response"
}

// transferAuth reads the token from "Authorization: Golem <base64 message>"
// and the client key from its own header.
func transferAuth(r *http.Request) (*message.FileTransferToken, message.PublicKey, error) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, authScheme) {
		return nil, message.PublicKey{}, errors.New("missing Golem authorization")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(authz, authScheme)))
	if err != nil {
		return nil, message.PublicKey{}, fmt.Errorf("authorization: %w", err)
	}
	tok, err := message.DecodeAs[*message.FileTransferToken](raw)
	if err != nil {
		return nil, message.PublicKey{}, err
	}
	client, err := message.ParsePublicKeyHex(r.Header.Get(headerClientKey))
	if err != nil {
		return nil, message.PublicKey{}, fmt.Errorf("%s: %w", headerClientKey, err)
	}
	return tok, client, nil
}

func (h *handler) writeMessage(w http.ResponseWriter, m message.Message) string {
	raw, err := message.Encode(m)
	if err != nil {
		h.log.Error("encode response", "kind", m.Kind(), "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return "internal_error"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
	return "response"
}

func (h *handler) arbiterError(w http.ResponseWriter, err error) string {
	code := arbiter.CodeOf(err)
	if code == "" {
		h.log.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return "internal_error"
	}
	status := http.StatusBadRequest
	switch code {
	case arbiter.CodeSoftShutdown:
		status = http.StatusServiceUnavailable
	case arbiter.CodeSubtaskNotFound:
		status = http.StatusNotFound
	}
	return h.clientError(w, status, code, err)
}

func (h *handler) storageError(w http.ResponseWriter, err error) string {
	switch {
	case errors.Is(err, storage.ErrUnauthorized), errors.Is(err, storage.ErrTokenExpired):
		return h.clientError(w, http.StatusUnauthorized, "auth.invalid", err)
	case errors.Is(err, storage.ErrChecksumFailed), errors.Is(err, storage.ErrInvalidPath):
		return h.clientError(w, http.StatusBadRequest, "upload.invalid", err)
	case errors.Is(err, storage.ErrNotFound):
		return h.clientError(w, http.StatusNotFound, "file.not_found", err)
	default:
		h.log.Error("storage", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "")
		return "internal_error"
	}
}

func (h *handler) clientError(w http.ResponseWriter, status int, code arbiter.Code, err error) string {
	clientErrorsTotal.WithLabelValues(string(code)).Inc()
	detail := ""
	var ae *arbiter.Error
	if errors.As(err, &ae) {
		detail = ae.Detail
	} else if err != nil {
		detail = err.Error()
	}
	writeError(w, status, string(code), detail)
	return "client_error"
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	body := map[string]any{"error": code}
	if detail != "" {
		body["error_message"] = detail
	}
	_ = json.NewEncoder(w).Encode(body)
}
