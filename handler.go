package taxchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mashiike/taxchat/metadata"
)

const (
	HeaderRequestID    = "X-Request-Id"
	HeaderChatMetadata = "X-Chat-Metadata"

	DefaultChatPath     = "/api/chat"
	DefaultHealthPath   = "/healthz"
	DefaultMaxBodyBytes = 32 << 20
)

var trailerKeys = []string{
	metadata.KeyFinishReason,
	metadata.KeyUsageInputTokens,
	metadata.KeyUsageOutputTokens,
}

type Handler struct {
	cfg *HandlerConfig
	mux *http.ServeMux
}

type HandlerConfig struct {
	Assistant               *Assistant
	Validator               *RequestValidator
	StaticDir               string
	MaxBodyBytes            int64
	ErrorHandler            func(w http.ResponseWriter, r *http.Request, err error, code int)
	MethodNotAllowedHandler func(w http.ResponseWriter, r *http.Request)
	NotFoundHandler         func(w http.ResponseWriter, r *http.Request)
	Logger                  *slog.Logger
}

var _ http.Handler = (*Handler)(nil)

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	h := &Handler{
		cfg: &cfg,
		mux: http.NewServeMux(),
	}
	if cfg.Assistant == nil {
		return nil, errors.New("assistant is required")
	}
	if cfg.Validator == nil {
		v, err := NewChatRequestValidator()
		if err != nil {
			return nil, fmt.Errorf("create request validator: %w", err)
		}
		cfg.Validator = v
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error, code int) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			var body bytes.Buffer
			if err := json.NewEncoder(&body).Encode(map[string]any{
				"error":   http.StatusText(code),
				"message": err.Error(),
				"status":  code,
			}); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(code)
			w.Write(body.Bytes())
		}
	}
	if cfg.NotFoundHandler == nil {
		cfg.NotFoundHandler = func(w http.ResponseWriter, r *http.Request) {
			cfg.ErrorHandler(w, r, fmt.Errorf("the requested resource %q was not found", r.URL.Path), http.StatusNotFound)
		}
	}
	if cfg.MethodNotAllowedHandler == nil {
		cfg.MethodNotAllowedHandler = func(w http.ResponseWriter, r *http.Request) {
			cfg.ErrorHandler(w, r, fmt.Errorf("the requested resource %q does not support the method %q", r.URL.Path, r.Method), http.StatusMethodNotAllowed)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	h.mux.HandleFunc(DefaultChatPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			h.cfg.MethodNotAllowedHandler(w, r)
			return
		}
		h.serveHTTPChat(w, r)
	})
	h.mux.HandleFunc(DefaultHealthPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			h.cfg.MethodNotAllowedHandler(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "ok")
	})
	if cfg.StaticDir != "" {
		h.mux.Handle("/", http.FileServer(http.Dir(cfg.StaticDir)))
	}
	return h, nil
}

type contextKey string

const requestIDContextKey = contextKey("request_id")

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDContextKey).(string)
	return id, ok
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderRequestID)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, id)
	r = r.WithContext(WithRequestID(r.Context(), id))
	h.cfg.Logger.InfoContext(r.Context(), "request", "method", r.Method, "url", r.URL, "request_id", id)
	if r.RequestURI == "*" {
		if r.ProtoAtLeast(1, 1) {
			w.Header().Set("Connection", "close")
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	matched, pattern := h.mux.Handler(r)
	if pattern == "" {
		h.cfg.NotFoundHandler(w, r)
		return
	}
	matched.ServeHTTP(w, r)
}

// ChatHandler returns an http.Handler that serves the chat endpoint only.
func (h *Handler) ChatHandler() http.Handler {
	return http.HandlerFunc(h.serveHTTPChat)
}

func (h *Handler) serveHTTPChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.cfg.Logger
	if id, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With("request_id", id)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.cfg.ErrorHandler(w, r, fmt.Errorf("request body exceeds %d bytes", mbe.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		h.cfg.ErrorHandler(w, r, fmt.Errorf("failed to read request body: %w", err), http.StatusBadRequest)
		return
	}
	chatReq, err := h.cfg.Validator.DecodeChatRequest(body)
	if err != nil {
		h.cfg.ErrorHandler(w, r, err, http.StatusBadRequest)
		return
	}
	req, err := h.cfg.Assistant.Prepare(ctx, chatReq.Messages)
	if err != nil {
		h.cfg.ErrorHandler(w, r, err, http.StatusBadRequest)
		return
	}
	sw := newHTTPStreamWriter(w, req.Attachment)
	if err := h.cfg.Assistant.Converse(ctx, req, sw); err != nil {
		if !sw.wroteHeader {
			code := HTTPStatus(err)
			logger.ErrorContext(ctx, "chat failed", "error", err, "status", code)
			h.cfg.ErrorHandler(w, r, err, code)
			return
		}
		logger.ErrorContext(ctx, "chat stream aborted", "error", err)
		return
	}
}

type chatMetadata struct {
	Attachment *Attachment `json:"attachment,omitempty"`
}

// httpStreamWriter writes deltas to the response body as they arrive. The
// status line is sent with the first delta, so a failure before it can still
// be reported as an error response.
type httpStreamWriter struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	metadata    metadata.Metadata
	attachment  *Attachment
	wroteHeader bool
	finished    bool
}

func newHTTPStreamWriter(w http.ResponseWriter, attachment *Attachment) *httpStreamWriter {
	return &httpStreamWriter{
		w:          w,
		rc:         http.NewResponseController(w),
		metadata:   make(metadata.Metadata),
		attachment: attachment,
	}
}

func (s *httpStreamWriter) Metadata() metadata.Metadata {
	return s.metadata
}

func (s *httpStreamWriter) writeHeader() {
	if s.wroteHeader {
		return
	}
	s.wroteHeader = true
	h := s.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "no-cache")
	bs, err := json.Marshal(chatMetadata{Attachment: s.attachment})
	if err != nil {
		bs = []byte("{}")
	}
	h.Set(HeaderChatMetadata, string(bs))
	h.Set("Trailer", strings.Join(trailerKeys, ", "))
	s.w.WriteHeader(http.StatusOK)
}

func (s *httpStreamWriter) WriteDelta(text string) error {
	if s.finished {
		return ErrStreamClosed
	}
	s.writeHeader()
	if _, err := io.WriteString(s.w, text); err != nil {
		return err
	}
	return s.flush()
}

func (s *httpStreamWriter) Finish(reason FinishReason, msg string) error {
	if s.finished {
		return ErrStreamClosed
	}
	s.finished = true
	s.metadata.SetString(metadata.KeyFinishReason, reason.String())
	if msg != "" {
		s.metadata.SetString(metadata.KeyFinishMessage, msg)
	}
	s.writeHeader()
	s.metadata.CopyTo(s.w.Header(), trailerKeys...)
	return s.flush()
}

func (s *httpStreamWriter) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}
