// Package webhook receives channel webhooks and enqueues them for the
// consumer pool.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/user/r1x/internal/handler"
	"github.com/user/r1x/internal/messenger"
	"github.com/user/r1x/internal/queue"
)

const maxBodyBytes = 1 << 20

// Config holds webhook verification secrets. Empty values disable the
// corresponding check.
type Config struct {
	// WhatsAppVerifyToken answers the Cloud API subscription challenge.
	WhatsAppVerifyToken string
	// WhatsAppAppSecret verifies X-Hub-Signature-256.
	WhatsAppAppSecret string
	// TelegramSecret is compared with X-Telegram-Bot-Api-Secret-Token.
	TelegramSecret string
}

// Server is the HTTP ingress in front of the queue.
type Server struct {
	cfg    Config
	sender queue.Sender
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates a Server that enqueues events through sender.
func NewServer(cfg Config, sender queue.Sender, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		sender: sender,
		logger: logger.With("component", "webhook"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /webhook/wa", s.handleWhatsAppVerify)
	s.mux.HandleFunc("POST /webhook/wa", s.handleWhatsApp)
	s.mux.HandleFunc("POST /webhook/tg", s.handleTelegram)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && s.cfg.WhatsAppVerifyToken != "" &&
		q.Get("hub.verify_token") == s.cfg.WhatsAppVerifyToken {
		s.logger.Info("whatsapp webhook verified")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, html.EscapeString(q.Get("hub.challenge")))
		return
	}
	s.logger.Warn("whatsapp webhook verification failed", "mode", q.Get("hub.mode"))
	http.Error(w, "Forbidden", http.StatusForbidden)
}

func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if s.cfg.WhatsAppAppSecret != "" && !verifySignature(s.cfg.WhatsAppAppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("whatsapp invalid signature")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	s.enqueue(w, r, messenger.WhatsApp, body)
}

func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TelegramSecret != "" {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.TelegramSecret)) != 1 {
			s.logger.Warn("telegram invalid secret token")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	s.enqueue(w, r, messenger.Telegram, body)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, source messenger.Channel, event []byte) {
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := s.logger.With("source", source, "request_id", requestID)

	body, err := handler.EncodeEvent(string(source), event)
	if err != nil {
		logger.Warn("rejecting webhook payload", "error", err)
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	id, err := s.sender.Send(r.Context(), body)
	if err != nil {
		logger.Error("enqueue webhook event", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	logger.Debug("webhook event queued", "queue_message_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "id": id})
}

// verifySignature checks an X-Hub-Signature-256 header value.
func verifySignature(secret string, body []byte, signature string) bool {
	expected, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	computed := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(computed))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
