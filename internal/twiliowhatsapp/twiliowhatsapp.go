// Package twiliowhatsapp receives WhatsApp messages through Twilio webhooks.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/MemoryPipe/internal/models"
)

// SignatureHeader carries the request signature Twilio computes with the account auth token.
const SignatureHeader = "X-Twilio-Signature"

// ErrMissingAuthToken is returned when validation is on but no token is configured.
var ErrMissingAuthToken = errors.New("twilio auth token must be provided")

// Opts holds configuration options for the webhook handler.
type Opts struct {
	AuthToken      string
	PublicURL      string // externally visible base URL, used when behind a proxy
	SkipValidation bool
	Now            func() time.Time
}

// Option defines a configuration option for the webhook handler.
type Option func(*Opts)

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithPublicURL sets the scheme and host Twilio signed, e.g. https://hooks.example.com.
func WithPublicURL(u string) Option {
	return func(o *Opts) { o.PublicURL = strings.TrimRight(u, "/") }
}

// WithoutValidation accepts unsigned requests. Local testing only.
func WithoutValidation() Option {
	return func(o *Opts) { o.SkipValidation = true }
}

func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Handler is an http.Handler for Twilio's incoming message webhook.
type Handler struct {
	validator client.RequestValidator
	opts      Opts
	ingest    models.IngestFunc
}

// NewHandler creates a webhook handler that forwards each message to ingest.
func NewHandler(ingest models.IngestFunc, opts ...Option) (*Handler, error) {
	cfg := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio webhook config loaded", "AuthToken_set", cfg.AuthToken != "", "PublicURL", cfg.PublicURL, "SkipValidation", cfg.SkipValidation)

	if cfg.AuthToken == "" && !cfg.SkipValidation {
		return nil, ErrMissingAuthToken
	}
	if cfg.SkipValidation {
		slog.Warn("Twilio webhook signature validation is disabled")
	}
	return &Handler{
		validator: client.NewRequestValidator(cfg.AuthToken),
		opts:      cfg,
		ingest:    ingest,
	}, nil
}

// ServeHTTP validates, converts and ingests one webhook request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("Handler.ServeHTTP: failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if !h.opts.SkipValidation {
		signature := r.Header.Get(SignatureHeader)
		if signature == "" || !h.validator.Validate(h.requestURL(r), flatten(r.PostForm), signature) {
			slog.Warn("Handler.ServeHTTP: rejecting request with invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	ev, err := ToRawEvent(r.PostForm, h.opts.Now())
	if err != nil {
		slog.Warn("Handler.ServeHTTP: webhook missing fields", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	slog.Debug("Handler.ServeHTTP: inbound WhatsApp message from Twilio", "id", ev.ID, "category", ev.Message.Category)
	// The publisher may keep retrying after Twilio hangs up.
	h.ingest(context.WithoutCancel(r.Context()), ev)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

// requestURL rebuilds the URL Twilio signed.
func (h *Handler) requestURL(r *http.Request) string {
	if h.opts.PublicURL != "" {
		return h.opts.PublicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func flatten(form url.Values) map[string]string {
	params := make(map[string]string, len(form))
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}

// ToRawEvent converts Twilio's form fields into a raw event keyed by MessageSid.
func ToRawEvent(form url.Values, now time.Time) (models.RawEvent, error) {
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsMessageSid")
	}
	if sid == "" {
		return models.RawEvent{}, models.ErrMissingMessageID
	}
	from := strings.TrimPrefix(form.Get("From"), "whatsapp:")
	if from == "" {
		return models.RawEvent{}, errors.New("sender is required")
	}

	msg := models.Message{
		MessageID: sid,
		Source:    models.SourceTwilio,
		Sender:    from,
		Chat:      strings.TrimPrefix(form.Get("To"), "whatsapp:"),
		Text:      form.Get("Body"),
		Timestamp: now.UTC(),
	}

	numMedia, _ := strconv.Atoi(form.Get("NumMedia"))
	switch {
	case numMedia > 0:
		msg.Category = models.CategoryMedia
		msg.MediaType = mediaKind(form.Get("MediaContentType0"))
	case msg.Text != "":
		msg.Category = models.CategoryText
	default:
		msg.Category = models.CategoryOther
		if label := form.Get("Label"); label != "" {
			msg.Text = label
		}
	}
	return models.RawEvent{ID: sid, Message: msg}, nil
}

// mediaKind maps a MIME type to the coarse kind used by the whatsmeow source.
func mediaKind(contentType string) string {
	major, _, _ := strings.Cut(contentType, "/")
	switch major {
	case "image", "video", "audio":
		return major
	case "":
		return ""
	default:
		return "document"
	}
}
