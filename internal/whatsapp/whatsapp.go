// Package whatsapp wraps the Whatsmeow client as a MemoryPipe message source.
//
// Every inbound message is converted into a models.RawEvent and handed to a
// single ingest function.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mdp/qrterminal/v3"
	"github.com/panjf2000/ants/v2"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/MemoryPipe/internal/models"
	"github.com/BTreeMap/MemoryPipe/internal/store"
)

// DefaultSQLitePath is the whatsmeow device database used when no DSN is configured.
const DefaultSQLitePath = "/var/lib/memorypipe/whatsmeow.db"

// Ingest workers run the publish path off whatsmeow's event goroutine.
const (
	DefaultIngestWorkers = 16
	ingestDrainTimeout   = 5 * time.Second
)

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN         string // whatsmeow device database connection string
	QRPath        string // path to write login QR code
	NumericCode   bool   // print the raw login code instead of a QR code
	IncludeFromMe bool   // also ingest messages sent from the paired device
	Workers       int    // concurrent ingest calls
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput writes the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the login code as text instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithIncludeFromMe ingests the account owner's own messages too.
func WithIncludeFromMe(include bool) Option {
	return func(o *Opts) {
		o.IncludeFromMe = include
	}
}

// WithIngestWorkers bounds how many ingest calls run at once.
func WithIngestWorkers(n int) Option {
	return func(o *Opts) {
		o.Workers = n
	}
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient  *whatsmeow.Client
	opts      Opts
	handlerID uint32
	listening bool
	async     *Dispatcher
}

// hasForeignKeys reports whether a SQLite DSN enables foreign keys, which whatsmeow requires.
func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store and connects, running the QR login flow
// when the device is not paired yet.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == store.DSNTypeSQLite && !hasForeignKeys(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))

	if waClient.Store.ID == nil {
		if err := login(ctx, waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{waClient: waClient, opts: cfg}, nil
}

func login(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get WhatsApp QR channel: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}

	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			slog.Error("Failed to create QR file", "error", err)
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			if cfg.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("WhatsApp login event", "event", evt.Event)
	}
	return nil
}

// Listen registers the event handler that feeds ingest. It is called at most
// once. Ingest runs on a worker pool so a slow publish never stalls event
// dispatch.
func (c *Client) Listen(ctx context.Context, ingest models.IngestFunc) error {
	if c.listening {
		return nil
	}
	d, err := NewDispatcher(c.opts.Workers)
	if err != nil {
		return err
	}
	c.async = d
	c.listening = true
	c.handlerID = c.waClient.AddEventHandler(EventHandler(ctx, d.Wrap(ingest), c.opts.IncludeFromMe))
	return nil
}

// IsConnected reports the websocket state.
func (c *Client) IsConnected() bool {
	return c.waClient != nil && c.waClient.IsConnected()
}

// Close removes the event handler and disconnects.
func (c *Client) Close() {
	if c.waClient == nil {
		return
	}
	if c.listening {
		c.waClient.RemoveEventHandler(c.handlerID)
		c.async.Close()
		c.listening = false
	}
	c.waClient.Disconnect()
	slog.Info("WhatsApp client disconnected")
}

// Dispatcher hands ingest calls to a bounded ants pool. Submit blocks only
// when every worker is busy.
type Dispatcher struct {
	pool *ants.Pool
}

// NewDispatcher starts a pool of workers (DefaultIngestWorkers when n <= 0).
func NewDispatcher(workers int) (*Dispatcher, error) {
	if workers <= 0 {
		workers = DefaultIngestWorkers
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(r any) {
		slog.Error("Dispatcher: ingest panicked", "panic", r)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest pool: %w", err)
	}
	return &Dispatcher{pool: pool}, nil
}

// Wrap returns an IngestFunc that runs ingest on the pool. If the pool is
// already closed the call runs inline so the event is not lost.
func (d *Dispatcher) Wrap(ingest models.IngestFunc) models.IngestFunc {
	return func(ctx context.Context, ev models.RawEvent) {
		if err := d.pool.Submit(func() { ingest(ctx, ev) }); err != nil {
			slog.Warn("Dispatcher: pool unavailable, ingesting inline", "id", ev.ID, "error", err)
			ingest(ctx, ev)
		}
	}
}

// Close waits for running ingest calls, up to ingestDrainTimeout.
func (d *Dispatcher) Close() {
	if err := d.pool.ReleaseTimeout(ingestDrainTimeout); err != nil {
		slog.Warn("Dispatcher.Close: ingest workers did not drain", "error", err)
	}
}

// EventHandler returns a whatsmeow event handler that converts messages and
// calls ingest once per event.
func EventHandler(ctx context.Context, ingest models.IngestFunc, includeFromMe bool) func(interface{}) {
	return func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			if v.Info.IsFromMe && !includeFromMe {
				slog.Debug("WhatsApp EventHandler: skipping own message", "id", v.Info.ID)
				return
			}
			ev, ok := ToRawEvent(v)
			if !ok {
				slog.Debug("WhatsApp EventHandler: skipping protocol message", "id", v.Info.ID)
				return
			}
			ingest(ctx, ev)
		case *events.Connected:
			slog.Info("WhatsApp EventHandler: connected")
		case *events.Disconnected:
			slog.Warn("WhatsApp EventHandler: disconnected")
		}
	}
}

// ToRawEvent converts a whatsmeow message event. It returns false for
// events that carry no user content.
func ToRawEvent(evt *events.Message) (models.RawEvent, bool) {
	if evt == nil || evt.Message == nil || evt.Info.ID == "" {
		return models.RawEvent{}, false
	}
	msg := evt.Message
	if msg.GetProtocolMessage() != nil {
		return models.RawEvent{}, false
	}

	out := models.Message{
		MessageID: string(evt.Info.ID),
		Source:    models.SourceWhatsApp,
		Sender:    evt.Info.Sender.ToNonAD().String(),
		Chat:      evt.Info.Chat.String(),
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp.UTC(),
	}

	switch {
	case msg.GetConversation() != "":
		out.Category = models.CategoryText
		out.Text = msg.GetConversation()
	case msg.GetExtendedTextMessage() != nil:
		out.Category = models.CategoryText
		out.Text = msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage() != nil:
		out.Category = models.CategoryMedia
		out.MediaType = "image"
		out.Text = msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage() != nil:
		out.Category = models.CategoryMedia
		out.MediaType = "video"
		out.Text = msg.GetVideoMessage().GetCaption()
	case msg.GetAudioMessage() != nil:
		out.Category = models.CategoryMedia
		out.MediaType = "audio"
	case msg.GetDocumentMessage() != nil:
		out.Category = models.CategoryMedia
		out.MediaType = "document"
		out.Text = msg.GetDocumentMessage().GetCaption()
		if out.Text == "" {
			out.Text = msg.GetDocumentMessage().GetFileName()
		}
	case msg.GetStickerMessage() != nil:
		out.Category = models.CategoryMedia
		out.MediaType = "sticker"
	case msg.GetReactionMessage() != nil:
		out.Category = models.CategoryOther
		out.Text = msg.GetReactionMessage().GetText()
	case msg.GetContactMessage() != nil:
		out.Category = models.CategoryOther
		out.Text = msg.GetContactMessage().GetDisplayName()
	case msg.GetLocationMessage() != nil:
		out.Category = models.CategoryOther
		out.Text = msg.GetLocationMessage().GetName()
	default:
		out.Category = models.CategoryOther
	}

	return models.RawEvent{ID: out.MessageID, Message: out}, true
}
