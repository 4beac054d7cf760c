package whatsapp

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/MemoryPipe/internal/models"
)

var testTime = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

func messageEvent(id string, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:   types.NewJID("15551234567", types.DefaultUserServer),
				Sender: types.NewJID("15551234567", types.DefaultUserServer),
			},
			ID:        types.MessageID(id),
			Timestamp: testTime,
		},
		Message: msg,
	}
}

func TestToRawEventCategories(t *testing.T) {
	tests := []struct {
		name      string
		msg       *waE2E.Message
		category  models.Category
		text      string
		mediaType string
	}{
		{
			name:     "conversation",
			msg:      &waE2E.Message{Conversation: proto.String("buy milk")},
			category: models.CategoryText,
			text:     "buy milk",
		},
		{
			name:     "extended text",
			msg:      &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("see https://example.com")}},
			category: models.CategoryText,
			text:     "see https://example.com",
		},
		{
			name:      "captioned image",
			msg:       &waE2E.Message{ImageMessage: &waE2E.ImageMessage{Caption: proto.String("receipt")}},
			category:  models.CategoryMedia,
			text:      "receipt",
			mediaType: "image",
		},
		{
			name:      "document falls back to file name",
			msg:       &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{FileName: proto.String("lease.pdf")}},
			category:  models.CategoryMedia,
			text:      "lease.pdf",
			mediaType: "document",
		},
		{
			name:      "audio",
			msg:       &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}},
			category:  models.CategoryMedia,
			mediaType: "audio",
		},
		{
			name:     "reaction",
			msg:      &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{Text: proto.String("👍")}},
			category: models.CategoryOther,
			text:     "👍",
		},
		{
			name:     "location",
			msg:      &waE2E.Message{LocationMessage: &waE2E.LocationMessage{Name: proto.String("Home")}},
			category: models.CategoryOther,
			text:     "Home",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := ToRawEvent(messageEvent("ABC123", tt.msg))
			if !ok {
				t.Fatal("expected event to convert")
			}
			if ev.ID != "ABC123" || ev.Message.MessageID != "ABC123" {
				t.Errorf("unexpected ids: %q / %q", ev.ID, ev.Message.MessageID)
			}
			if ev.Message.Category != tt.category {
				t.Errorf("category = %q, want %q", ev.Message.Category, tt.category)
			}
			if ev.Message.Text != tt.text {
				t.Errorf("text = %q, want %q", ev.Message.Text, tt.text)
			}
			if ev.Message.MediaType != tt.mediaType {
				t.Errorf("mediaType = %q, want %q", ev.Message.MediaType, tt.mediaType)
			}
			if ev.Message.Source != models.SourceWhatsApp {
				t.Errorf("source = %q", ev.Message.Source)
			}
			if !ev.Message.Timestamp.Equal(testTime) {
				t.Errorf("timestamp = %v", ev.Message.Timestamp)
			}
			if _, err := models.ChannelFor(ev.Message.Category); err != nil {
				t.Errorf("category has no channel: %v", err)
			}
		})
	}
}

func TestToRawEventSkipsNonContent(t *testing.T) {
	if _, ok := ToRawEvent(nil); ok {
		t.Error("nil event should not convert")
	}
	if _, ok := ToRawEvent(messageEvent("X", nil)); ok {
		t.Error("event without message should not convert")
	}
	if _, ok := ToRawEvent(messageEvent("", &waE2E.Message{Conversation: proto.String("hi")})); ok {
		t.Error("event without id should not convert")
	}
	protocol := &waE2E.Message{ProtocolMessage: &waE2E.ProtocolMessage{}}
	if _, ok := ToRawEvent(messageEvent("P1", protocol)); ok {
		t.Error("protocol message should not convert")
	}
}

func TestEventHandlerCallsIngestOnce(t *testing.T) {
	var got []models.RawEvent
	ingest := func(_ context.Context, ev models.RawEvent) { got = append(got, ev) }

	handler := EventHandler(context.Background(), ingest, false)
	handler(messageEvent("M1", &waE2E.Message{Conversation: proto.String("one")}))
	handler(&events.Connected{})

	own := messageEvent("M2", &waE2E.Message{Conversation: proto.String("mine")})
	own.Info.IsFromMe = true
	handler(own)

	if len(got) != 1 || got[0].ID != "M1" {
		t.Fatalf("expected only M1 to be ingested, got %+v", got)
	}

	handler = EventHandler(context.Background(), ingest, true)
	handler(own)
	if len(got) != 2 || !got[1].Message.FromMe {
		t.Fatalf("expected own message when included, got %+v", got)
	}
}

func TestOptions(t *testing.T) {
	opts := &Opts{}
	WithDBDSN("/tmp/test.db")(opts)
	WithQRCodeOutput("/tmp/qr.txt")(opts)
	WithNumericCode()(opts)
	WithIncludeFromMe(true)(opts)
	WithIngestWorkers(3)(opts)

	if opts.DBDSN != "/tmp/test.db" {
		t.Errorf("Expected DBDSN to be %q, got %q", "/tmp/test.db", opts.DBDSN)
	}
	if opts.QRPath != "/tmp/qr.txt" {
		t.Errorf("Expected QRPath to be %q, got %q", "/tmp/qr.txt", opts.QRPath)
	}
	if !opts.NumericCode || !opts.IncludeFromMe {
		t.Errorf("Expected NumericCode and IncludeFromMe to be set, got %+v", opts)
	}
	if opts.Workers != 3 {
		t.Errorf("Expected Workers to be 3, got %d", opts.Workers)
	}
}
