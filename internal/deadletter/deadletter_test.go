package deadletter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 678_000_000, time.UTC)

func fixedClock() time.Time { return fixedNow }

func TestSinkWriteQueueFullRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "deadletter.jsonl")
	payload := `{"messageId":"abc123","text":"hi"}`

	sink := NewSink(path, WithClock(fixedClock))
	require.NoError(t, sink.Write("memories:text:saved", []byte(payload), ReasonQueueFull))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 1)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, ReasonQueueFull, rec.Reason)
	assert.Equal(t, "memories:text:saved", rec.Channel)
	assert.Equal(t, "abc123", rec.MessageID)
	assert.Equal(t, payload, rec.Payload)
	assert.Equal(t, "2026-01-02T03:04:05.678Z", rec.Timestamp)
}

func TestSinkWriteGolden(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.jsonl")
	sink := NewSink(path, WithClock(fixedClock))

	require.NoError(t, sink.Write("memories:text:saved", []byte(`{"messageId":"abc123","text":"hi"}`), ReasonQueueFull))
	require.NoError(t, sink.Write("memories:other:saved", []byte(`not json <b>`), ReasonFlushRequeueFull))
	require.NoError(t, sink.Write("memories:media:saved", []byte(`{"key":{"id":42}}`), ReasonShutdownUnflushed))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "deadletter_records", data)
}

func TestExtractMessageID(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"camel case", `{"messageId":"abc"}`, "abc"},
		{"snake case", `{"message_id":"def"}`, "def"},
		{"plain id", `{"id":"ghi"}`, "ghi"},
		{"numeric id", `{"id":12345}`, "12345"},
		{"nested key id", `{"key":{"id":"jkl"}}`, "jkl"},
		{"nested message", `{"message":{"messageId":"mno"}}`, "mno"},
		{"camel case wins", `{"id":"second","messageId":"first"}`, "first"},
		{"empty string skipped", `{"messageId":"","id":"fallback"}`, "fallback"},
		{"object id ignored", `{"id":{"x":1}}`, ""},
		{"no id", `{"text":"hi"}`, ""},
		{"not json", `hello world`, ""},
		{"truncated json", `{"messageId":"abc`, ""},
		{"empty", ``, ""},
		{"array", `[1,2,3]`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractMessageID([]byte(tt.payload)))
		})
	}
}

func TestMessageIDOmittedWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dl.jsonl")
	require.NoError(t, NewSink(path).Write("memories:text:saved", []byte("plain text"), ReasonQueueFull))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "messageId")
}

func TestSinkConcurrentWritesDoNotInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dl.jsonl")
	sink := NewSink(path)
	big := strings.Repeat("x", 64*1024)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sink.Write("memories:text:saved", []byte(`{"id":"a","blob":"`+big+`"}`), ReasonQueueFull))
		}()
	}
	wg.Wait()

	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, writers)
	for _, rec := range records {
		assert.Equal(t, "a", rec.MessageID)
	}
}

func TestSinkRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dl.jsonl")
	sink := NewSink(path, WithMaxBytes(200), WithClock(fixedClock))

	payload := []byte(`{"messageId":"` + strings.Repeat("r", 60) + `"}`)
	require.NoError(t, sink.Write("c", payload, ReasonQueueFull))
	require.NoError(t, sink.Write("c", payload, ReasonQueueFull))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "first file should be rotated aside")

	records, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSinkWithoutRotationKeepsAppending(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dl.jsonl")
	sink := NewSink(path)
	for i := 0; i < 5; i++ {
		require.NoError(t, sink.Write("c", []byte(`{"id":"x"}`), ReasonQueueFull))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	records, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, records, 5)
}

func TestWriteFreeFunction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "dl.jsonl")
	require.NoError(t, Write(path, "memories:other:saved", []byte(`{"message_id":"z"}`), ReasonShutdownUnflushed))

	records, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ReasonShutdownUnflushed, records[0].Reason)
	assert.Equal(t, "z", records[0].MessageID)
}

func TestSinkWriteFailsWhenParentIsFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	err := NewSink(filepath.Join(blocker, "dl.jsonl")).Write("c", []byte("p"), ReasonQueueFull)
	assert.Error(t, err)
}

func TestReadAllRejectsCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dl.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"reason\":\"queue-full\"}\nnot-json\n"), 0644))

	records, err := ReadAll(path)
	assert.Error(t, err)
	assert.Len(t, records, 1)
}
