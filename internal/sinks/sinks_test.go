package sinks

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
)

var eventTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestLogSinkWritesStructuredLines(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := sink.OnMessage(context.Background(), audit.MessageEvent{
		MessageID: "M",
		RoomID:    "R",
		RoomName:  "general",
		Timestamp: eventTime,
		Username:  "alice",
		Text:      "hello",
	})
	if err != nil {
		t.Fatalf("log sink message failed: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line failed: %v (%s)", err, buf.String())
	}
	if line["text"] != "hello" || line["room"] != "general" || line["username"] != "alice" || line["component"] != "audit" {
		t.Fatalf("unexpected log line: %v", line)
	}

	buf.Reset()
	if err := sink.OnFile(context.Background(), audit.FileEvent{RoomID: "R", Title: "foo.png", FileID: "F", MediaType: "image/png"}); err != nil {
		t.Fatalf("log sink file failed: %v", err)
	}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode file log line failed: %v", err)
	}
	if line["file_id"] != "F" || line["media_type"] != "image/png" {
		t.Fatalf("unexpected file log line: %v", line)
	}
}

func TestFileSummary(t *testing.T) {
	got := FileSummary(audit.FileEvent{Title: "foo.png", FileID: "F", MediaType: "image/png"})
	if got != "foo.png [F image/png]" {
		t.Fatalf("unexpected summary %q", got)
	}
}

func TestPostgresRowKeyIsStable(t *testing.T) {
	row := postgresRow{kind: audit.EventMessage, messageID: "M", roomID: "R", ts: eventTime, username: "alice", body: "hi"}
	again := row
	again.ts = eventTime.In(time.FixedZone("X", 3600))
	if row.key() != again.key() {
		t.Fatalf("expected key to ignore time zone")
	}
	edited := row
	edited.body = "hi!"
	if row.key() == edited.key() {
		t.Fatalf("expected different bodies to produce different keys")
	}
}

func TestPostgresSinkRequiresDSN(t *testing.T) {
	if _, err := NewPostgresSink(" "); !errors.Is(err, audit.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestPostgresSinkSurfacesOpenFailure(t *testing.T) {
	sink, err := NewPostgresSink("postgres://localhost/audit?sslmode=disable")
	if err != nil {
		t.Fatalf("new postgres sink failed: %v", err)
	}
	openErr := errors.New("driver unavailable")
	sink.openDB = func(string, string) (*sql.DB, error) { return nil, openErr }

	if err := sink.OnMessage(context.Background(), audit.MessageEvent{RoomID: "R"}); !errors.Is(err, openErr) {
		t.Fatalf("expected open failure, got %v", err)
	}
	if err := sink.OnFile(context.Background(), audit.FileEvent{RoomID: "R"}); !errors.Is(err, openErr) {
		t.Fatalf("expected open failure on the retry as well, got %v", err)
	}
}

func TestNewMongoSinkValidation(t *testing.T) {
	if _, err := NewMongoSink(MongoSinkOptions{}); !errors.Is(err, audit.ErrInvalidInput) {
		t.Fatalf("expected invalid input without audit database, got %v", err)
	}
}
