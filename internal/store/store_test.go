package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"channelhub/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_Migrates(t *testing.T) {
	s := testStore(t)

	version, err := GetSchemaVersion(s.DB())
	if err != nil {
		t.Fatal(err)
	}
	if version != schemaVersion {
		t.Errorf("expected schema version %d, got %d", schemaVersion, version)
	}

	for _, table := range []string{"messages", "data_blobs", "pubsub", "orders", "schema_version"} {
		var name string
		err := s.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	s := testStore(t)

	if err := RunMigrations(s.DB(), testLogger()); err != nil {
		t.Fatalf("second migration (idempotent) failed: %v", err)
	}
}

func TestSplitSQL(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int
	}{
		{"empty", "", 0},
		{"single", "CREATE TABLE t (id INT)", 1},
		{"multiple", "CREATE TABLE t1 (id INT); CREATE TABLE t2 (id INT)", 2},
		{"trailing semicolon", "CREATE TABLE t (id INT);", 1},
		{"whitespace", "  CREATE TABLE t (id INT)  ;  ", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitSQL(tt.input)
			if len(result) != tt.expected {
				t.Errorf("expected %d statements, got %d: %v", tt.expected, len(result), result)
			}
		})
	}
}

func TestMessages_UpsertAndFind(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	msg := domain.Message{
		ID: "msg_1", ChannelID: "ops", SenderID: "bot", SenderName: "Bot", SenderType: domain.KindAgent,
		Content: "@alice go [requestId: Req-42]", Tags: []string{"alice"}, RequestID: "Req-42",
		Status: "pending", Timestamp: 1700000000000,
	}
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	msg.Status = "completed"
	if err := s.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage upsert: %v", err)
	}

	got, err := s.FindByRequestID(ctx, "Req-42")
	if err != nil {
		t.Fatalf("FindByRequestID: %v", err)
	}
	if got.Status != "completed" || got.SenderType != domain.KindAgent || len(got.Tags) != 1 {
		t.Errorf("unexpected message: %+v", got)
	}

	var n int
	s.DB().QueryRow("SELECT COUNT(*) FROM messages").Scan(&n)
	if n != 1 {
		t.Errorf("upsert should keep one row, got %d", n)
	}
}

func TestMessages_FindCaseInsensitiveFallback(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.SaveMessage(ctx, domain.Message{ID: "a", ChannelID: "ops", SenderID: "x", RequestID: "ABC", Timestamp: 2})
	s.SaveMessage(ctx, domain.Message{ID: "b", ChannelID: "ops", SenderID: "x", RequestID: "abc", Timestamp: 3})

	exact, err := s.FindByRequestID(ctx, "abc")
	if err != nil || exact.ID != "b" {
		t.Fatalf("exact match should win: %+v %v", exact, err)
	}

	fallback, err := s.FindByRequestID(ctx, "AbC")
	if err != nil || fallback.ID != "a" {
		t.Fatalf("fallback should return the oldest case-insensitive match: %+v %v", fallback, err)
	}

	if _, err := s.FindByRequestID(ctx, "zzz"); !domain.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := s.FindByRequestID(ctx, ""); !domain.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestData_PutGetPurge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	png := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	old := time.Now().Add(-48 * time.Hour)

	if err := s.PutData(ctx, domain.DataBlob{ID: "d1", Type: "image", MimeType: "image/png", Content: png, CreatedAt: old.UnixMilli()}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutData(ctx, domain.DataBlob{ID: "d2", Type: "text", Content: []byte("hello")}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetData(ctx, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Content) != string(png) || got.MimeType != "image/png" {
		t.Errorf("binary content not preserved: %+v", got)
	}

	n, err := s.PurgeData(ctx, time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d %v", n, err)
	}
	if _, err := s.GetData(ctx, "d1"); !domain.IsNotFound(err) {
		t.Errorf("d1 should be purged, got %v", err)
	}
	if _, err := s.GetData(ctx, "d2"); err != nil {
		t.Errorf("d2 should survive: %v", err)
	}
}

func TestOrders(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.CreateOrder(ctx, domain.Order{ID: "o1", Data: []byte(`{"parcel":"12"}`)}); err != nil {
		t.Fatal(err)
	}
	// second create is ignored
	if err := s.CreateOrder(ctx, domain.Order{ID: "o1", PropStatus: domain.OrderCompleted}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetOrderStatus(ctx, "o1", domain.TaskTax, domain.OrderCompleted); err != nil {
		t.Fatal(err)
	}
	o, err := s.GetOrder(ctx, "o1")
	if err != nil {
		t.Fatal(err)
	}
	if o.PropStatus != domain.OrderPending || o.TaxStatus != domain.OrderCompleted {
		t.Errorf("unexpected statuses: %+v", o)
	}
	if string(o.Data) != `{"parcel":"12"}` {
		t.Errorf("data: got %s", o.Data)
	}

	if err := s.SetOrderStatus(ctx, "missing", domain.TaskProp, domain.OrderCompleted); !domain.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := s.GetOrder(ctx, "missing"); !domain.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}
