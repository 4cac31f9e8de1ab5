package report

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/FranksOps/bazaar/internal/checkpoint"
)

func seedStore(t *testing.T) checkpoint.Store {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	ctx := context.Background()

	scanScope := checkpoint.Scope{Source: "uzum", Job: "scan"}
	err := store.Save(ctx, scanScope, checkpoint.State{
		"last_id":   int64(4200),
		"processed": int64(4200),
		"found":     int64(517),
		"errors":    int64(3),
		"cycles":    int64(2),
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.MarkSeen(ctx, scanScope, []string{"1", "2", "3"}); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	return store
}

func TestCollect(t *testing.T) {
	store := seedStore(t)
	scopes := []checkpoint.Scope{
		{Source: "uzum", Job: "scan"},
		{Source: "olx", Job: "walk"},
	}

	statuses, err := Collect(context.Background(), store, scopes)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}

	scan := statuses[0]
	if scan.LastID != 4200 || scan.Found != 517 || scan.Cycles != 2 {
		t.Errorf("scan status = %+v", scan)
	}
	if scan.SeenCount != 3 {
		t.Errorf("seen count = %d, want 3", scan.SeenCount)
	}
	if scan.Missing {
		t.Error("scan flagged missing")
	}

	if !statuses[1].Missing {
		t.Error("scope without checkpoint not flagged missing")
	}
}

func TestWriteText(t *testing.T) {
	store := seedStore(t)
	statuses, err := Collect(context.Background(), store, []checkpoint.Scope{{Source: "uzum", Job: "scan"}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteText(&buf, statuses); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"uzum/scan", "last id:    4200", "found:      517", "seen ids:   3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	store := seedStore(t)
	statuses, err := Collect(context.Background(), store, []checkpoint.Scope{{Source: "uzum", Job: "scan"}})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteJSON(&buf, statuses); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var decoded []JobStatus
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if decoded[0].LastID != 4200 {
		t.Errorf("decoded last id = %d", decoded[0].LastID)
	}
}
