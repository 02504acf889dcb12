package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"botfleet/internal/models"
)

func TestJSONStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fleet.json")
	s, err := NewJSONStorage(Config{Path: path})
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file to be created: %v", err)
	}

	storageContract(t, s)
}

func TestJSONStorageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "fleet.json")

	s, err := NewJSONStorage(Config{Path: path})
	if err != nil {
		t.Fatalf("NewJSONStorage failed: %v", err)
	}
	rec := &models.WorkerRecord{
		InstanceID:   "w-1",
		CredentialID: "bot-1",
		Owner:        "alice",
		Name:         "support",
		Status:       models.WorkerStatusRunning,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.SaveWorker(ctx, rec); err != nil {
		t.Fatalf("SaveWorker failed: %v", err)
	}
	if err := s.SaveAssignment(ctx, &models.Assignment{CredentialID: "bot-1", Owner: "alice", AssignedAt: time.Now()}); err != nil {
		t.Fatalf("SaveAssignment failed: %v", err)
	}

	reopened, err := NewJSONStorage(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := reopened.GetWorker(ctx, "w-1")
	if err != nil {
		t.Fatalf("GetWorker after reopen failed: %v", err)
	}
	if got.Status != models.WorkerStatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if _, err := reopened.GetAssignment(ctx, "bot-1"); err != nil {
		t.Errorf("assignment lost on reopen: %v", err)
	}
}

func TestJSONStorageCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJSONStorage(Config{Path: path}); err == nil {
		t.Error("expected error for corrupt file")
	}
}

func TestJSONStorageRequiresPath(t *testing.T) {
	if _, err := NewJSONStorage(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}
