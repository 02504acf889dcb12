package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"botfleet/internal/models"
)

// storageContract exercises the behaviour every backend must share.
func storageContract(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	t.Run("WorkerUpsertAndGet", func(t *testing.T) {
		rec := &models.WorkerRecord{
			InstanceID:   "w-1",
			CredentialID: "bot-1",
			Owner:        "alice",
			Name:         "support",
			Status:       models.WorkerStatusCreating,
			CreatedAt:    base,
		}
		if err := s.SaveWorker(ctx, rec); err != nil {
			t.Fatalf("SaveWorker failed: %v", err)
		}

		rec.Status = models.WorkerStatusError
		rec.LastError = "setup failed"
		rec.LastUpdated = base.Add(time.Minute)
		if err := s.SaveWorker(ctx, rec); err != nil {
			t.Fatalf("SaveWorker (update) failed: %v", err)
		}

		got, err := s.GetWorker(ctx, "w-1")
		if err != nil {
			t.Fatalf("GetWorker failed: %v", err)
		}
		if got.Status != models.WorkerStatusError {
			t.Errorf("expected status %q, got %q", models.WorkerStatusError, got.Status)
		}
		if got.LastError != "setup failed" {
			t.Errorf("expected last error to round-trip, got %q", got.LastError)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("expected created_at %v, got %v", base, got.CreatedAt)
		}
		if !got.LastUpdated.Equal(base.Add(time.Minute)) {
			t.Errorf("expected last_updated %v, got %v", base.Add(time.Minute), got.LastUpdated)
		}
	})

	t.Run("WorkerReturnsCopies", func(t *testing.T) {
		got, err := s.GetWorker(ctx, "w-1")
		if err != nil {
			t.Fatalf("GetWorker failed: %v", err)
		}
		got.Status = "tampered"

		again, err := s.GetWorker(ctx, "w-1")
		if err != nil {
			t.Fatalf("GetWorker failed: %v", err)
		}
		if again.Status == "tampered" {
			t.Error("mutating a returned record changed stored state")
		}
	})

	t.Run("InvalidWorkerRejected", func(t *testing.T) {
		err := s.SaveWorker(ctx, &models.WorkerRecord{InstanceID: "w-x"})
		if err == nil {
			t.Error("expected validation error for incomplete record")
		}
	})

	t.Run("ListWorkersByOwner", func(t *testing.T) {
		for i, owner := range []string{"bob", "alice", "bob"} {
			rec := &models.WorkerRecord{
				InstanceID:   "w-" + string(rune('2'+i)),
				CredentialID: "bot-" + string(rune('2'+i)),
				Owner:        owner,
				Name:         "worker",
				Status:       models.WorkerStatusCreated,
				CreatedAt:    base.Add(time.Duration(i+1) * time.Second),
			}
			if err := s.SaveWorker(ctx, rec); err != nil {
				t.Fatalf("SaveWorker failed: %v", err)
			}
		}

		all, err := s.ListWorkers(ctx, "")
		if err != nil {
			t.Fatalf("ListWorkers failed: %v", err)
		}
		if len(all) != 4 {
			t.Fatalf("expected 4 workers, got %d", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].CreatedAt.Before(all[i-1].CreatedAt) {
				t.Errorf("workers not ordered by creation time: %v", all)
			}
		}

		bobs, err := s.ListWorkers(ctx, "bob")
		if err != nil {
			t.Fatalf("ListWorkers failed: %v", err)
		}
		if len(bobs) != 2 {
			t.Errorf("expected 2 workers for bob, got %d", len(bobs))
		}

		none, err := s.ListWorkers(ctx, "nobody")
		if err != nil {
			t.Fatalf("ListWorkers failed: %v", err)
		}
		if none == nil || len(none) != 0 {
			t.Errorf("expected empty non-nil slice, got %v", none)
		}
	})

	t.Run("DeleteWorker", func(t *testing.T) {
		if err := s.DeleteWorker(ctx, "w-2"); err != nil {
			t.Fatalf("DeleteWorker failed: %v", err)
		}
		if _, err := s.GetWorker(ctx, "w-2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.DeleteWorker(ctx, "w-2"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("AssignmentLifecycle", func(t *testing.T) {
		if _, err := s.GetAssignment(ctx, "bot-1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for unassigned credential, got %v", err)
		}

		first := &models.Assignment{CredentialID: "bot-1", Owner: "alice", InstanceID: "w-1", AssignedAt: base}
		second := &models.Assignment{CredentialID: "bot-2", Owner: "alice", AssignedAt: base.Add(time.Hour)}
		for _, a := range []*models.Assignment{first, second} {
			if err := s.SaveAssignment(ctx, a); err != nil {
				t.Fatalf("SaveAssignment failed: %v", err)
			}
		}

		got, err := s.GetAssignment(ctx, "bot-1")
		if err != nil {
			t.Fatalf("GetAssignment failed: %v", err)
		}
		if got.Owner != "alice" || got.InstanceID != "w-1" {
			t.Errorf("unexpected assignment: %+v", got)
		}

		latest, err := s.GetAssignmentByOwner(ctx, "alice")
		if err != nil {
			t.Fatalf("GetAssignmentByOwner failed: %v", err)
		}
		if latest.CredentialID != "bot-2" {
			t.Errorf("expected most recent assignment bot-2, got %s", latest.CredentialID)
		}
		if latest.InstanceID != "" {
			t.Errorf("expected empty instance id, got %q", latest.InstanceID)
		}

		if _, err := s.GetAssignmentByOwner(ctx, "mallory"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for unknown owner, got %v", err)
		}

		list, err := s.ListAssignments(ctx)
		if err != nil {
			t.Fatalf("ListAssignments failed: %v", err)
		}
		if len(list) != 2 || list[0].CredentialID != "bot-1" {
			t.Errorf("unexpected assignment list: %+v", list)
		}

		if err := s.DeleteAssignment(ctx, "bot-1"); err != nil {
			t.Fatalf("DeleteAssignment failed: %v", err)
		}
		if err := s.DeleteAssignment(ctx, "bot-1"); err != nil {
			t.Errorf("DeleteAssignment should be idempotent, got %v", err)
		}
		if _, err := s.GetAssignment(ctx, "bot-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("AssignmentRequiresCredential", func(t *testing.T) {
		if err := s.SaveAssignment(ctx, &models.Assignment{Owner: "alice"}); err == nil {
			t.Error("expected error for assignment without credential id")
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}
