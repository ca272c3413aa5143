package db

import (
	"fmt"
	"path/filepath"
	"testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepository_CreateAndGet(t *testing.T) {
	repo := newTestRepo(t)

	u := &Update{
		RunID:    "run-1",
		AsyncKey: "k1",
		Name:     "fw",
		Version:  "2.0",
		Status:   StatusDownloading,
	}

	if err := repo.Create(u); err != nil {
		t.Fatalf("failed to create update: %v", err)
	}
	if u.ID == 0 {
		t.Errorf("expected id to be assigned")
	}

	retrieved, err := repo.GetByRunID("run-1")
	if err != nil {
		t.Fatalf("failed to get update: %v", err)
	}

	if retrieved.AsyncKey != u.AsyncKey || retrieved.Version != u.Version {
		t.Errorf("retrieved update mismatch: got %+v, want %+v", retrieved, u)
	}
}

func TestRepository_GetMissing(t *testing.T) {
	repo := newTestRepo(t)

	u, err := repo.GetByRunID("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != nil {
		t.Errorf("expected nil, got %+v", u)
	}
}

func TestRepository_DuplicateRunID(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.Create(&Update{RunID: "run-1", AsyncKey: "k1", Status: StatusDownloading}); err != nil {
		t.Fatalf("failed to create update: %v", err)
	}
	if err := repo.Create(&Update{RunID: "run-1", AsyncKey: "k2", Status: StatusDownloading}); err == nil {
		t.Errorf("expected unique constraint error")
	}
}

func TestRepository_UpdateStatus(t *testing.T) {
	repo := newTestRepo(t)
	repo.Create(&Update{RunID: "run-1", AsyncKey: "k1", Status: StatusDownloading})

	if err := repo.UpdateStatus("run-1", StatusError, "Failed to extract package."); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}

	updated, _ := repo.GetByRunID("run-1")
	if updated.Status != StatusError {
		t.Errorf("status not updated: got %s, want %s", updated.Status, StatusError)
	}
	if updated.ErrorInfo != "Failed to extract package." {
		t.Errorf("expected error info, got %q", updated.ErrorInfo)
	}
	if !updated.Terminal() {
		t.Errorf("expected terminal run")
	}

	if err := repo.UpdateStatus("missing", StatusUpdated, ""); err == nil {
		t.Errorf("expected error for unknown run")
	}
}

func TestRepository_RejectsUnknownStatus(t *testing.T) {
	repo := newTestRepo(t)

	if err := repo.Create(&Update{RunID: "run-1", AsyncKey: "k1", Status: "flashing"}); err == nil {
		t.Errorf("expected check constraint error")
	}
}

func TestRepository_List(t *testing.T) {
	repo := newTestRepo(t)

	repo.Create(&Update{RunID: "run-1", AsyncKey: "k1", Status: StatusUpdated})
	repo.Create(&Update{RunID: "run-2", AsyncKey: "k2", Status: StatusError})
	repo.Create(&Update{RunID: "run-3", AsyncKey: "k3", Status: StatusChecking})

	updates, err := repo.List(0)
	if err != nil {
		t.Fatalf("failed to list updates: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(updates))
	}
	if updates[0].RunID != "run-3" {
		t.Errorf("expected newest first, got %s", updates[0].RunID)
	}

	limited, _ := repo.List(2)
	if len(limited) != 2 {
		t.Errorf("expected 2 updates, got %d", len(limited))
	}
}

func TestRepository_Prune(t *testing.T) {
	repo := newTestRepo(t)

	for i := 0; i < 5; i++ {
		repo.Create(&Update{RunID: fmt.Sprintf("run-%d", i), AsyncKey: "k", Status: StatusUpdated})
	}
	repo.Create(&Update{RunID: "run-live", AsyncKey: "k", Status: StatusChecking})

	n, err := repo.Prune(2)
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 deleted, got %d", n)
	}

	updates, _ := repo.List(0)
	if len(updates) != 2 {
		t.Errorf("expected 2 updates, got %d", len(updates))
	}
	if live, _ := repo.GetByRunID("run-live"); live == nil {
		t.Errorf("expected in-flight run to survive pruning")
	}
}
