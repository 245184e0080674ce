package storage_test

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/Valgeir99/distributed-optimization-solver/internal/storage"
)

func TestActivePayloadLifecycle(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.WriteActive("sub_1", "tour 1 2 3"); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := store.ReadActive("sub_1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if data != "tour 1 2 3" {
		t.Fatalf("read back %q", data)
	}
	if err := store.RemoveActive("sub_1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// Removing twice is fine: finalize and the deny-by-default fallback may
	// both try to clean up.
	if err := store.RemoveActive("sub_1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if _, err := store.ReadActive("sub_1"); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("read after remove: %v", err)
	}
}

func TestPromoteBestReplacesPrevious(t *testing.T) {
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.WriteActive("sub_1", "first"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.PromoteBest("tsp_1", "sub_1"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if data, _ := store.ReadBest("tsp_1"); data != "first" {
		t.Fatalf("best after first promote: %q", data)
	}

	if _, err := store.WriteActive("sub_2", "second"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.PromoteBest("tsp_1", "sub_2"); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if data, _ := store.ReadBest("tsp_1"); data != "second" {
		t.Fatalf("best after second promote: %q", data)
	}

	// Promotion copies; the active payload stays until finalize removes it.
	if data, err := store.ReadActive("sub_2"); err != nil || data != "second" {
		t.Fatalf("active after promote: %q %v", data, err)
	}
}
