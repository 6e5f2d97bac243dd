package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"rugshield/internal/domain"
	"rugshield/internal/storage"
)

func TestTargetStore_UpsertAndGet(t *testing.T) {
	store := NewTargetStore()
	ctx := context.Background()
	created := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	target := &domain.MonitoringTarget{
		TokenMint:     "mint123",
		WalletAddress: "wallet123",
		CreatedAt:     created,
		UpdatedAt:     created,
		Active:        true,
	}
	if err := store.Upsert(ctx, target); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	target.Active = false

	got, err := store.Get(ctx, target.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Active {
		t.Errorf("Expected stored target to stay active")
	}

	pool := "pool123"
	got.PoolAddress = &pool
	got.AutomatedProtectionEnabled = true
	if err := store.Upsert(ctx, got); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	again, err := store.Get(ctx, target.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if again.PoolAddress == nil || *again.PoolAddress != pool {
		t.Errorf("PoolAddress mismatch: got %v", again.PoolAddress)
	}
	if !again.AutomatedProtectionEnabled {
		t.Errorf("Expected protection enabled")
	}
}

func TestTargetStore_NotFound(t *testing.T) {
	store := NewTargetStore()
	_, err := store.Get(context.Background(), domain.TargetKey{TokenMint: "a", WalletAddress: "b"})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestTargetStore_ListActive(t *testing.T) {
	store := NewTargetStore()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	targets := []*domain.MonitoringTarget{
		{TokenMint: "m2", WalletAddress: "w", CreatedAt: base.Add(time.Minute), Active: true},
		{TokenMint: "m1", WalletAddress: "w", CreatedAt: base, Active: true},
		{TokenMint: "m3", WalletAddress: "w", CreatedAt: base, Active: false},
	}
	for _, tg := range targets {
		if err := store.Upsert(ctx, tg); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	got, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 active targets, got %d", len(got))
	}
	if got[0].TokenMint != "m1" || got[1].TokenMint != "m2" {
		t.Errorf("Expected created_at order, got %s, %s", got[0].TokenMint, got[1].TokenMint)
	}
}
