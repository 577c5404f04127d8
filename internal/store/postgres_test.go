package store

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"PerpMargin/internal/testutil"
	"PerpMargin/migrations"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := NewMigrator(db, migrations.Files).Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	s := NewPostgresStore(db)

	if _, err := s.Load(ctx, "position:missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("load missing err = %v; want ErrNotFound", err)
	}

	data, created, err := s.CreateIfAbsent(ctx, "market:PERP", 40)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created || !bytes.Equal(data, make([]byte, 40)) {
		t.Errorf("first create: created=%v data=%v", created, data)
	}

	want := []byte{1, 2, 3, 4}
	if err := s.Store(ctx, "market:PERP", want); err != nil {
		t.Fatalf("store: %v", err)
	}

	data, created, err = s.CreateIfAbsent(ctx, "market:PERP", 40)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created || !bytes.Equal(data, want) {
		t.Errorf("second create: created=%v data=%v; want existing %v", created, data, want)
	}

	got, err := s.Load(ctx, "market:PERP")
	if err != nil || !bytes.Equal(got, want) {
		t.Errorf("load = %v, %v; want %v, nil", got, err, want)
	}

	// StoreAll persists both records.
	batch := map[string][]byte{
		"market:PERP":  {9, 9},
		"position:abc": {7, 7},
	}
	if err := s.StoreAll(ctx, batch); err != nil {
		t.Fatalf("store all: %v", err)
	}
	for key, wantData := range batch {
		got, err := s.Load(ctx, key)
		if err != nil || !bytes.Equal(got, wantData) {
			t.Errorf("load %s = %v, %v; want %v, nil", key, got, err, wantData)
		}
	}
}
