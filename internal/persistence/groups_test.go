package persistence

import (
	"context"
	"errors"
	"testing"
)

func TestValidFolderName(t *testing.T) {
	valid := []string{"main", "family", "dev-ops", "a", "x1", "team-42"}
	for _, name := range valid {
		if !ValidFolderName(name) {
			t.Errorf("%q should be valid", name)
		}
	}
	invalid := []string{"", "-lead", "UPPER", "has space", "dots.bad", "über",
		"0123456789012345678901234567890123456789x"}
	for _, name := range invalid {
		if ValidFolderName(name) {
			t.Errorf("%q should be invalid", name)
		}
	}
}

func TestRegisterAndLookupGroup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	g := RegisteredGroup{
		Folder:          "family",
		ChatAddress:     "telegram:-100123",
		DisplayName:     "Family chat",
		RequiresTrigger: true,
	}
	if err := store.RegisterGroup(ctx, g); err != nil {
		t.Fatalf("register: %v", err)
	}

	byFolder, err := store.GroupByFolder(ctx, "family")
	if err != nil {
		t.Fatalf("by folder: %v", err)
	}
	if byFolder.ChatAddress != g.ChatAddress || !byFolder.RequiresTrigger {
		t.Fatalf("round trip mismatch: %#v", byFolder)
	}

	byAddr, err := store.GroupByAddress(ctx, "telegram:-100123")
	if err != nil {
		t.Fatalf("by address: %v", err)
	}
	if byAddr.Folder != "family" {
		t.Fatalf("address lookup folder = %q", byAddr.Folder)
	}
}

func TestRegisterGroupRejectsBadFolder(t *testing.T) {
	store := openTestStore(t)
	err := store.RegisterGroup(context.Background(), RegisteredGroup{
		Folder:      "Bad Folder",
		ChatAddress: "telegram:1",
	})
	if err == nil {
		t.Fatal("expected rejection of invalid folder name")
	}
}

func TestRegisterGroupUpsertsBinding(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.RegisterGroup(ctx, RegisteredGroup{Folder: "ops", ChatAddress: "telegram:1", RequiresTrigger: true})
	if err := store.RegisterGroup(ctx, RegisteredGroup{Folder: "ops", ChatAddress: "telegram:2", DisplayName: "Ops"}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	g, err := store.GroupByFolder(ctx, "ops")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if g.ChatAddress != "telegram:2" || g.RequiresTrigger {
		t.Fatalf("upsert did not apply: %#v", g)
	}
}

func TestUnknownGroupError(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GroupByFolder(context.Background(), "ghost")
	if !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup, got %v", err)
	}
	if err := store.UnregisterGroup(context.Background(), "ghost"); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("unregister of missing group: %v", err)
	}
}

func TestListGroupsSorted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.RegisterGroup(ctx, RegisteredGroup{Folder: "zeta", ChatAddress: "telegram:10"})
	_ = store.RegisterGroup(ctx, RegisteredGroup{Folder: "alpha", ChatAddress: "telegram:11"})

	groups, err := store.ListGroups(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(groups) != 2 || groups[0].Folder != "alpha" {
		t.Fatalf("list order wrong: %#v", groups)
	}
}

func TestEnsureSessionIsStable(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_ = store.RegisterGroup(ctx, RegisteredGroup{Folder: "main", ChatAddress: "telegram:1"})

	first, err := store.EnsureSession(ctx, "main")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := store.EnsureSession(ctx, "main")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first == "" || first != second {
		t.Fatalf("session not stable: %q vs %q", first, second)
	}

	rotated, err := store.ResetSession(ctx, "main")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if rotated == first {
		t.Fatal("reset did not rotate session id")
	}
}
