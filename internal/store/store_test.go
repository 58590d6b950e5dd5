package store

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenBootstrapsFreshDir(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, 1200)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	next, err := s.LoadNextGameID()
	if err != nil {
		t.Fatalf("LoadNextGameID: %v", err)
	}
	if next != 1 {
		t.Errorf("next game id = %d, want 1", next)
	}

	players, err := s.LoadPlayers()
	if err != nil {
		t.Fatalf("LoadPlayers: %v", err)
	}
	if len(players) != 0 {
		t.Errorf("fresh store should have no players, got %d", len(players))
	}

	if got := s.LogPath(7); got != filepath.Join(dir, "log", "7") {
		t.Errorf("LogPath(7) = %s", got)
	}
}

func TestPlayersRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1200)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	want := []Player{
		{Name: "alice", PasswordHash: "$2a$10$abc", Rating: 1250},
		{Name: "bob", PasswordHash: "$2a$10$def", Rating: 1180},
	}
	if err := s.SavePlayers(want); err != nil {
		t.Fatalf("SavePlayers: %v", err)
	}

	got, err := s.LoadPlayers()
	if err != nil {
		t.Fatalf("LoadPlayers: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d players, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("player %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestGameIDPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1200)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SaveNextGameID(42); err != nil {
		t.Fatalf("SaveNextGameID: %v", err)
	}

	s2, err := Open(dir, 1200)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	next, err := s2.LoadNextGameID()
	if err != nil {
		t.Fatalf("LoadNextGameID: %v", err)
	}
	if next != 42 {
		t.Errorf("next game id after reopen = %d, want 42", next)
	}
}

func TestMigrateLegacyPasswd(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1200)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Simulate a legacy two-column passwd file at schema version 2.0.
	if err := s.writeVersion("2.0"); err != nil {
		t.Fatalf("writeVersion: %v", err)
	}
	legacyPath := filepath.Join(dir, privateDir, passwdFile)
	if err := os.WriteFile(legacyPath, []byte("carol abcdef\n"), 0o644); err != nil {
		t.Fatalf("writing legacy passwd: %v", err)
	}

	s2, err := Open(dir, 1300)
	if err != nil {
		t.Fatalf("reopen to migrate: %v", err)
	}
	players, err := s2.LoadPlayers()
	if err != nil {
		t.Fatalf("LoadPlayers after migration: %v", err)
	}
	if len(players) != 1 || players[0].Name != "carol" || players[0].Rating != 1300 {
		t.Errorf("migrated players = %+v, want single carol at rating 1300", players)
	}
}
