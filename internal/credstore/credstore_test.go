package credstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvStore(t *testing.T) {
	t.Setenv("ORCHARD_TEST_TOKEN", "sekret")

	token, err := EnvStore{Var: "ORCHARD_TEST_TOKEN"}.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "sekret" {
		t.Errorf("token = %q, want sekret", token)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  sekret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	token, err := FileStore{Path: path}.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "sekret" {
		t.Errorf("token = %q, want sekret (trimmed)", token)
	}
}

func TestFileStore_RefusesReadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("sekret"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := (FileStore{Path: path}).Token(context.Background()); err == nil {
		t.Fatal("world-readable credentials file accepted")
	}
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	token, err := FileStore{Path: filepath.Join(t.TempDir(), "nope")}.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}

func TestChain_FirstNonEmptyWins(t *testing.T) {
	t.Setenv("ORCHARD_EMPTY", "")
	t.Setenv("ORCHARD_SET", "from-env")

	chain := Chain{
		EnvStore{Var: "ORCHARD_EMPTY"},
		EnvStore{Var: "ORCHARD_SET"},
	}
	token, err := chain.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "from-env" {
		t.Errorf("token = %q, want from-env", token)
	}
}

func TestChain_AllEmpty(t *testing.T) {
	t.Setenv("ORCHARD_EMPTY", "")

	token, err := Chain{EnvStore{Var: "ORCHARD_EMPTY"}}.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty", token)
	}
}
