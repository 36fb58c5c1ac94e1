package main

import (
	"path/filepath"
	"testing"

	"aoo/netpeer"
	"aoo/rendezvous/store"
)

func cliDBSetup(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "aooserver.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	st.Close()
	return dbPath
}

func TestRunCLIVersionReturnsTrue(t *testing.T) {
	if !RunCLI([]string{"version"}, "not-used.db") {
		t.Error("RunCLI(version) should return true")
	}
}

func TestRunCLIUnknownSubcommandReturnsFalse(t *testing.T) {
	if RunCLI([]string{"nonexistent-cmd"}, "not-used.db") {
		t.Error("RunCLI(unknown) should return false")
	}
}

func TestRunCLIEmptyArgsReturnsFalse(t *testing.T) {
	if RunCLI([]string{}, "not-used.db") {
		t.Error("RunCLI([]) should return false")
	}
}

func TestCLIStatusReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"status"}, dbPath) {
		t.Error("RunCLI(status) should return true")
	}
}

func TestCLIAccountsListEmptyReturnsTrue(t *testing.T) {
	dbPath := cliDBSetup(t)
	if !RunCLI([]string{"accounts"}, dbPath) {
		t.Error("RunCLI(accounts) should return true")
	}
}

func TestCLIAccountsCreateAndDelete(t *testing.T) {
	dbPath := cliDBSetup(t)

	if !RunCLI([]string{"accounts", "create", "alice", "hunter2"}, dbPath) {
		t.Error("RunCLI(accounts create) should return true")
	}

	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	defer st.Close()

	ok, err := st.CheckUserPassword("alice", netpeer.HashPassword("hunter2"))
	if err != nil {
		t.Fatalf("CheckUserPassword: %v", err)
	}
	if !ok {
		t.Fatal("expected created user to authenticate with the given password")
	}

	if !RunCLI([]string{"accounts", "delete", "alice"}, dbPath) {
		t.Error("RunCLI(accounts delete) should return true")
	}
	names, err := st.UserNames()
	if err != nil {
		t.Fatalf("UserNames: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected user to be deleted, got %v", names)
	}
}
