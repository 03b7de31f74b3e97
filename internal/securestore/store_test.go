package securestore_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/crush-match/crush/internal/securestore"
)

const (
	storeTestObjectFileName = "accounts.list"
	storeTestNamespaceName  = "session"
)

type storedAccountFixture struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func openTestStore(t *testing.T) *securestore.Store {
	t.Helper()
	store, err := securestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func TestWriteObjectRoundTrip(t *testing.T) {
	store := openTestStore(t)
	written := []storedAccountFixture{{Name: "first", Count: 1}, {Name: "second", Count: 2}}

	if err := store.WriteObject(storeTestObjectFileName, written); err != nil {
		t.Fatalf("write object: %v", err)
	}

	var loaded []storedAccountFixture
	found, err := store.ReadObject(storeTestObjectFileName, &loaded)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if !found {
		t.Fatal("expected object to be found")
	}
	if len(loaded) != 2 || loaded[0].Name != "first" || loaded[1].Count != 2 {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestReadObjectMissingFileKeepsDefault(t *testing.T) {
	store := openTestStore(t)

	loaded := []storedAccountFixture{{Name: "default"}}
	found, err := store.ReadObject("never-written", &loaded)
	if err != nil {
		t.Fatalf("missing file must not fail: %v", err)
	}
	if found {
		t.Fatal("missing file must report found=false")
	}
	if len(loaded) != 1 || loaded[0].Name != "default" {
		t.Fatalf("caller default must survive a miss: %+v", loaded)
	}
}

func TestCiphertextIsOpaqueAndBoundToFileName(t *testing.T) {
	dataDirectory := t.TempDir()
	store, err := securestore.Open(dataDirectory)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.WriteObject(storeTestObjectFileName, storedAccountFixture{Name: "secret"}); err != nil {
		t.Fatalf("write object: %v", err)
	}

	rawBytes, err := os.ReadFile(filepath.Join(dataDirectory, storeTestObjectFileName))
	if err != nil {
		t.Fatalf("read raw file: %v", err)
	}
	if bytes.Contains(rawBytes, []byte("secret")) {
		t.Fatal("plaintext leaked into the stored file")
	}

	// Moving ciphertext between names must fail authentication.
	renamedPath := filepath.Join(dataDirectory, "other.name")
	if err := os.WriteFile(renamedPath, rawBytes, 0o600); err != nil {
		t.Fatalf("copy ciphertext: %v", err)
	}
	var target storedAccountFixture
	if _, err := store.ReadObject("other.name", &target); err == nil {
		t.Fatal("expected authentication failure for renamed ciphertext")
	}
}

func TestTamperedCiphertextReturnsStorageError(t *testing.T) {
	dataDirectory := t.TempDir()
	store, err := securestore.Open(dataDirectory)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.WriteObject(storeTestObjectFileName, storedAccountFixture{Name: "value"}); err != nil {
		t.Fatalf("write object: %v", err)
	}

	filePath := filepath.Join(dataDirectory, storeTestObjectFileName)
	rawBytes, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read raw file: %v", err)
	}
	rawBytes[len(rawBytes)-1] ^= 0xff
	if err := os.WriteFile(filePath, rawBytes, 0o600); err != nil {
		t.Fatalf("write tampered file: %v", err)
	}

	var target storedAccountFixture
	_, readErr := store.ReadObject(storeTestObjectFileName, &target)
	var storageError *securestore.StorageError
	if !errors.As(readErr, &storageError) {
		t.Fatalf("expected *StorageError, got %v", readErr)
	}
}

func TestMasterKeySurvivesReopen(t *testing.T) {
	dataDirectory := t.TempDir()
	firstStore, err := securestore.Open(dataDirectory)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := firstStore.WriteObject(storeTestObjectFileName, storedAccountFixture{Name: "persisted"}); err != nil {
		t.Fatalf("write object: %v", err)
	}

	secondStore, err := securestore.Open(dataDirectory)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	var loaded storedAccountFixture
	found, err := secondStore.ReadObject(storeTestObjectFileName, &loaded)
	if err != nil || !found {
		t.Fatalf("read after reopen: found=%v err=%v", found, err)
	}
	if loaded.Name != "persisted" {
		t.Fatalf("unexpected value after reopen: %+v", loaded)
	}
}

func TestNamespacePersistsValues(t *testing.T) {
	dataDirectory := t.TempDir()
	store, err := securestore.Open(dataDirectory)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	namespace, err := store.OpenNamespace(storeTestNamespaceName)
	if err != nil {
		t.Fatalf("open namespace: %v", err)
	}

	if namespace.GetInt("index", -1) != -1 {
		t.Fatal("expected default for unset key")
	}
	if err := namespace.SetInt("index", 2); err != nil {
		t.Fatalf("set value: %v", err)
	}

	reopenedStore, err := securestore.Open(dataDirectory)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	reopenedNamespace, err := reopenedStore.OpenNamespace(storeTestNamespaceName)
	if err != nil {
		t.Fatalf("reopen namespace: %v", err)
	}
	if reopenedNamespace.GetInt("index", -1) != 2 {
		t.Fatal("namespace value did not survive reopen")
	}

	if err := reopenedNamespace.Clear(); err != nil {
		t.Fatalf("clear namespace: %v", err)
	}
	if reopenedNamespace.Get("index", "") != "" {
		t.Fatal("clear must drop all keys")
	}
}
