package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

const (
	masterKeyFileName      = "master.key"
	masterKeyLength        = 32
	keyDirectoryPermission = 0o700
	keyFilePermission      = 0o600
	dataFilePermission     = 0o600
	temporaryFileSuffix    = ".tmp"
	envelopeVersion        = 1

	errMessageKeyLength       = "master key has unexpected length"
	errMessageEnvelopeVersion = "unsupported envelope version"
	errMessageShortCiphertext = "ciphertext shorter than nonce"
)

var (
	errMasterKeyLength = errors.New(errMessageKeyLength)
	errEnvelopeVersion = errors.New(errMessageEnvelopeVersion)
	errShortCiphertext = errors.New(errMessageShortCiphertext)
)

// StorageError reports an encrypt, decrypt, or IO failure inside the store.
// Callers decide whether to degrade to defaults or abort startup.
type StorageError struct {
	Operation string
	Err       error
}

// Error implements the error interface.
func (storageError *StorageError) Error() string {
	return fmt.Sprintf("securestore %s: %v", storageError.Operation, storageError.Err)
}

// Unwrap exposes the underlying cause.
func (storageError *StorageError) Unwrap() error {
	return storageError.Err
}

func newStorageError(operation string, err error) *StorageError {
	return &StorageError{Operation: operation, Err: err}
}

// envelope is the versioned on-disk schema wrapped around every value before
// encryption, so the layout can migrate without breaking old files.
type envelope struct {
	Version int             `json:"v"`
	Data    json.RawMessage `json:"data"`
}

// Store performs authenticated encryption at rest for object files and KV
// namespaces under a single data directory. Each file is sealed with an
// AES-256-GCM subkey derived from the process master key and the file name,
// so moving a ciphertext between file names fails authentication.
type Store struct {
	dataDirectory string
	masterKey     []byte
}

// Open loads or creates the master key and returns a store rooted at the
// given data directory. The first call creates the key file with owner-only
// permissions, standing in for a platform keystore.
func Open(dataDirectory string) (*Store, error) {
	if err := os.MkdirAll(dataDirectory, keyDirectoryPermission); err != nil {
		return nil, newStorageError("create data directory", err)
	}

	masterKeyPath := filepath.Join(dataDirectory, masterKeyFileName)
	masterKey, err := os.ReadFile(masterKeyPath)
	if errors.Is(err, os.ErrNotExist) {
		masterKey = make([]byte, masterKeyLength)
		if _, randErr := rand.Read(masterKey); randErr != nil {
			return nil, newStorageError("generate master key", randErr)
		}
		if writeErr := os.WriteFile(masterKeyPath, masterKey, keyFilePermission); writeErr != nil {
			return nil, newStorageError("persist master key", writeErr)
		}
	} else if err != nil {
		return nil, newStorageError("read master key", err)
	}
	if len(masterKey) != masterKeyLength {
		return nil, newStorageError("read master key", errMasterKeyLength)
	}

	return &Store{dataDirectory: dataDirectory, masterKey: masterKey}, nil
}

// WriteObject seals the value into the named file, fully replacing any
// previous contents. The replacement happens through a temporary file and a
// rename so a crash never leaves a partially written ciphertext behind.
func (store *Store) WriteObject(name string, value any) error {
	encodedValue, err := json.Marshal(value)
	if err != nil {
		return newStorageError("encode object", err)
	}
	sealedEnvelope, err := json.Marshal(envelope{Version: envelopeVersion, Data: encodedValue})
	if err != nil {
		return newStorageError("encode envelope", err)
	}

	ciphertext, err := store.seal(name, sealedEnvelope)
	if err != nil {
		return err
	}

	targetPath := filepath.Join(store.dataDirectory, name)
	temporaryPath := targetPath + temporaryFileSuffix
	if err := os.WriteFile(temporaryPath, ciphertext, dataFilePermission); err != nil {
		return newStorageError("write object file", err)
	}
	if err := os.Rename(temporaryPath, targetPath); err != nil {
		_ = os.Remove(temporaryPath)
		return newStorageError("replace object file", err)
	}
	return nil
}

// ReadObject opens and authenticates the named file into target. A missing
// file returns found=false with a nil error so the caller keeps its default;
// any other failure is a *StorageError.
func (store *Store) ReadObject(name string, target any) (bool, error) {
	ciphertext, err := os.ReadFile(filepath.Join(store.dataDirectory, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, newStorageError("read object file", err)
	}

	plaintext, err := store.open(name, ciphertext)
	if err != nil {
		return false, err
	}

	var sealedEnvelope envelope
	if err := json.Unmarshal(plaintext, &sealedEnvelope); err != nil {
		return false, newStorageError("decode envelope", err)
	}
	if sealedEnvelope.Version != envelopeVersion {
		return false, newStorageError("decode envelope", errEnvelopeVersion)
	}
	if err := json.Unmarshal(sealedEnvelope.Data, target); err != nil {
		return false, newStorageError("decode object", err)
	}
	return true, nil
}

// Remove deletes the named file. Missing files are not an error.
func (store *Store) Remove(name string) error {
	err := os.Remove(filepath.Join(store.dataDirectory, name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return newStorageError("remove object file", err)
	}
	return nil
}

func (store *Store) seal(name string, plaintext []byte) ([]byte, error) {
	aead, err := store.aeadFor(name)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, newStorageError("generate nonce", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (store *Store) open(name string, ciphertext []byte) ([]byte, error) {
	aead, err := store.aeadFor(name)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, newStorageError("open ciphertext", errShortCiphertext)
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, newStorageError("open ciphertext", err)
	}
	return plaintext, nil
}

// aeadFor derives the per-file AES-256-GCM subkey via HKDF-SHA256 with the
// file name as context info.
func (store *Store) aeadFor(name string) (cipher.AEAD, error) {
	subKey := make([]byte, masterKeyLength)
	keyReader := hkdf.New(sha256.New, store.masterKey, nil, []byte(name))
	if _, err := io.ReadFull(keyReader, subKey); err != nil {
		return nil, newStorageError("derive file key", err)
	}
	block, err := aes.NewCipher(subKey)
	if err != nil {
		return nil, newStorageError("create cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, newStorageError("create aead", err)
	}
	return aead, nil
}
