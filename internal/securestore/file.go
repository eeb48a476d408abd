package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/crypto/scrypt"
)

const (
	// secretsFileName is the encrypted secrets payload inside ConfigDir.
	secretsFileName = "secrets.enc"
	// fileKeyName holds the random key material the payload is encrypted
	// with. It lives next to the payload so the pair survives reinstalls of
	// the OS keyring and migrations between machines that copy the config
	// directory wholesale.
	fileKeyName = ".secrets-key"

	privateDirPerm  = 0o700
	privateFilePerm = 0o600

	maxKeyFileSize     = 4096
	maxSecretsFileSize = 1 << 20 // 1 MiB
)

var (
	errUnsafeSecretsPath = errors.New("unsafe secrets path")
	errInvalidFileKey    = errors.New("invalid secrets key file")
)

// fileStore is the non-keyring fallback: an AES-256-GCM encrypted JSON map
// on disk. Functionally equivalent to the keyring backend but with no
// OS-level access control beyond file permissions.
type fileStore struct {
	mu        sync.Mutex
	service   string
	configDir string
	aead      cipher.AEAD
}

func newFileStore(service, configDir string) (*fileStore, error) {
	configDir = strings.TrimSpace(configDir)
	if configDir == "" {
		return nil, errors.New("securestore: config directory cannot be empty")
	}

	keyMaterial, err := ensureFileKey(configDir)
	if err != nil {
		return nil, err
	}

	// scrypt stretches the on-disk key material and binds it to the service
	// namespace, so two apps sharing a config dir cannot read each other's
	// payloads.
	derived, err := scrypt.Key([]byte(keyMaterial), []byte("appcore-securestore-"+service), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("securestore: derive file key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("securestore: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("securestore: create GCM: %w", err)
	}

	return &fileStore{service: service, configDir: configDir, aead: aead}, nil
}

func (s *fileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", false, &StoreError{Op: "get", Key: key, Backend: BackendFile, Err: err}
	}
	value, ok := values[key]
	return value, ok, nil
}

func (s *fileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return &StoreError{Op: "set", Key: key, Backend: BackendFile, Err: err}
	}
	values[key] = value
	if err := s.save(values); err != nil {
		return &StoreError{Op: "set", Key: key, Backend: BackendFile, Err: err}
	}
	return nil
}

func (s *fileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return &StoreError{Op: "delete", Key: key, Backend: BackendFile, Err: err}
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	if err := s.save(values); err != nil {
		return &StoreError{Op: "delete", Key: key, Backend: BackendFile, Err: err}
	}
	return nil
}

func (s *fileStore) GetBool(key string) (bool, bool, error) {
	return getBool(s, key)
}

func (s *fileStore) SetBool(key string, value bool) error {
	return s.Set(key, strconv.FormatBool(value))
}

// load decrypts the payload into a key/value map. A missing file reads as an
// empty map.
func (s *fileStore) load() (map[string]string, error) {
	path := filepath.Join(s.configDir, secretsFileName)
	encoded, err := readBoundedRegularFile(path, maxSecretsFileSize)
	if err != nil {
		if isMissingPathError(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("decode secrets file: %w", err)
	}
	if len(ciphertext) < s.aead.NonceSize() {
		return nil, fmt.Errorf("secrets file too short: %d bytes", len(ciphertext))
	}

	nonce := ciphertext[:s.aead.NonceSize()]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext[s.aead.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets file: %w", err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("parse secrets payload: %w", err)
	}
	return values, nil
}

func (s *fileStore) save(values map[string]string) error {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal secrets payload: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := s.aead.Seal(nonce, nonce, plaintext, nil)

	path := filepath.Join(s.configDir, secretsFileName)
	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	if err := writeOwnerOnlyFileAtomic(path, []byte(encoded)); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	return nil
}

// ensureFileKey loads the persistent key material, generating a fresh random
// key on first use.
func ensureFileKey(configDir string) (string, error) {
	keyPath := filepath.Join(configDir, fileKeyName)

	if err := ensureOwnerOnlyDir(configDir); err != nil {
		return "", fmt.Errorf("securestore: secure config directory: %w", err)
	}

	data, err := readBoundedRegularFile(keyPath, maxKeyFileSize)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("%w: key file is empty", errInvalidFileKey)
		}
		return key, os.Chmod(keyPath, privateFilePerm)
	}
	if !isMissingPathError(err) {
		return "", fmt.Errorf("securestore: load key file: %w", err)
	}

	keyBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, keyBytes); err != nil {
		return "", fmt.Errorf("securestore: generate key: %w", err)
	}
	key := hex.EncodeToString(keyBytes)

	if err := writeOwnerOnlyFileAtomic(keyPath, []byte(key)); err != nil {
		return "", fmt.Errorf("securestore: write key file: %w", err)
	}
	return key, nil
}

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return err
	}
	return os.Chmod(dir, privateDirPerm)
}

func validateRegularFile(path string, info os.FileInfo) error {
	if info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: refusing symlink path %q", errUnsafeSecretsPath, path)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: non-regular path %q", errUnsafeSecretsPath, path)
	}
	return nil
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if err := validateRegularFile(path, info); err != nil {
		return nil, err
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit (%d bytes)", errUnsafeSecretsPath, path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeded size limit while reading", errUnsafeSecretsPath, path)
	}
	return data, nil
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	if err := ensureOwnerOnlyDir(filepath.Dir(path)); err != nil {
		return err
	}

	if info, err := os.Lstat(path); err == nil {
		if err := validateRegularFile(path, info); err != nil {
			return err
		}
	} else if !isMissingPathError(err) {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return os.Chmod(path, privateFilePerm)
}
