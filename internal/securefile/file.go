// Package securefile provides encrypted JSON file read/write with atomic writes.
// Uses Argon2id for KDF and XChaCha20-Poly1305 for AEAD.
//
// A Sealer derives its key once and reuses it for every write of the same file, so
// frequent small updates do not pay the Argon2 cost each time.
package securefile

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/quantumauth-io/walletlink-client/internal/constants"
)

var (
	// ErrInvalidPasswordOrCorrupt is returned when decryption fails.
	// Keep this generic to avoid leaking details.
	ErrInvalidPasswordOrCorrupt = errors.New("invalid password or corrupted file")
)

// KDFParams describes the on-disk encryption envelope and KDF settings.
type KDFParams struct {
	Version int `json:"version"`

	ArgonTime    uint32 `json:"argon_time"`
	ArgonMemory  uint32 `json:"argon_memory_kib"`
	ArgonThreads uint8  `json:"argon_threads"`
	ArgonKeyLen  uint32 `json:"argon_key_len"`

	SaltB64  string `json:"salt_b64"`
	NonceB64 string `json:"nonce_b64"`
	CTB64    string `json:"ct_b64"`
}

// DefaultKDF are reasonable defaults for a local encrypted file.
var DefaultKDF = KDFParams{
	Version:      1,
	ArgonTime:    2,
	ArgonMemory:  64 * 1024, // 64 MiB in KiB
	ArgonThreads: 1,
	ArgonKeyLen:  32,
}

// Options controls encryption behavior.
type Options struct {
	KDF KDFParams

	FilePerm      os.FileMode
	DirectoryPerm os.FileMode

	// AAD must be identical on read and write. Nil means no associated data.
	AAD []byte
}

func defaultOptions() Options {
	return Options{
		KDF:           DefaultKDF,
		FilePerm:      constants.FilePerm,
		DirectoryPerm: constants.DirectoryPerm,
	}
}

type Sealer struct {
	opt  Options
	salt []byte
	key  []byte
}

// NewSealer derives a key from password with a fresh salt.
func NewSealer(password []byte, opt ...Options) (*Sealer, error) {
	o := mergeOptions(opt...)
	if o.KDF.Version != 1 {
		return nil, fmt.Errorf("unsupported kdf version: %d", o.KDF.Version)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("rand salt: %w", err)
	}
	return &Sealer{opt: o, salt: salt, key: deriveKey(password, salt, o.KDF)}, nil
}

func deriveKey(password, salt []byte, p KDFParams) []byte {
	return argon2.IDKey(password, salt, p.ArgonTime, p.ArgonMemory, p.ArgonThreads, p.ArgonKeyLen)
}

// WriteJSON marshals v as pretty JSON, encrypts it with a fresh nonce, and writes it
// atomically to path.
func (s *Sealer) WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), s.opt.DirectoryPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}

	plain, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return fmt.Errorf("aead: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("rand nonce: %w", err)
	}

	ct := aead.Seal(nil, nonce, plain, s.opt.AAD)

	out := s.opt.KDF
	out.SaltB64 = base64.StdEncoding.EncodeToString(s.salt)
	out.NonceB64 = base64.StdEncoding.EncodeToString(nonce)
	out.CTB64 = base64.StdEncoding.EncodeToString(ct)

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal enc file: %w", err)
	}

	return atomicWriteFile(path, b, s.opt.FilePerm)
}

// ReadEncryptedJSON reads path, decrypts it using password, and unmarshals JSON into
// T. The returned Sealer keeps the file's salt and key for subsequent writes.
// A missing file is reported with an error wrapping os.ErrNotExist.
func ReadEncryptedJSON[T any](path string, password []byte, opt ...Options) (T, *Sealer, error) {
	var zero T
	o := mergeOptions(opt...)

	b, err := os.ReadFile(path)
	if err != nil {
		return zero, nil, fmt.Errorf("read file: %w", err)
	}

	var ef KDFParams
	if err := json.Unmarshal(b, &ef); err != nil {
		return zero, nil, fmt.Errorf("unmarshal enc file: %w", err)
	}
	if ef.Version != 1 {
		return zero, nil, fmt.Errorf("unsupported file version: %d", ef.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(ef.SaltB64)
	if err != nil {
		return zero, nil, fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(ef.NonceB64)
	if err != nil {
		return zero, nil, fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(ef.CTB64)
	if err != nil {
		return zero, nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	params := ef
	params.SaltB64, params.NonceB64, params.CTB64 = "", "", ""
	key := deriveKey(password, salt, params)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return zero, nil, fmt.Errorf("aead: %w", err)
	}

	plain, err := aead.Open(nil, nonce, ct, o.AAD)
	if err != nil {
		return zero, nil, ErrInvalidPasswordOrCorrupt
	}

	var out T
	if err := json.Unmarshal(plain, &out); err != nil {
		return zero, nil, fmt.Errorf("unmarshal json: %w", err)
	}

	o.KDF = params
	return out, &Sealer{opt: o, salt: salt, key: key}, nil
}

// StorePath returns <UserConfigDir>/<app>/<env?>/<filename>, honouring
// WALLETLINK_ENV for non-production layouts.
func StorePath(app, filename string) (string, error) {
	if app == "" {
		return "", errors.New("app must not be empty")
	}
	if filename == "" {
		return "", errors.New("filename must not be empty")
	}
	envFolder, err := EnvFolder()
	if err != nil {
		return "", err
	}

	base := ""
	if realHome := os.Getenv("SNAP_REAL_HOME"); realHome != "" {
		base = filepath.Join(realHome, ".config")
	} else if dir, err := os.UserConfigDir(); err == nil {
		base = dir
	} else {
		return "", fmt.Errorf("UserConfigDir: %w", err)
	}

	dir := filepath.Join(base, app)
	if envFolder != "" {
		dir = filepath.Join(dir, envFolder)
	}
	return filepath.Join(dir, filename), nil
}

func EnvFolder() (string, error) {
	raw := strings.TrimSpace(os.Getenv(constants.EnvName))
	switch strings.ToLower(raw) {
	case "", "prod", "production":
		return "", nil
	case "local":
		return "local", nil
	case "dev", "develop", "development":
		return "develop", nil
	default:
		return "", fmt.Errorf("invalid %s %q (allowed: local, develop, empty)", constants.EnvName, raw)
	}
}

func mergeOptions(opt ...Options) Options {
	o := defaultOptions()
	if len(opt) == 0 {
		return o
	}
	in := opt[0]

	if in.KDF.Version != 0 {
		o.KDF = in.KDF
	}
	if in.FilePerm != 0 {
		o.FilePerm = in.FilePerm
	}
	if in.DirectoryPerm != 0 {
		o.DirectoryPerm = in.DirectoryPerm
	}
	if in.AAD != nil {
		o.AAD = in.AAD
	}
	return o
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"

	_ = os.Remove(tmp)

	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
