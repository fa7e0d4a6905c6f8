// Package keyring owns the per-partition data-encryption keys and seals
// storage block payloads with AES-256-GCM.
package keyring

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// IVSize is the GCM nonce length.
	IVSize = 12
	// AuthTagSize is the GCM tag length, stored apart from the ciphertext.
	AuthTagSize = 16
	// BlocksPerPartition storage block ids share one key.
	BlocksPerPartition = 10000
)

var hkdfInfoWrap = []byte("blockvault.dek.wrap.v1")

// Partition returns the key partition of a storage block id.
func Partition(storageBlockID int64) int64 {
	return storageBlockID / BlocksPerPartition
}

// KeyStore persists hex-encoded keys by partition. InsertDEK must not
// overwrite an existing key.
type KeyStore interface {
	LoadDEK(ctx context.Context, partition int64) (string, bool, error)
	InsertDEK(ctx context.Context, partition int64, dek string) error
}

// Sealed is the output of Encrypt.
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// Config holds keyring configuration.
type Config struct {
	Store KeyStore
	// MasterKey, when set, wraps every persisted key with
	// XChaCha20-Poly1305 under an HKDF-derived wrapping key.
	MasterKey string
	Logger    zerolog.Logger
}

// Keyring caches partition keys in memory and creates them on first use.
type Keyring struct {
	store   KeyStore
	wrapKey []byte
	logger  zerolog.Logger

	mu   sync.Mutex
	keys map[int64][]byte
}

// New creates a keyring backed by cfg.Store.
func New(cfg Config) (*Keyring, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("key store is required")
	}
	k := &Keyring{
		store:  cfg.Store,
		logger: cfg.Logger.With().Str("component", "keyring").Logger(),
		keys:   make(map[int64][]byte),
	}
	if cfg.MasterKey != "" {
		k.wrapKey = make([]byte, chacha20poly1305.KeySize)
		r := hkdf.New(sha256.New, []byte(cfg.MasterKey), nil, hkdfInfoWrap)
		if _, err := io.ReadFull(r, k.wrapKey); err != nil {
			return nil, fmt.Errorf("derive wrapping key: %w", err)
		}
	}
	return k, nil
}

// Encrypt seals plaintext under the key of partition with a fresh random IV.
func (k *Keyring) Encrypt(ctx context.Context, partition int64, plaintext []byte) (Sealed, error) {
	aead, err := k.aead(ctx, partition)
	if err != nil {
		return Sealed{}, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("generate iv: %w", err)
	}

	out := aead.Seal(make([]byte, 0, len(plaintext)+AuthTagSize), iv, plaintext, nil)
	n := len(out) - AuthTagSize
	return Sealed{
		Ciphertext: out[:n:n],
		IV:         iv,
		AuthTag:    out[n:],
	}, nil
}

// Decrypt authenticates and opens ciphertext. Any mismatch of ciphertext,
// IV or tag returns ErrIntegrity.
func (k *Keyring) Decrypt(ctx context.Context, partition int64, ciphertext, iv, authTag []byte) ([]byte, error) {
	if len(iv) != IVSize || len(authTag) != AuthTagSize {
		return nil, fmt.Errorf("partition %d: malformed iv or tag: %w", partition, ErrIntegrity)
	}
	aead, err := k.aead(ctx, partition)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+AuthTagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, authTag...)

	plaintext, err := aead.Open(sealed[:0], iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("partition %d: %w", partition, ErrIntegrity)
	}
	return plaintext, nil
}

func (k *Keyring) aead(ctx context.Context, partition int64) (cipher.AEAD, error) {
	key, err := k.key(ctx, partition)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCMWithTagSize(block, AuthTagSize)
}

// key returns the cached key of partition, loading or generating it under the
// keyring lock. A freshly generated key is inserted with insert-or-ignore and
// re-read, so concurrent processes converge on the persisted winner.
func (k *Keyring) key(ctx context.Context, partition int64) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.keys[partition]; ok {
		return key, nil
	}

	stored, ok, err := k.store.LoadDEK(ctx, partition)
	if err != nil {
		return nil, fmt.Errorf("load key of partition %d: %w", partition, err)
	}
	if !ok {
		fresh := make([]byte, KeySize)
		if _, err := rand.Read(fresh); err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		encoded, err := k.wrap(partition, fresh)
		if err != nil {
			return nil, err
		}
		if err := k.store.InsertDEK(ctx, partition, encoded); err != nil {
			return nil, fmt.Errorf("persist key of partition %d: %w", partition, err)
		}
		if stored, ok, err = k.store.LoadDEK(ctx, partition); err != nil {
			return nil, fmt.Errorf("reload key of partition %d: %w", partition, err)
		}
		if !ok {
			return nil, fmt.Errorf("key of partition %d vanished after insert", partition)
		}
		k.logger.Debug().Int64("partition", partition).Msg("Created data encryption key")
	}

	key, err := k.unwrap(partition, stored)
	if err != nil {
		return nil, err
	}
	k.keys[partition] = key
	return key, nil
}

func (k *Keyring) wrap(partition int64, key []byte) (string, error) {
	if k.wrapKey == nil {
		return hex.EncodeToString(key), nil
	}
	aead, err := chacha20poly1305.NewX(k.wrapKey)
	if err != nil {
		return "", fmt.Errorf("create wrapping cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+KeySize+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(aead.Seal(nonce, nonce, key, partitionAAD(partition))), nil
}

func (k *Keyring) unwrap(partition int64, stored string) ([]byte, error) {
	raw, err := hex.DecodeString(stored)
	if err != nil {
		return nil, fmt.Errorf("decode key of partition %d: %w", partition, err)
	}
	if len(raw) == KeySize {
		return raw, nil
	}
	if k.wrapKey == nil {
		return nil, fmt.Errorf("partition %d: %w", partition, ErrMasterKeyRequired)
	}
	if len(raw) != chacha20poly1305.NonceSizeX+KeySize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("key of partition %d has length %d: %w", partition, len(raw), ErrIntegrity)
	}
	aead, err := chacha20poly1305.NewX(k.wrapKey)
	if err != nil {
		return nil, fmt.Errorf("create wrapping cipher: %w", err)
	}
	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	key, err := aead.Open(nil, nonce, sealed, partitionAAD(partition))
	if err != nil {
		return nil, fmt.Errorf("unwrap key of partition %d: %w", partition, ErrIntegrity)
	}
	return key, nil
}

func partitionAAD(partition int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(partition))
}
