// Package secretstore persists the merchant secret phrase and last session in
// a bbolt file, sealed with XChaCha20-Poly1305 under an Argon2id key derived
// from a local passphrase.
package secretstore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"loopofwork/identity"
)

var (
	bucketMeta    = []byte("meta")
	bucketSecrets = []byte("secrets")

	keySalt    = []byte("salt")
	keyCheck   = []byte("check")
	keySecret  = []byte("phrase")
	keySession = []byte("session")

	checkPlaintext = []byte("loopofwork-secretstore-v1")

	// ErrWrongPassphrase is returned when the store was sealed with a different passphrase.
	ErrWrongPassphrase = errors.New("secretstore: wrong passphrase")
)

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	saltLen      = 16
)

// Store is an encrypted identity.SecretCache.
type Store struct {
	db   *bolt.DB
	aead cipher.AEAD
}

var _ identity.SecretCache = (*Store)(nil)

// Open opens (or creates) the store at path and unlocks it with passphrase.
func Open(path string, passphrase []byte, options *bolt.Options) (*Store, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("secretstore: passphrase required")
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	var salt []byte
	var check []byte
	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketSecrets); err != nil {
			return err
		}
		if existing := meta.Get(keySalt); existing != nil {
			salt = append([]byte(nil), existing...)
			check = append([]byte(nil), meta.Get(keyCheck)...)
			return nil
		}
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return err
		}
		return meta.Put(keySalt, salt)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	key := argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Store{db: db, aead: aead}

	if len(check) == 0 {
		sealed, err := s.seal(checkPlaintext, keyCheck)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketMeta).Put(keyCheck, sealed)
		}); err != nil {
			_ = db.Close()
			return nil, err
		}
	} else if _, err := s.open(check, keyCheck); err != nil {
		_ = db.Close()
		return nil, ErrWrongPassphrase
	}
	return s, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) seal(plaintext, label []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, label), nil
}

func (s *Store) open(sealed, label []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("secretstore: ciphertext too short")
	}
	return s.aead.Open(nil, sealed[:n], sealed[n:], label)
}

func (s *Store) put(key, plaintext []byte) error {
	sealed, err := s.seal(plaintext, key)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Put(key, sealed)
	})
}

func (s *Store) get(key []byte) ([]byte, error) {
	var sealed []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(bucketSecrets).Get(key); raw != nil {
			sealed = append([]byte(nil), raw...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if sealed == nil {
		return nil, nil
	}
	plain, err := s.open(sealed, key)
	if err != nil {
		return nil, fmt.Errorf("secretstore: open %s: %w", key, err)
	}
	return plain, nil
}

// SaveSecret stores the secret phrase.
func (s *Store) SaveSecret(phrase string) error {
	return s.put(keySecret, []byte(phrase))
}

// LoadSecret returns the stored phrase or "" when none is stored.
func (s *Store) LoadSecret() (string, error) {
	plain, err := s.get(keySecret)
	if err != nil || plain == nil {
		return "", err
	}
	return string(plain), nil
}

// SaveSession stores the last session.
func (s *Store) SaveSession(session identity.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.put(keySession, raw)
}

// LoadSession returns the stored session or nil.
func (s *Store) LoadSession() (*identity.Session, error) {
	plain, err := s.get(keySession)
	if err != nil || plain == nil {
		return nil, err
	}
	var session identity.Session
	if err := json.Unmarshal(plain, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Clear deletes the stored phrase and session.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSecrets)
		for _, key := range [][]byte{keySecret, keySession} {
			if err := bucket.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}
