// Package credcache persists short-lived bind credentials, encrypted at
// rest, so that request handlers can open directory sessions without asking
// the user for the password on every call.
package credcache

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// DefaultTTL is how long a saved credential stays usable.
const DefaultTTL = 3600 * time.Second

// ErrMiss is returned by Get whenever no usable credential exists: the
// record is missing, expired, bound to a different principal, or corrupt.
var ErrMiss = errors.New("credential cache miss")

const (
	keyFileName = "encryption.key"
	dirMode     = 0o700
	fileMode    = 0o600
)

// record is the on-disk shape of one cached credential. The ciphertext
// carries the secretbox nonce in its first 24 bytes.
type record struct {
	Cluster    string `json:"cluster"`
	Principal  string `json:"principal"`
	Ciphertext []byte `json:"ciphertext"`
	Timestamp  int64  `json:"timestamp"`
	TTLSeconds int64  `json:"ttl"`
}

// Status reports cache state for one (cluster, principal) pair without
// decrypting anything.
type Status struct {
	Cached     bool `json:"cached"`
	Expired    bool `json:"expired"`
	AgeSeconds int  `json:"age_seconds"`
	TTLSeconds int  `json:"ttl"`
	Corrupt    bool `json:"corrupt,omitempty"`
}

// Cache encrypts credentials with a process-wide symmetric key and stores
// one owner-only-readable record per (cluster, principal) pair.
//
// The key has no TTL and is never rotated automatically. Losing it turns
// every cached credential into a miss, which callers handle by asking the
// user again; it is never a fatal condition.
type Cache struct {
	dir    string
	key    [32]byte
	now    func() time.Time
	logger *slog.Logger
}

// New opens the cache rooted at dir, generating the encryption key under
// secretsDir on first use and reusing it across restarts.
func New(dir, secretsDir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, d := range []string{dir, secretsDir} {
		if err := os.MkdirAll(d, dirMode); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	c := &Cache{
		dir:    dir,
		now:    time.Now,
		logger: logger.With("component", "credcache"),
	}
	if err := c.loadOrCreateKey(filepath.Join(secretsDir, keyFileName)); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) loadOrCreateKey(path string) error {
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(raw) != len(c.key) {
			return fmt.Errorf("encryption key %s has wrong length %d", path, len(raw))
		}
		copy(c.key[:], raw)
		return nil
	case os.IsNotExist(err):
		if _, err := rand.Read(c.key[:]); err != nil {
			return fmt.Errorf("generate encryption key: %w", err)
		}
		if err := os.WriteFile(path, c.key[:], fileMode); err != nil {
			return fmt.Errorf("store encryption key: %w", err)
		}
		c.logger.Info("generated new encryption key", "path", path)
		return nil
	default:
		return fmt.Errorf("read encryption key: %w", err)
	}
}

// Save encrypts secret and writes the record for (cluster, principal).
// A ttl of zero selects DefaultTTL.
func (c *Cache) Save(cluster, principal, secret string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(secret), &nonce, &c.key)

	rec := record{
		Cluster:    cluster,
		Principal:  principal,
		Ciphertext: sealed,
		Timestamp:  c.now().Unix(),
		TTLSeconds: int64(ttl.Seconds()),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode credential record: %w", err)
	}
	if err := os.WriteFile(c.recordPath(cluster, principal), raw, fileMode); err != nil {
		return fmt.Errorf("write credential record: %w", err)
	}

	c.logger.Info("credential cached", "cluster", cluster, "ttl", ttl)
	return nil
}

// Get decrypts and returns the cached secret. It fails closed with ErrMiss
// when the record is missing, expired (the record is deleted), bound to a
// different principal, or unreadable (the corrupt record is deleted so later
// calls do not keep failing the same way).
func (c *Cache) Get(cluster, principal string) (string, error) {
	path := c.recordPath(cluster, principal)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", ErrMiss
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.discardCorrupt(path, cluster, err)
		return "", ErrMiss
	}

	age := c.now().Unix() - rec.Timestamp
	if age > rec.TTLSeconds {
		c.logger.Info("cached credential expired", "cluster", cluster, "age_seconds", age, "ttl", rec.TTLSeconds)
		_ = os.Remove(path)
		return "", ErrMiss
	}

	// Guards against tampering and configuration drift: the record must
	// belong to the principal being asked for.
	if rec.Principal != principal {
		c.logger.Warn("principal mismatch on cached credential", "cluster", cluster)
		return "", ErrMiss
	}

	if len(rec.Ciphertext) < 24 {
		c.discardCorrupt(path, cluster, errors.New("ciphertext too short"))
		return "", ErrMiss
	}
	var nonce [24]byte
	copy(nonce[:], rec.Ciphertext[:24])
	secret, ok := secretbox.Open(nil, rec.Ciphertext[24:], &nonce, &c.key)
	if !ok {
		c.discardCorrupt(path, cluster, errors.New("decryption failed"))
		return "", ErrMiss
	}

	return string(secret), nil
}

func (c *Cache) discardCorrupt(path, cluster string, err error) {
	c.logger.Error("discarding corrupt credential record", "cluster", cluster, "error", err)
	_ = os.Remove(path)
}

// Clear deletes the record for (cluster, principal). Clearing an absent
// record is a no-op.
func (c *Cache) Clear(cluster, principal string) error {
	err := os.Remove(c.recordPath(cluster, principal))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear credential record: %w", err)
	}
	if err == nil {
		c.logger.Info("credential cleared", "cluster", cluster)
	}
	return nil
}

// GetStatus inspects the record for (cluster, principal) without decrypting.
func (c *Cache) GetStatus(cluster, principal string) Status {
	raw, err := os.ReadFile(c.recordPath(cluster, principal))
	if err != nil {
		return Status{}
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Status{Cached: true, Corrupt: true}
	}

	age := c.now().Unix() - rec.Timestamp
	return Status{
		Cached:     true,
		Expired:    age > rec.TTLSeconds,
		AgeSeconds: int(age),
		TTLSeconds: int(rec.TTLSeconds),
	}
}

// recordPath hashes (cluster, principal) so the filename leaks neither.
func (c *Cache) recordPath(cluster, principal string) string {
	sum := sha256.Sum256([]byte(cluster + ":" + principal))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}
