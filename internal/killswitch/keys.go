package killswitch

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Permission is an operation an authorized key may perform.
type Permission string

const (
	PermActivate            Permission = "activate"
	PermDeactivate          Permission = "deactivate"
	PermEmergencyDeactivate Permission = "emergency_deactivate"
	PermMaintenance         Permission = "maintenance"
)

// MinSecretLen is the shortest secret an authorized key accepts.
const MinSecretLen = 16

// ErrWeakSecret rejects secrets shorter than MinSecretLen.
var ErrWeakSecret = errors.New("killswitch: secret shorter than 16 characters")

// AuthorizedKey is a salted hash of a secret plus what it may do. The
// secret itself is never stored.
type AuthorizedKey struct {
	ID          string       `json:"key_id"`
	Description string       `json:"description"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	CreatedBy   string       `json:"created_by"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Revoked     bool         `json:"revoked"`
	RevokedAt   *time.Time   `json:"revoked_at,omitempty"`
	LastUsed    *time.Time   `json:"last_used,omitempty"`

	salt []byte
	hash [sha256.Size]byte
}

// NewAuthorizedKey hashes secret under a fresh random salt.
func NewAuthorizedKey(id, secret, description string, perms ...Permission) (*AuthorizedKey, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("%w: key %s", ErrWeakSecret, id)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("killswitch: generate salt: %w", err)
	}
	return &AuthorizedKey{
		ID:          id,
		Description: description,
		Permissions: perms,
		CreatedAt:   time.Now().UTC(),
		CreatedBy:   "system",
		salt:        salt,
		hash:        hashSecret(salt, secret),
	}, nil
}

func hashSecret(salt []byte, secret string) [sha256.Size]byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Valid reports whether the key is neither revoked nor expired at now.
func (k *AuthorizedKey) Valid(now time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.ExpiresAt == nil || !now.After(*k.ExpiresAt)
}

// Matches compares secret against the stored hash in constant time.
func (k *AuthorizedKey) Matches(secret string) bool {
	got := hashSecret(k.salt, secret)
	return subtle.ConstantTimeCompare(got[:], k.hash[:]) == 1
}

// Allows reports whether the key carries perm.
func (k *AuthorizedKey) Allows(perm Permission) bool {
	for _, p := range k.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// KeyRing holds the authorized keys.
type KeyRing struct {
	mu   sync.Mutex
	keys map[string]*AuthorizedKey
	now  func() time.Time
}

// NewKeyRing creates a ring holding keys.
func NewKeyRing(keys ...*AuthorizedKey) *KeyRing {
	r := &KeyRing{keys: make(map[string]*AuthorizedKey, len(keys)), now: time.Now}
	for _, k := range keys {
		r.keys[k.ID] = k
	}
	return r
}

// Add inserts or replaces a key.
func (r *KeyRing) Add(k *AuthorizedKey) {
	r.mu.Lock()
	r.keys[k.ID] = k
	r.mu.Unlock()
}

// Revoke marks a key unusable. It returns false for unknown ids.
func (r *KeyRing) Revoke(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok {
		return false
	}
	now := r.now()
	k.Revoked = true
	k.RevokedAt = &now
	return true
}

// Authorize returns the id of a valid key matching secret that carries
// perm. Every key is compared so timing does not reveal which one matched.
func (r *KeyRing) Authorize(secret string, perm Permission) (string, bool) {
	if secret == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var match *AuthorizedKey
	for _, k := range r.keys {
		if k.Matches(secret) && k.Valid(now) && k.Allows(perm) && match == nil {
			match = k
		}
	}
	if match == nil {
		return "", false
	}
	match.LastUsed = &now
	return match.ID, true
}

// ValidCount returns how many keys are currently usable.
func (r *KeyRing) ValidCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, k := range r.keys {
		if k.Valid(now) {
			n++
		}
	}
	return n
}

// Keys returns copies of the key metadata.
func (r *KeyRing) Keys() []AuthorizedKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AuthorizedKey, 0, len(r.keys))
	for _, k := range r.keys {
		c := *k
		c.Permissions = append([]Permission(nil), k.Permissions...)
		out = append(out, c)
	}
	return out
}

// KeysFromEnv builds the bootstrap ring from KILL_SWITCH_MASTER_KEY,
// KILL_SWITCH_EMERGENCY_KEY and the comma-separated KILL_SWITCH_ADMIN_KEYS.
func KeysFromEnv() (*KeyRing, error) {
	return keysFrom(os.Getenv)
}

func keysFrom(getenv func(string) string) (*KeyRing, error) {
	ring := NewKeyRing()
	add := func(id, secret, desc string, perms ...Permission) error {
		k, err := NewAuthorizedKey(id, secret, desc, perms...)
		if err != nil {
			return err
		}
		ring.Add(k)
		return nil
	}

	if s := getenv("KILL_SWITCH_MASTER_KEY"); s != "" {
		if err := add("master", s, "Master recovery key", PermActivate, PermDeactivate, PermMaintenance); err != nil {
			return nil, err
		}
	}
	if s := getenv("KILL_SWITCH_EMERGENCY_KEY"); s != "" {
		if err := add("emergency", s, "Emergency override key", PermActivate, PermEmergencyDeactivate); err != nil {
			return nil, err
		}
	}
	n := 0
	for _, s := range strings.Split(getenv("KILL_SWITCH_ADMIN_KEYS"), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n++
		if err := add(fmt.Sprintf("admin_%d", n), s, fmt.Sprintf("Admin recovery key #%d", n), PermDeactivate); err != nil {
			return nil, err
		}
	}
	return ring, nil
}
