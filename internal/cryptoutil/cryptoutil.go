// Package cryptoutil implements the signing, verification, and key
// derivation primitives shared by the agent registry and the inbox
// service: canonical signing bases, Ed25519 detached signatures,
// timestamp-skew validation, TTL parsing, and seed-mode key derivation.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

// MaxClockSkew is the maximum allowed difference between an envelope's
// timestamp and the hub's clock.
const MaxClockSkew = 5 * time.Minute

var (
	// ErrInvalidTimestamp is returned when a timestamp falls outside the
	// acceptable clock-skew window.
	ErrInvalidTimestamp = errors.New("cryptoutil: timestamp outside acceptable skew")
	// ErrInvalidSignature is returned when signature verification fails.
	ErrInvalidSignature = errors.New("cryptoutil: signature verification failed")
)

// KeyPair is a generated or derived Ed25519 keypair.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair produces a random Ed25519 keypair (legacy/random
// registration mode).
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("cryptoutil: generate keypair: %w", err)
	}
	return KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// DeriveContext builds the HKDF context string for seed-mode key
// derivation: "seedid/v1/admp:<tenant>:<agent_id>:ed25519:v<N>".
func DeriveContext(tenantID, agentID string, version int) string {
	return fmt.Sprintf("seedid/v1/admp:%s:%s:ed25519:v%d", tenantID, agentID, version)
}

const hkdfSalt = "seedid/v1"

// DeriveKeyPair derives an Ed25519 keypair from a 32-byte master seed and
// a context string via HKDF-SHA-256. The same (seed, context) always
// yields the same keypair.
func DeriveKeyPair(seed []byte, context string) (KeyPair, error) {
	if len(seed) < 32 {
		return KeyPair{}, fmt.Errorf("cryptoutil: seed must be at least 32 bytes, got %d", len(seed))
	}
	r := hkdf.New(sha256.New, seed, []byte(hkdfSalt), []byte(context))
	edSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, edSeed); err != nil {
		return KeyPair{}, fmt.Errorf("cryptoutil: derive key material: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(edSeed)
	return KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// DeriveDID computes "did:seed:<hex of first 16 bytes of SHA-256(pubkey)>".
func DeriveDID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "did:seed:" + hex.EncodeToString(sum[:16])
}

// SigningBase is the set of fields that make up the canonical signing
// base of §4.1: timestamp, base64(SHA-256(canonical JSON of body)), from,
// to, and correlation_id (empty string if absent).
type SigningBase struct {
	Timestamp     string
	Body          any
	From          string
	To            string
	CorrelationID string
}

// CanonicalBase renders the newline-joined canonical signing base.
func CanonicalBase(b SigningBase) (string, error) {
	canon, err := canonicalJSON(b.Body)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: canonicalize body: %w", err)
	}
	sum := sha256.Sum256(canon)
	bodyDigest := base64.StdEncoding.EncodeToString(sum[:])
	parts := []string{b.Timestamp, bodyDigest, b.From, b.To, b.CorrelationID}
	return strings.Join(parts, "\n"), nil
}

// canonicalJSON marshals v with sorted map keys so the digest is stable
// regardless of field ordering in the source JSON.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sortStrings(keys)
		var b strings.Builder
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte('}')
		return []byte(b.String()), nil
	case []any:
		var b strings.Builder
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			vb, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			b.Write(vb)
		}
		b.WriteByte(']')
		return []byte(b.String()), nil
	default:
		return json.Marshal(val)
	}
}

func sortStrings(a []string) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}

// Sign produces a base64 detached Ed25519 signature over the canonical
// base.
func Sign(priv ed25519.PrivateKey, b SigningBase) (string, error) {
	base, err := CanonicalBase(b)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, []byte(base))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 detached signature against the canonical base
// for any of the candidate public keys (used during key-rotation
// overlap, where both the old and new key are acceptable).
func Verify(candidates []ed25519.PublicKey, b SigningBase, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrInvalidSignature)
	}
	base, err := CanonicalBase(b)
	if err != nil {
		return err
	}
	for _, pub := range candidates {
		if len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, []byte(base), sig) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// ValidateTimestamp parses an ISO-8601 timestamp and confirms it lies
// within MaxClockSkew of now.
func ValidateTimestamp(ts string, now time.Time) error {
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	delta := now.Sub(parsed)
	if delta < 0 {
		delta = -delta
	}
	if delta > MaxClockSkew {
		return ErrInvalidTimestamp
	}
	return nil
}

// ParseTTL accepts either a bare integer (seconds) or a string of the
// form "<n>{s|m|h|d}". Invalid or non-positive input reports ok=false
// so the caller can fall back to its own default.
func ParseTTL(raw string) (seconds int, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n <= 0 {
			return 0, false
		}
		return n, true
	}
	unit := raw[len(raw)-1]
	mult, known := map[byte]int{'s': 1, 'm': 60, 'h': 3600, 'd': 86400}[unit]
	if !known {
		return 0, false
	}
	n, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n * mult, true
}
