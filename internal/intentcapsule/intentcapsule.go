// Package intentcapsule implements the signed, optionally-expiring record of
// a task's original mandate used for drift detection (spec.md §3, §4.1 step
// 4). Capsules are signed with a per-process HMAC secret generated at boot
// and never persisted (spec.md §9, "Global process state"): on restart,
// previously-signed capsules become unverifiable and a fresh capsule is
// created for any active task.
package intentcapsule

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "to": {}, "of": {}, "in": {}, "on": {}, "for": {},
	"and": {}, "or": {}, "is": {}, "it": {}, "with": {}, "this": {}, "that": {},
	"be": {}, "as": {}, "at": {}, "by": {}, "from": {}, "into": {}, "then": {},
}

type (
	// Capsule is a signed record of a task's original mandate.
	Capsule struct {
		CapsuleID              string
		Mandate                string
		MandateHash            string // SHA-256 hex
		MandateKeywords        []string
		AllowedActionCategories []string
		CreatedAt              time.Time
		ExpiresAt              *time.Time
		Signature              string // HMAC-SHA256 hex over the canonical serialization
	}

	// Signer mints and verifies Capsules using a process-local secret.
	Signer struct {
		secret []byte
	}
)

// NewSigner generates a fresh random HMAC secret. The secret is never
// persisted; it lives only for the process lifetime.
func NewSigner() (*Signer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("intentcapsule: generate secret: %w", err)
	}
	return &Signer{secret: secret}, nil
}

// Create builds and signs a new Capsule for a task mandate.
func (s *Signer) Create(mandate string, allowedActionCategories []string, ttl time.Duration) Capsule {
	now := time.Now().UTC()
	sum := sha256.Sum256([]byte(mandate))
	c := Capsule{
		CapsuleID:               uuid.NewString(),
		Mandate:                 mandate,
		MandateHash:             hex.EncodeToString(sum[:]),
		MandateKeywords:         keywordize(mandate),
		AllowedActionCategories: append([]string(nil), allowedActionCategories...),
		CreatedAt:               now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		c.ExpiresAt = &exp
	}
	c.Signature = s.sign(c)
	return c
}

// Verify reports whether the capsule's signature matches its current fields.
// Mutating any signed field (mandate, mandateHash, signature,
// allowedActionCategories) invalidates verification (spec.md §8 invariant).
func (s *Signer) Verify(c Capsule) bool {
	expected := s.sign(c)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(c.Signature)) == 1
}

// Expired reports whether the capsule has passed its expiry, if any.
func (c Capsule) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// canonical renders the fields covered by the signature in a stable order.
func (c Capsule) canonical() string {
	var b strings.Builder
	b.WriteString(c.CapsuleID)
	b.WriteByte('\n')
	b.WriteString(c.Mandate)
	b.WriteByte('\n')
	b.WriteString(c.MandateHash)
	b.WriteByte('\n')
	cats := append([]string(nil), c.AllowedActionCategories...)
	sort.Strings(cats)
	b.WriteString(strings.Join(cats, ","))
	return b.String()
}

func (s *Signer) sign(c Capsule) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(c.canonical()))
	return hex.EncodeToString(mac.Sum(nil))
}

// keywordize lowercases, tokenizes, and strips stop words from text,
// producing the keyword set used for Jaccard drift comparisons.
func keywordize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JaccardOverlap returns the Jaccard similarity between two keyword sets.
func JaccardOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, k := range a {
		setA[k] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, k := range b {
		setB[k] = struct{}{}
	}
	inter := 0
	for k := range setA {
		if _, ok := setB[k]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// Keywordize exposes keyword extraction for callers building action-detail
// keyword sets to compare against a capsule's mandate keywords.
func Keywordize(text string) []string { return keywordize(text) }
