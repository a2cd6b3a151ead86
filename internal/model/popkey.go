package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// KeyStatus is the lifecycle state of a proof-of-possession key.
type KeyStatus string

const (
	StatusPending KeyStatus = "PENDING"
	StatusValid   KeyStatus = "VALID"
	StatusRevoked KeyStatus = "REVOKED"
)

// ParseKeyStatus validates a stored status value.
func ParseKeyStatus(s string) (KeyStatus, error) {
	switch KeyStatus(s) {
	case StatusPending, StatusValid, StatusRevoked:
		return KeyStatus(s), nil
	}
	return "", fmt.Errorf("unknown key status %q", s)
}

// HashAlgorithm identifies the thumbprint algorithm embedded in an
// assertion ref prefix.
type HashAlgorithm string

const (
	AlgoSHA256 HashAlgorithm = "sha256"
	AlgoSHA384 HashAlgorithm = "sha384"
	AlgoSHA512 HashAlgorithm = "sha512"

	// MasterAlgo is the canonical cross-reference algorithm. Every
	// activated key gets a document under this identity regardless of
	// the algorithm the client used.
	MasterAlgo = AlgoSHA512
)

// ParseHashAlgorithm validates an algorithm label.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch HashAlgorithm(s) {
	case AlgoSHA256, AlgoSHA384, AlgoSHA512:
		return HashAlgorithm(s), nil
	}
	return "", fmt.Errorf("unknown hash algorithm %q", s)
}

// Base64url thumbprint length is bounded by the digest size of each
// algorithm (44 for sha256, 66 for sha384, 88 for sha512).
var assertionRefPatterns = map[HashAlgorithm]*regexp.Regexp{
	AlgoSHA256: regexp.MustCompile(`^sha256-[A-Za-z0-9\-_=]{1,44}$`),
	AlgoSHA384: regexp.MustCompile(`^sha384-[A-Za-z0-9\-_=]{1,66}$`),
	AlgoSHA512: regexp.MustCompile(`^sha512-[A-Za-z0-9\-_=]{1,88}$`),
}

// AssertionRef is the algorithm-tagged thumbprint of a public key,
// formatted "<algo>-<base64url-thumbprint>". It is the storage identity
// of a key document.
type AssertionRef string

// ParseAssertionRef validates the shape of an assertion ref.
func ParseAssertionRef(s string) (AssertionRef, error) {
	for _, re := range assertionRefPatterns {
		if re.MatchString(s) {
			return AssertionRef(s), nil
		}
	}
	return "", fmt.Errorf("malformed assertion ref %q", s)
}

// Algorithm extracts the hash algorithm from the ref prefix. A ref whose
// prefix matches none of the known algorithms is a hard decoding error.
func (r AssertionRef) Algorithm() (HashAlgorithm, error) {
	algo, _, ok := strings.Cut(string(r), "-")
	if !ok {
		return "", fmt.Errorf("assertion ref %q has no algorithm prefix", r)
	}
	parsed, err := ParseHashAlgorithm(algo)
	if err != nil {
		return "", fmt.Errorf("assertion ref %q: %w", r, err)
	}
	if !assertionRefPatterns[parsed].MatchString(string(r)) {
		return "", fmt.Errorf("malformed assertion ref %q", r)
	}
	return parsed, nil
}

// TTL policy values. A key reservation is held for a short window while
// the client completes login; once proven (or revoked) the document is
// retained for two years.
const (
	ReservationTTL = 15 * time.Minute
	RetentionTTL   = 2 * 365 * 24 * time.Hour
)

// PopKey is the document payload for one assertion-ref identity. It is a
// closed union: PendingPopKey before proof of possession, BoundPopKey
// once the key is bound to a user's assertion (VALID or REVOKED).
type PopKey interface {
	Ref() AssertionRef
	Key() string
	KeyStatus() KeyStatus

	popKey()
}

// PendingPopKey is a reserved key awaiting activation. It never carries
// user data.
type PendingPopKey struct {
	PubKey       string
	AssertionRef AssertionRef
}

func (k PendingPopKey) Ref() AssertionRef    { return k.AssertionRef }
func (k PendingPopKey) Key() string          { return k.PubKey }
func (k PendingPopKey) KeyStatus() KeyStatus { return StatusPending }
func (k PendingPopKey) popKey()              {}

// BoundPopKey is a key whose possession has been proven. Status is VALID
// or REVOKED; the user-facing fields are always present.
type BoundPopKey struct {
	PubKey            string
	AssertionRef      AssertionRef
	Status            KeyStatus
	FiscalCode        FiscalCode
	AssertionFileName AssertionFileName
	AssertionType     AssertionType
	ExpiresAt         time.Time
}

func (k BoundPopKey) Ref() AssertionRef    { return k.AssertionRef }
func (k BoundPopKey) Key() string          { return k.PubKey }
func (k BoundPopKey) KeyStatus() KeyStatus { return k.Status }
func (k BoundPopKey) popKey()              {}

// Revoked returns a copy of the key in REVOKED state.
func (k BoundPopKey) Revoked() BoundPopKey {
	k.Status = StatusRevoked
	return k
}

// PopKeyRecord is one stored version of a key document.
type PopKeyRecord struct {
	PopKey
	Version   int
	TTL       time.Duration
	CreatedAt time.Time
}

// ExpiresAt returns the absolute expiry of this version.
func (r *PopKeyRecord) ExpiresAt() time.Time {
	return r.CreatedAt.Add(r.TTL)
}

// RemainingTTL returns the time left before expiry, or zero if already
// expired.
func (r *PopKeyRecord) RemainingTTL(now time.Time) time.Duration {
	remaining := r.ExpiresAt().Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Bound returns the record payload as a BoundPopKey, or an error when the
// record is still PENDING.
func (r *PopKeyRecord) Bound() (BoundPopKey, error) {
	bound, ok := r.PopKey.(BoundPopKey)
	if !ok {
		return BoundPopKey{}, errors.New("key document is pending")
	}
	return bound, nil
}
