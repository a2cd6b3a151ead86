package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/popkeyd/popkeyd/internal/auth"
	"github.com/popkeyd/popkeyd/internal/logger"
	"github.com/popkeyd/popkeyd/internal/metrics"
	"github.com/popkeyd/popkeyd/internal/model"
	"github.com/popkeyd/popkeyd/internal/repository"
)

// DocumentStore is the versioned key document store the lifecycle runs
// against. Implemented by repository.PopKeyRepository.
type DocumentStore interface {
	FindLatest(ctx context.Context, ref model.AssertionRef) (*model.PopKeyRecord, error)
	Create(ctx context.Context, key model.PopKey) (*model.PopKeyRecord, error)
	Upsert(ctx context.Context, key model.PopKey) (*model.PopKeyRecord, error)
}

// BlobStore is the write-once assertion storage. Implemented by
// repository.AssertionRepository.
type BlobStore interface {
	Exists(ctx context.Context, name model.AssertionFileName) (bool, error)
	Write(ctx context.Context, name model.AssertionFileName, content string) error
	Read(ctx context.Context, name model.AssertionFileName) (string, error)
}

// LifecycleService owns every transition of a pop key document:
// PENDING at reservation, VALID at activation (with the master-identity
// alias), REVOKED at revocation. No other component mutates key
// documents.
type LifecycleService struct {
	docs       DocumentStore
	blobs      BlobStore
	masterAlgo model.HashAlgorithm
	log        *logger.Logger
}

// NewLifecycleService creates a new LifecycleService.
func NewLifecycleService(docs DocumentStore, blobs BlobStore, log *logger.Logger) *LifecycleService {
	return &LifecycleService{
		docs:       docs,
		blobs:      blobs,
		masterAlgo: model.MasterAlgo,
		log:        log.WithComponent("lifecycle"),
	}
}

// ReservePayload is a request to reserve a key identity before login
// completes.
type ReservePayload struct {
	// PubKey is the base64url-encoded JWK of the client's public key.
	PubKey string
	// Algo is the thumbprint algorithm the client wants its identity
	// under.
	Algo model.HashAlgorithm
}

// Reserve computes the key's identity under the requested algorithm and
// creates the version-0 PENDING document with the short reservation TTL.
// An already-reserved identity yields ErrConflict (first writer wins).
func (s *LifecycleService) Reserve(ctx context.Context, p ReservePayload) (*model.PopKeyRecord, error) {
	key, err := auth.DecodePublicKey(p.PubKey)
	if err != nil {
		metrics.Reservations.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	ref, err := auth.ComputeAssertionRef(p.Algo, key)
	if err != nil {
		metrics.Reservations.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	rec, err := s.docs.Create(ctx, model.PendingPopKey{
		PubKey:       p.PubKey,
		AssertionRef: ref,
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			metrics.Reservations.WithLabelValues(metrics.OutcomeConflict).Inc()
			return nil, fmt.Errorf("key %s already reserved: %w", ref, ErrConflict)
		}
		metrics.Reservations.WithLabelValues(metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("failed to reserve key: %w", err)
	}

	s.log.Info().Str("assertion_ref", string(ref)).Msg("key reserved")
	metrics.Reservations.WithLabelValues(metrics.OutcomeOK).Inc()
	return rec, nil
}

// ActivationPayload carries the proof-of-possession evidence submitted
// at activation time.
type ActivationPayload struct {
	FiscalCode    model.FiscalCode
	Assertion     string
	AssertionType model.AssertionType
	ExpiresAt     time.Time
}

// Activate transitions a PENDING key to VALID: stores the raw assertion
// blob, then upserts a VALID document under the master identity and,
// when the client used a different algorithm, a second one under the
// used identity. The returned record is the one for the identity the
// caller asked about.
//
// The master write always precedes the used write. A crash between
// them leaves the master VALID and the used identity PENDING; a retried
// activation then hits the blob conflict and needs operator attention
// or a fresh assertion under a fresh reservation.
func (s *LifecycleService) Activate(ctx context.Context, ref model.AssertionRef, p ActivationPayload) (*model.PopKeyRecord, error) {
	rec, err := s.activate(ctx, ref, p)
	switch {
	case err == nil:
		metrics.Activations.WithLabelValues(metrics.OutcomeOK).Inc()
	case errors.Is(err, ErrConflict):
		metrics.Activations.WithLabelValues(metrics.OutcomeConflict).Inc()
	default:
		metrics.Activations.WithLabelValues(metrics.OutcomeError).Inc()
	}
	return rec, err
}

func (s *LifecycleService) activate(ctx context.Context, ref model.AssertionRef, p ActivationPayload) (*model.PopKeyRecord, error) {
	// The precondition check runs before any write: activating a
	// non-pending key must leave no trace.
	rec, err := s.docs.FindLatest(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("key %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read key %s: %w", ref, err)
	}
	if rec.KeyStatus() != model.StatusPending {
		return nil, fmt.Errorf("key %s is %s: %w", ref, rec.KeyStatus(), ErrInvalidState)
	}

	fileName, err := model.NewAssertionFileName(p.FiscalCode, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, err)
	}

	if err := s.blobs.Write(ctx, fileName, p.Assertion); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("assertion %s already stored: %w", fileName, ErrConflict)
		}
		return nil, fmt.Errorf("failed to store assertion: %w", err)
	}

	// The used algorithm comes from the stored document's own identity,
	// not from the request path.
	usedAlgo, err := rec.Ref().Algorithm()
	if err != nil {
		return nil, fmt.Errorf("stored key has undecodable identity: %w", err)
	}
	pubKey, err := auth.DecodePublicKey(rec.Key())
	if err != nil {
		return nil, fmt.Errorf("stored public key is undecodable: %w", err)
	}
	refs, err := auth.ResolveIdentities(s.masterAlgo, usedAlgo, pubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve key identities: %w", err)
	}

	valid := model.BoundPopKey{
		PubKey:            rec.Key(),
		AssertionRef:      refs.Master,
		Status:            model.StatusValid,
		FiscalCode:        p.FiscalCode,
		AssertionFileName: fileName,
		AssertionType:     p.AssertionType,
		ExpiresAt:         p.ExpiresAt,
	}

	activated, err := s.docs.Upsert(ctx, valid)
	if err != nil {
		return nil, s.upsertError(refs.Master, err)
	}

	if refs.Used != "" {
		used := valid
		used.AssertionRef = refs.Used
		activated, err = s.docs.Upsert(ctx, used)
		if err != nil {
			return nil, s.upsertError(refs.Used, err)
		}
	}

	// The document we hand back must have come out VALID; anything else
	// means the store broke the append contract.
	if activated.KeyStatus() != model.StatusValid {
		return nil, fmt.Errorf("activated key %s decoded as %s", activated.Ref(), activated.KeyStatus())
	}

	s.log.Info().
		Str("assertion_ref", string(ref)).
		Str("master_ref", string(refs.Master)).
		Msg("key activated")
	return activated, nil
}

func (s *LifecycleService) upsertError(ref model.AssertionRef, err error) error {
	if errors.Is(err, repository.ErrDuplicate) {
		return fmt.Errorf("key %s version raced with a concurrent writer: %w", ref, ErrConflict)
	}
	return fmt.Errorf("failed to upsert key %s: %w", ref, err)
}

// Revoke revokes a used key together with its master alias. Transient
// errors must make the caller re-drive the whole revoke; anything else
// is permanent. Revoking an unknown or still-pending identity succeeds
// as a no-op: it is treated as already handled.
func (s *LifecycleService) Revoke(ctx context.Context, ref model.AssertionRef) error {
	err := s.revoke(ctx, ref)
	switch {
	case err == nil:
		metrics.Revocations.WithLabelValues(metrics.OutcomeOK).Inc()
	default:
		metrics.Revocations.WithLabelValues(metrics.OutcomeError).Inc()
	}
	return err
}

func (s *LifecycleService) revoke(ctx context.Context, ref model.AssertionRef) error {
	rec, err := s.docs.FindLatest(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Debug().Str("assertion_ref", string(ref)).Msg("nothing to revoke")
			return nil
		}
		return Transient(fmt.Errorf("failed to read key %s: %w", ref, err))
	}

	bound, err := rec.Bound()
	if err != nil {
		// A pending key is not revocable material; the reservation will
		// simply expire.
		s.log.Debug().Str("assertion_ref", string(ref)).Msg("key is pending, nothing to revoke")
		return nil
	}

	targets, err := s.keysToRevoke(ctx, bound)
	if err != nil {
		return err
	}

	// Sequential on purpose: revoking the master before the used key
	// keeps the cross-reference ahead of the alias, and the first
	// failure aborts the sweep so redelivery re-drives it whole.
	for _, target := range targets {
		if _, err := s.docs.Upsert(ctx, target.Revoked()); err != nil {
			return Transient(fmt.Errorf("failed to revoke key %s: %w", target.AssertionRef, err))
		}
		s.log.Info().Str("assertion_ref", string(target.AssertionRef)).Msg("key revoked")
	}
	return nil
}

// keysToRevoke resolves the full set of documents a revoke must touch:
// the master alias (when the incoming key is not already under the
// master algorithm) plus the key itself.
func (s *LifecycleService) keysToRevoke(ctx context.Context, bound model.BoundPopKey) ([]model.BoundPopKey, error) {
	algo, err := bound.AssertionRef.Algorithm()
	if err != nil {
		return nil, Permanent(fmt.Errorf("stored key has undecodable identity: %w", err))
	}
	if algo == s.masterAlgo {
		return []model.BoundPopKey{bound}, nil
	}

	pubKey, err := auth.DecodePublicKey(bound.PubKey)
	if err != nil {
		return nil, Permanent(fmt.Errorf("stored public key is undecodable: %w", err))
	}
	masterRef, err := auth.ComputeAssertionRef(s.masterAlgo, pubKey)
	if err != nil {
		return nil, Permanent(fmt.Errorf("failed to compute master identity: %w", err))
	}
	if masterRef == bound.AssertionRef {
		return []model.BoundPopKey{bound}, nil
	}

	// The master record is written at activation; if it is not visible
	// yet the revoke is redelivered rather than half-applied.
	masterRec, err := s.docs.FindLatest(ctx, masterRef)
	if err != nil {
		return nil, Transient(fmt.Errorf("cannot find master key %s: %w", masterRef, err))
	}
	masterBound, err := masterRec.Bound()
	if err != nil {
		return nil, Transient(fmt.Errorf("master key %s is not activated: %w", masterRef, err))
	}

	return []model.BoundPopKey{masterBound, bound}, nil
}
