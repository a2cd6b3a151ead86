package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/popkeyd/popkeyd/internal/auth"
	"github.com/popkeyd/popkeyd/internal/logger"
	"github.com/popkeyd/popkeyd/internal/model"
	"github.com/popkeyd/popkeyd/internal/repository"
)

// LCParams is everything a lollipop consumer needs to verify a signed
// request from the key's holder: the valid key document plus a bearer
// token authorizing one assertion retrieval.
type LCParams struct {
	Record     *model.PopKeyRecord
	Key        model.BoundPopKey
	AuthBearer string
}

// LCParamsService issues lollipop consumer params for activated keys.
type LCParamsService struct {
	docs        DocumentStore
	tokens      *auth.TokenService
	gracePeriod time.Duration
	now         func() time.Time
	log         *logger.Logger
}

// NewLCParamsService creates a new LCParamsService. gracePeriodDays
// extends the acceptance window for keys whose session already expired.
func NewLCParamsService(docs DocumentStore, tokens *auth.TokenService, gracePeriodDays int, log *logger.Logger) *LCParamsService {
	return &LCParamsService{
		docs:        docs,
		tokens:      tokens,
		gracePeriod: time.Duration(gracePeriodDays) * 24 * time.Hour,
		now:         time.Now,
		log:         log.WithComponent("lc_params"),
	}
}

// Generate validates that the key is VALID and within its expiry grace
// period, then issues the consumer auth token for operationID.
func (s *LCParamsService) Generate(ctx context.Context, ref model.AssertionRef, operationID string) (*LCParams, error) {
	rec, err := s.docs.FindLatest(ctx, ref)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("key %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read key %s: %w", ref, err)
	}

	bound, err := rec.Bound()
	if err != nil {
		return nil, fmt.Errorf("key %s is not activated: %w", ref, ErrInvalidState)
	}
	if bound.Status != model.StatusValid {
		return nil, fmt.Errorf("key %s is %s: %w", ref, bound.Status, ErrInvalidState)
	}
	if bound.ExpiresAt.Add(s.gracePeriod).Before(s.now()) {
		return nil, fmt.Errorf("key %s expired at %s: %w", ref, bound.ExpiresAt.Format(time.RFC3339), ErrInvalidState)
	}

	bearer, err := s.tokens.GenerateAuthToken(bound.AssertionRef, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate auth token: %w", err)
	}

	s.log.Info().
		Str("assertion_ref", string(ref)).
		Str("operation_id", operationID).
		Msg("lc params generated")
	return &LCParams{Record: rec, Key: bound, AuthBearer: bearer}, nil
}
