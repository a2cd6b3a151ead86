package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/popkeyd/popkeyd/internal/logger"
	"github.com/popkeyd/popkeyd/internal/model"
	"github.com/popkeyd/popkeyd/internal/repository"
)

// AssertionService serves stored assertions back to authorized lollipop
// consumers.
type AssertionService struct {
	docs  DocumentStore
	blobs BlobStore
	log   *logger.Logger
}

// NewAssertionService creates a new AssertionService.
func NewAssertionService(docs DocumentStore, blobs BlobStore, log *logger.Logger) *AssertionService {
	return &AssertionService{
		docs:  docs,
		blobs: blobs,
		log:   log.WithComponent("assertions"),
	}
}

// Assertion is a stored identity-provider assertion with its kind.
type Assertion struct {
	Type    model.AssertionType
	Content string
}

// Get reads the assertion behind a valid key. The blob name comes from
// the key document, never from the caller.
func (s *AssertionService) Get(ctx context.Context, ref model.AssertionRef) (*Assertion, error) {
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

	content, err := s.blobs.Read(ctx, bound.AssertionFileName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("assertion %s: %w", bound.AssertionFileName, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read assertion: %w", err)
	}

	return &Assertion{Type: bound.AssertionType, Content: content}, nil
}
