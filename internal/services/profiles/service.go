package profiles

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ivankudzin/bumplink/backend/internal/domain/enums"
	pgrepo "github.com/ivankudzin/bumplink/backend/internal/repo/postgres"
)

var (
	ErrNotFound          = errors.New("profile not found")
	ErrPreviewNotAllowed = errors.New("anonymous preview not allowed")
)

type ProfileStore interface {
	GetByUserID(ctx context.Context, userID string) (pgrepo.ProfileRecord, error)
}

type AvatarSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// PreviewProfile is the limited facet an unauthenticated redeemer may see.
type PreviewProfile struct {
	OwnerID     string
	DisplayName string
	Headline    string
}

// FullProfile is what a confirmed counterpart receives: the contact facet
// selected by the intent's sharing category plus a short-lived avatar URL.
type FullProfile struct {
	OwnerID     string
	DisplayName string
	Headline    string
	Category    enums.SharingCategory
	Email       string
	Phone       string
	Company     string
	Title       string
	Links       []string
	AvatarURL   string
}

type Service struct {
	store   ProfileStore
	signer  AvatarSigner
	signTTL time.Duration
	logger  *zap.Logger
}

type Dependencies struct {
	Store   ProfileStore
	Signer  AvatarSigner
	SignTTL time.Duration
	Logger  *zap.Logger
}

func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	signTTL := deps.SignTTL
	if signTTL <= 0 {
		signTTL = 5 * time.Minute
	}

	return &Service{
		store:   deps.Store,
		signer:  deps.Signer,
		signTTL: signTTL,
		logger:  logger,
	}
}

func (s *Service) Preview(ctx context.Context, ownerID string) (PreviewProfile, error) {
	rec, err := s.fetch(ctx, ownerID)
	if err != nil {
		return PreviewProfile{}, err
	}
	if !rec.AllowAnonymousPreview {
		return PreviewProfile{}, ErrPreviewNotAllowed
	}

	return PreviewProfile{
		OwnerID:     rec.UserID,
		DisplayName: rec.DisplayName,
		Headline:    rec.Headline,
	}, nil
}

func (s *Service) Full(ctx context.Context, ownerID string, category enums.SharingCategory) (FullProfile, error) {
	rec, err := s.fetch(ctx, ownerID)
	if err != nil {
		return FullProfile{}, err
	}

	facet := rec.Personal
	if category == enums.SharingCategoryWork {
		facet = rec.Work
	}

	full := FullProfile{
		OwnerID:     rec.UserID,
		DisplayName: rec.DisplayName,
		Headline:    rec.Headline,
		Category:    category,
		Email:       facet.Email,
		Phone:       facet.Phone,
		Company:     facet.Company,
		Title:       facet.Title,
		Links:       facet.Links,
	}

	if s.signer != nil && rec.AvatarKey != "" {
		url, err := s.signer.PresignGet(ctx, rec.AvatarKey, s.signTTL)
		if err != nil {
			// A missing avatar URL must not block the exchange itself.
			s.logger.Warn("presign avatar failed", zap.Error(err), zap.String("owner_id", ownerID))
		} else {
			full.AvatarURL = url
		}
	}

	return full, nil
}

func (s *Service) fetch(ctx context.Context, ownerID string) (pgrepo.ProfileRecord, error) {
	// No store means the service runs without a profile backend; tokens
	// still exchange, there is just no payload to attach.
	if s.store == nil {
		return pgrepo.ProfileRecord{}, ErrNotFound
	}
	if ownerID == "" {
		return pgrepo.ProfileRecord{}, ErrNotFound
	}

	rec, err := s.store.GetByUserID(ctx, ownerID)
	if errors.Is(err, pgrepo.ErrProfileNotFound) {
		return pgrepo.ProfileRecord{}, ErrNotFound
	}
	if err != nil {
		return pgrepo.ProfileRecord{}, err
	}
	return rec, nil
}
