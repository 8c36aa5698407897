package intents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivankudzin/bumplink/backend/internal/domain/enums"
	redrepo "github.com/ivankudzin/bumplink/backend/internal/repo/redis"
	"github.com/ivankudzin/bumplink/backend/internal/services/rate"
	"github.com/ivankudzin/bumplink/backend/internal/services/rendezvous"
)

var ErrValidation = errors.New("validation failed")

// anonymousOwnerPrefix marks owner ids minted for unauthenticated link
// sharers; they are never JWT subjects.
const anonymousOwnerPrefix = "anon:"

type IntentStore interface {
	Put(ctx context.Context, rec redrepo.IntentRecord) error
}

type Matcher interface {
	Evaluate(ctx context.Context, rec redrepo.IntentRecord) (rendezvous.Outcome, error)
}

type LinkIssuer interface {
	IssueLinkToken(ctx context.Context, intentID string, ttl time.Duration) (string, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, bucket rate.Bucket, ownerID string) error
}

type SubmitInput struct {
	OwnerID   string
	Source    string
	Category  string
	PressAt   time.Time
	RadioHint string
	ClientIP  string
}

// SubmitResult carries both the stored intent and whatever the submission
// immediately produced: a formed match for a lucky bump, or a shareable
// token for a link intent.
type SubmitResult struct {
	IntentID  string
	OwnerID   string
	Source    enums.IntentSource
	ExpiresAt time.Time

	Matched    bool
	MatchID    string
	MatchToken string

	LinkToken string
}

type Config struct {
	ProximityTTL time.Duration
	LinkTTL      time.Duration
	MaxPressSkew time.Duration
}

type Service struct {
	store   IntentStore
	matcher Matcher
	links   LinkIssuer
	limiter RateLimiter
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

type Dependencies struct {
	Store   IntentStore
	Matcher Matcher
	Links   LinkIssuer
	Limiter RateLimiter
	Config  Config
	Logger  *zap.Logger
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.ProximityTTL <= 0 {
		cfg.ProximityTTL = 30 * time.Second
	}
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 15 * time.Minute
	}
	if cfg.MaxPressSkew <= 0 {
		cfg.MaxPressSkew = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		store:   deps.Store,
		matcher: deps.Matcher,
		links:   deps.Links,
		limiter: deps.Limiter,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// Submit validates, rate-limits and stores a new intent, then runs
// whatever follow-up its source demands: proximity intents go straight to
// the matcher, link intents get a shareable token bound to them.
func (s *Service) Submit(ctx context.Context, input SubmitInput) (SubmitResult, error) {
	if s.store == nil {
		return SubmitResult{}, fmt.Errorf("intent store is nil")
	}

	source, ok := enums.ParseIntentSource(input.Source)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: unknown source %q", ErrValidation, input.Source)
	}
	category, ok := enums.ParseSharingCategory(input.Category)
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: unknown category %q", ErrValidation, input.Category)
	}
	if source == enums.IntentSourceLink && s.links == nil {
		return SubmitResult{}, fmt.Errorf("link issuer is nil")
	}

	now := s.now()

	ownerID := input.OwnerID
	if ownerID == "" {
		if source != enums.IntentSourceLink {
			return SubmitResult{}, fmt.Errorf("%w: proximity intents require an authenticated owner", ErrValidation)
		}
		ownerID = anonymousOwnerPrefix + uuid.NewString()
	}

	pressAt := input.PressAt
	if pressAt.IsZero() {
		pressAt = now
	}
	if skew := pressAt.Sub(now); skew > s.cfg.MaxPressSkew || skew < -s.cfg.MaxPressSkew {
		return SubmitResult{}, fmt.Errorf("%w: press timestamp out of accepted skew", ErrValidation)
	}
	if input.RadioHint == ownerID {
		return SubmitResult{}, fmt.Errorf("%w: radio hint cannot name the submitting owner", ErrValidation)
	}

	if s.limiter != nil {
		// Pseudonymous ids are minted per submission, so they cannot carry
		// a budget; unauthenticated traffic is limited per source address.
		limitKey := ownerID
		if strings.HasPrefix(ownerID, anonymousOwnerPrefix) {
			limitKey = "ip:" + input.ClientIP
		}
		if err := s.limiter.Allow(ctx, rate.BucketIntent, limitKey); err != nil {
			return SubmitResult{}, err
		}
	}

	ttl := s.cfg.ProximityTTL
	if source == enums.IntentSourceLink {
		ttl = s.cfg.LinkTTL
	}

	rec := redrepo.IntentRecord{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Source:    source,
		Category:  category,
		PressAt:   pressAt,
		RadioHint: input.RadioHint,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return SubmitResult{}, fmt.Errorf("store intent: %w", err)
	}

	result := SubmitResult{
		IntentID:  rec.ID,
		OwnerID:   ownerID,
		Source:    source,
		ExpiresAt: rec.ExpiresAt,
	}

	switch source {
	case enums.IntentSourceLink:
		token, err := s.links.IssueLinkToken(ctx, rec.ID, ttl)
		if err != nil {
			return SubmitResult{}, fmt.Errorf("issue link token: %w", err)
		}
		result.LinkToken = token

	case enums.IntentSourceProximity:
		if s.matcher == nil {
			break
		}
		outcome, err := s.matcher.Evaluate(ctx, rec)
		if err != nil {
			// The intent is stored; a matcher hiccup must not fail the
			// submission, the next arrival will re-evaluate.
			s.logger.Warn("rendezvous evaluation failed", zap.Error(err), zap.String("intent_id", rec.ID))
			break
		}
		if outcome.Matched {
			result.Matched = true
			result.MatchID = outcome.Match.ID
			result.MatchToken = outcome.Match.Token
		}
	}

	s.logger.Info("intent submitted",
		zap.String("intent_id", rec.ID),
		zap.String("source", string(source)),
		zap.Bool("matched", result.Matched),
	)
	return result, nil
}
