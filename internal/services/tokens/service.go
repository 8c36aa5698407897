package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ivankudzin/bumplink/backend/internal/domain/enums"
	redrepo "github.com/ivankudzin/bumplink/backend/internal/repo/redis"
	authsvc "github.com/ivankudzin/bumplink/backend/internal/services/auth"
	"github.com/ivankudzin/bumplink/backend/internal/services/profiles"
	"github.com/ivankudzin/bumplink/backend/internal/services/rate"
	"github.com/ivankudzin/bumplink/backend/internal/services/rendezvous"
)

var (
	ErrNotFound  = errors.New("token not found")
	ErrForbidden = errors.New("requester is not a party to this match")
)

// linkTokenGrace keeps a claimed-or-expired link token resolvable a while
// past its intent's lifetime, so a late redeemer sees "expired" instead of
// "never existed".
const linkTokenGrace = time.Hour

type MatchStore interface {
	Get(ctx context.Context, matchID string) (redrepo.MatchRecord, error)
	IDByToken(ctx context.Context, token string) (string, error)
	AddConsumed(ctx context.Context, matchID, ownerID string) (bool, error)
	ConsumedBy(ctx context.Context, matchID string) ([]string, error)
	RecentForOwner(ctx context.Context, ownerID string, limit int) ([]redrepo.MatchRecord, error)
	PutLinkToken(ctx context.Context, token, intentID string, ttl time.Duration) error
	PeekLinkToken(ctx context.Context, token string) (string, error)
	ClaimLinkToken(ctx context.Context, token string) (string, error)
	BindTokenAlias(ctx context.Context, token, matchID string, ttl time.Duration) error
}

type IntentStore interface {
	Get(ctx context.Context, intentID string) (redrepo.IntentRecord, error)
	Claim(ctx context.Context, intentID string) (redrepo.IntentRecord, error)
}

type MatchFormer interface {
	FormMatch(ctx context.Context, partyA, partyB rendezvous.PartyIntent) (redrepo.MatchRecord, error)
}

type ProfileViews interface {
	Preview(ctx context.Context, ownerID string) (profiles.PreviewProfile, error)
	Full(ctx context.Context, ownerID string, category enums.SharingCategory) (profiles.FullProfile, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, bucket rate.Bucket, ownerID string) error
}

// Requester identifies who is redeeming. Verified means the id came from a
// bearer token; an unverified id is only honored when it is one of our own
// minted pseudonymous sharer ids, which are unguessable.
type Requester struct {
	OwnerID  string
	Verified bool
}

func (r Requester) known() bool {
	if r.OwnerID == "" {
		return false
	}
	return r.Verified || strings.HasPrefix(r.OwnerID, "anon:")
}

// RedeemResult classifies one redemption attempt. Exactly one of Preview
// and Full is set for the happy statuses; both are nil otherwise.
type RedeemResult struct {
	Status     enums.RedeemStatus
	MatchID    string
	MatchToken string
	Preview    *profiles.PreviewProfile
	Full       *profiles.FullProfile
}

type Service struct {
	matches  MatchStore
	intents  IntentStore
	former   MatchFormer
	profiles ProfileViews
	limiter  RateLimiter
	logger   *zap.Logger
}

type Dependencies struct {
	Matches  MatchStore
	Intents  IntentStore
	Former   MatchFormer
	Profiles ProfileViews
	Limiter  RateLimiter
	Logger   *zap.Logger
}

func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		matches:  deps.Matches,
		intents:  deps.Intents,
		former:   deps.Former,
		profiles: deps.Profiles,
		limiter:  deps.Limiter,
		logger:   logger,
	}
}

// IssueLinkToken mints a shareable opaque token bound to a still-unmatched
// link intent. The binding outlives the intent by a grace period so stale
// redemptions classify as expired.
func (s *Service) IssueLinkToken(ctx context.Context, intentID string, ttl time.Duration) (string, error) {
	if s.matches == nil {
		return "", fmt.Errorf("match store is nil")
	}
	if intentID == "" || ttl <= 0 {
		return "", fmt.Errorf("invalid link token request")
	}

	token, err := authsvc.NewExchangeToken()
	if err != nil {
		return "", fmt.Errorf("mint link token: %w", err)
	}
	if err := s.matches.PutLinkToken(ctx, token, intentID, ttl+linkTokenGrace); err != nil {
		return "", err
	}
	return token, nil
}

// Redeem classifies a presented token and returns the profile payload the
// requester is entitled to. It is retry-safe: repeating a redemption never
// yields less than the first attempt did.
func (s *Service) Redeem(ctx context.Context, token string, requester Requester) (RedeemResult, error) {
	if s.matches == nil || s.intents == nil {
		return RedeemResult{}, fmt.Errorf("token stores are not configured")
	}
	if token == "" {
		return RedeemResult{Status: enums.RedeemStatusNotFound}, nil
	}

	if s.limiter != nil && requester.known() {
		if err := s.limiter.Allow(ctx, rate.BucketRedeem, requester.OwnerID); err != nil {
			return RedeemResult{}, err
		}
	}

	matchID, err := s.matches.IDByToken(ctx, token)
	if err == nil {
		return s.redeemMatch(ctx, matchID, requester)
	}
	if !errors.Is(err, redrepo.ErrMatchNotFound) {
		return RedeemResult{}, err
	}

	return s.redeemLink(ctx, token, requester)
}

// SubscriberForToken resolves which owner a presented link token may
// subscribe as: the sharer behind a still-pending link intent. It gives a
// pseudonymous sharer a push channel without a bearer token; the token
// itself is the credential, being unguessable and theirs alone.
func (s *Service) SubscriberForToken(ctx context.Context, token string) (string, error) {
	if s.matches == nil || s.intents == nil {
		return "", fmt.Errorf("token stores are not configured")
	}
	if token == "" {
		return "", ErrNotFound
	}

	intentID, err := s.matches.PeekLinkToken(ctx, token)
	if errors.Is(err, redrepo.ErrLinkTokenNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}

	intent, err := s.intents.Get(ctx, intentID)
	if errors.Is(err, redrepo.ErrIntentNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return intent.OwnerID, nil
}

func (s *Service) redeemMatch(ctx context.Context, matchID string, requester Requester) (RedeemResult, error) {
	rec, err := s.matches.Get(ctx, matchID)
	if errors.Is(err, redrepo.ErrMatchNotFound) {
		// The token pointer outlived the match hash.
		return RedeemResult{Status: enums.RedeemStatusExpired}, nil
	}
	if err != nil {
		return RedeemResult{}, err
	}

	// A non-party learns nothing from a forbidden redemption, not even
	// the match id behind the token they guessed.
	if !requester.known() {
		return RedeemResult{Status: enums.RedeemStatusForbidden}, nil
	}
	counterpartID, category, ok := rec.Counterpart(requester.OwnerID)
	if !ok {
		return RedeemResult{Status: enums.RedeemStatusForbidden}, nil
	}

	if _, err := s.matches.AddConsumed(ctx, rec.ID, requester.OwnerID); err != nil {
		return RedeemResult{}, err
	}

	result := RedeemResult{
		Status:     enums.RedeemStatusFull,
		MatchID:    rec.ID,
		MatchToken: rec.Token,
	}
	result.Full, err = s.fullProfile(ctx, counterpartID, category)
	if err != nil {
		return RedeemResult{}, err
	}
	return result, nil
}

func (s *Service) redeemLink(ctx context.Context, token string, requester Requester) (RedeemResult, error) {
	intentID, err := s.matches.PeekLinkToken(ctx, token)
	if errors.Is(err, redrepo.ErrLinkTokenNotFound) {
		return RedeemResult{Status: enums.RedeemStatusNotFound}, nil
	}
	if err != nil {
		return RedeemResult{}, err
	}

	intent, err := s.intents.Get(ctx, intentID)
	if errors.Is(err, redrepo.ErrIntentNotFound) {
		// The token still resolves but its intent's lifetime ran out.
		return RedeemResult{Status: enums.RedeemStatusExpired}, nil
	}
	if err != nil {
		return RedeemResult{}, err
	}

	// Only a verified identity distinct from the sharer can complete the
	// exchange; everyone else gets the sharer's preview.
	if !requester.Verified || requester.OwnerID == intent.OwnerID {
		return s.previewResult(ctx, intent.OwnerID)
	}

	return s.attachRedeemer(ctx, token, intent, requester.OwnerID)
}

// attachRedeemer turns a link token into a match: claim the token (single
// winner), consume the backing intent, form the match and re-bind the link
// token to it so the sharer's next poll resolves to the result.
func (s *Service) attachRedeemer(ctx context.Context, token string, intent redrepo.IntentRecord, redeemerID string) (RedeemResult, error) {
	if s.former == nil {
		return RedeemResult{}, fmt.Errorf("match former is nil")
	}

	if _, err := s.matches.ClaimLinkToken(ctx, token); err != nil {
		if errors.Is(err, redrepo.ErrLinkTokenNotFound) {
			// Lost the attach race; the winner already re-bound the token.
			if matchID, lookupErr := s.matches.IDByToken(ctx, token); lookupErr == nil {
				return s.redeemMatch(ctx, matchID, Requester{OwnerID: redeemerID, Verified: true})
			}
			return RedeemResult{Status: enums.RedeemStatusExpired}, nil
		}
		return RedeemResult{}, err
	}

	claimed, err := s.intents.Claim(ctx, intent.ID)
	if errors.Is(err, redrepo.ErrIntentNotFound) {
		return RedeemResult{Status: enums.RedeemStatusExpired}, nil
	}
	if err != nil {
		return RedeemResult{}, err
	}

	// The redeemer reciprocates with the facet the sharer chose.
	match, err := s.former.FormMatch(ctx,
		rendezvous.PartyIntent{OwnerID: claimed.OwnerID, Category: claimed.Category},
		rendezvous.PartyIntent{OwnerID: redeemerID, Category: claimed.Category},
	)
	if err != nil {
		return RedeemResult{}, err
	}

	aliasTTL := time.Until(match.ExpiresAt)
	if aliasTTL > 0 {
		if err := s.matches.BindTokenAlias(ctx, token, match.ID, aliasTTL); err != nil && !errors.Is(err, redrepo.ErrTokenExists) {
			s.logger.Warn("rebind link token to match failed", zap.Error(err), zap.String("match_id", match.ID))
		}
	}

	if _, err := s.matches.AddConsumed(ctx, match.ID, redeemerID); err != nil {
		return RedeemResult{}, err
	}

	result := RedeemResult{
		Status:     enums.RedeemStatusFull,
		MatchID:    match.ID,
		MatchToken: match.Token,
	}
	result.Full, err = s.fullProfile(ctx, claimed.OwnerID, claimed.Category)
	if err != nil {
		return RedeemResult{}, err
	}
	return result, nil
}

func (s *Service) previewResult(ctx context.Context, sharerID string) (RedeemResult, error) {
	if s.profiles == nil {
		return RedeemResult{Status: enums.RedeemStatusPreview}, nil
	}

	preview, err := s.profiles.Preview(ctx, sharerID)
	if errors.Is(err, profiles.ErrPreviewNotAllowed) {
		return RedeemResult{Status: enums.RedeemStatusForbidden}, nil
	}
	if errors.Is(err, profiles.ErrNotFound) {
		// Pseudonymous sharers have no stored profile; the token is still
		// valid, there is just nothing to show yet.
		return RedeemResult{Status: enums.RedeemStatusPreview}, nil
	}
	if err != nil {
		return RedeemResult{}, err
	}
	return RedeemResult{Status: enums.RedeemStatusPreview, Preview: &preview}, nil
}

func (s *Service) fullProfile(ctx context.Context, ownerID string, category enums.SharingCategory) (*profiles.FullProfile, error) {
	if s.profiles == nil {
		return nil, nil
	}

	full, err := s.profiles.Full(ctx, ownerID, category)
	if errors.Is(err, profiles.ErrNotFound) {
		// A pseudonymous counterpart has no profile to show.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &full, nil
}

// MatchSummary is the per-owner view of one live match for the recent
// list: the counterpart, the facet the requester may see, and the token
// to redeem it with.
type MatchSummary struct {
	MatchID       string
	Token         string
	CounterpartID string
	Category      enums.SharingCategory
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Recent lists the requester's live matches, newest first. Covers clients
// that missed the push: the match and its token stay discoverable here
// until the match TTL fires.
func (s *Service) Recent(ctx context.Context, requester Requester, limit int) ([]MatchSummary, error) {
	if s.matches == nil {
		return nil, fmt.Errorf("match store is nil")
	}
	if !requester.known() {
		return nil, ErrForbidden
	}

	records, err := s.matches.RecentForOwner(ctx, requester.OwnerID, limit)
	if err != nil {
		return nil, err
	}

	out := make([]MatchSummary, 0, len(records))
	for _, rec := range records {
		counterpartID, category, ok := rec.Counterpart(requester.OwnerID)
		if !ok {
			continue
		}
		out = append(out, MatchSummary{
			MatchID:       rec.ID,
			Token:         rec.Token,
			CounterpartID: counterpartID,
			Category:      category,
			CreatedAt:     rec.CreatedAt,
			ExpiresAt:     rec.ExpiresAt,
		})
	}
	return out, nil
}

// Confirm records that the requester has consumed their side of the match.
// Repeating it is a no-op; the returned list is the full consumed-by set.
func (s *Service) Confirm(ctx context.Context, token string, requester Requester) ([]string, error) {
	if s.matches == nil {
		return nil, fmt.Errorf("match store is nil")
	}
	if token == "" || !requester.known() {
		return nil, ErrForbidden
	}

	matchID, err := s.matches.IDByToken(ctx, token)
	if errors.Is(err, redrepo.ErrMatchNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec, err := s.matches.Get(ctx, matchID)
	if errors.Is(err, redrepo.ErrMatchNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !rec.HasParty(requester.OwnerID) {
		return nil, ErrForbidden
	}

	if _, err := s.matches.AddConsumed(ctx, rec.ID, requester.OwnerID); err != nil {
		return nil, err
	}
	return s.matches.ConsumedBy(ctx, rec.ID)
}
