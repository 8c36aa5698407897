package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ivankudzin/bumplink/backend/internal/domain/enums"
	redrepo "github.com/ivankudzin/bumplink/backend/internal/repo/redis"
	authsvc "github.com/ivankudzin/bumplink/backend/internal/services/auth"
)

type IntentStore interface {
	Put(ctx context.Context, rec redrepo.IntentRecord) error
	Claim(ctx context.Context, intentID string) (redrepo.IntentRecord, error)
	LiveIntentIDByOwner(ctx context.Context, ownerID string) (string, error)
	ListCandidates(ctx context.Context, category enums.SharingCategory, from, to time.Time, excludeOwner string) ([]redrepo.IntentRecord, error)
}

type MatchStore interface {
	Create(ctx context.Context, rec redrepo.MatchRecord) error
}

type Publisher interface {
	Publish(matchID, userAID, userBID, token string) int
}

// Outcome reports a single evaluation. Matched=false is the ordinary
// "still pending" state, not a failure.
type Outcome struct {
	Matched bool
	Match   redrepo.MatchRecord
}

type Config struct {
	MatchTTL    time.Duration
	MatchWindow time.Duration
}

// Service decides when two intents form a pair and does so exactly once.
// It holds no locks: the intent store's atomic claim is the only
// synchronization point, and losing a claim race degrades to "no match
// yet".
type Service struct {
	intents IntentStore
	matches MatchStore
	fanout  Publisher
	cfg     Config
	now     func() time.Time
	logger  *zap.Logger
}

type Dependencies struct {
	Intents IntentStore
	Matches MatchStore
	Fanout  Publisher
	Config  Config
	Logger  *zap.Logger
}

func NewService(deps Dependencies) *Service {
	cfg := deps.Config
	if cfg.MatchTTL <= 0 {
		cfg.MatchTTL = 10 * time.Minute
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = 2 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		intents: deps.Intents,
		matches: deps.Matches,
		fanout:  deps.Fanout,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger,
	}
}

// Evaluate runs both matching strategies for a freshly stored intent:
// the direct-radio path when a handshake already identified the peer,
// then the timestamp-window fallback. Ambiguity (zero or more than one
// plausible candidate) leaves the intent pending; a false match is worse
// than a missed one.
func (s *Service) Evaluate(ctx context.Context, intent redrepo.IntentRecord) (Outcome, error) {
	if s.intents == nil || s.matches == nil {
		return Outcome{}, fmt.Errorf("rendezvous dependencies are not configured")
	}
	if intent.Source != enums.IntentSourceProximity {
		// Link intents wait for a redeemer; they never scan for partners.
		return Outcome{}, nil
	}

	if intent.RadioHint != "" {
		outcome, err := s.tryRadioHint(ctx, intent)
		if err != nil || outcome.Matched {
			return outcome, err
		}
	}

	return s.tryWindow(ctx, intent)
}

func (s *Service) tryRadioHint(ctx context.Context, intent redrepo.IntentRecord) (Outcome, error) {
	peerIntentID, err := s.intents.LiveIntentIDByOwner(ctx, intent.RadioHint)
	if errors.Is(err, redrepo.ErrIntentNotFound) {
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	return s.commitPair(ctx, intent.ID, peerIntentID)
}

func (s *Service) tryWindow(ctx context.Context, intent redrepo.IntentRecord) (Outcome, error) {
	from := intent.PressAt.Add(-s.cfg.MatchWindow)
	to := intent.PressAt.Add(s.cfg.MatchWindow)

	candidates, err := s.intents.ListCandidates(ctx, intent.Category, from, to, intent.OwnerID)
	if err != nil {
		return Outcome{}, err
	}

	// A candidate whose handshake named this owner is the same radio
	// exchange observed from the other device; it outranks the window
	// heuristic and ignores ambiguity.
	for _, candidate := range candidates {
		if candidate.RadioHint == intent.OwnerID {
			return s.commitPair(ctx, intent.ID, candidate.ID)
		}
	}

	if len(candidates) != 1 {
		if len(candidates) > 1 {
			s.logger.Debug("ambiguous rendezvous window, leaving intent pending",
				zap.String("intent_id", intent.ID),
				zap.Int("candidates", len(candidates)),
			)
		}
		return Outcome{}, nil
	}

	return s.commitPair(ctx, intent.ID, candidates[0].ID)
}

// commitPair claims both intents and promotes them into a match. The
// counterpart is claimed first so a lost race leaves the caller's intent
// untouched; if the caller's own claim then fails, the counterpart is
// re-put with its remaining TTL so no intent is lost either way.
func (s *Service) commitPair(ctx context.Context, ownIntentID, peerIntentID string) (Outcome, error) {
	peer, err := s.intents.Claim(ctx, peerIntentID)
	if errors.Is(err, redrepo.ErrIntentNotFound) {
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	own, err := s.intents.Claim(ctx, ownIntentID)
	if errors.Is(err, redrepo.ErrIntentNotFound) {
		if putErr := s.intents.Put(ctx, peer); putErr != nil && !errors.Is(putErr, redrepo.ErrDuplicateIntent) {
			s.logger.Warn("restore counterpart intent failed", zap.Error(putErr), zap.String("intent_id", peer.ID))
		}
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, err
	}

	match, err := s.FormMatch(ctx, PartyIntent{OwnerID: own.OwnerID, Category: own.Category},
		PartyIntent{OwnerID: peer.OwnerID, Category: peer.Category})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Matched: true, Match: match}, nil
}

// PartyIntent is the slice of an intent a match needs to remember: who,
// and which contact facet they agreed to share.
type PartyIntent struct {
	OwnerID  string
	Category enums.SharingCategory
}

// FormMatch creates the match record, mints its token and notifies both
// sides. It is also the entry point for the link path, where the pair is
// (original sharer, redeemer) rather than two simultaneous bumps.
func (s *Service) FormMatch(ctx context.Context, partyA, partyB PartyIntent) (redrepo.MatchRecord, error) {
	userAID, userBID := partyA.OwnerID, partyB.OwnerID
	if userAID == "" || userBID == "" || userAID == userBID {
		return redrepo.MatchRecord{}, fmt.Errorf("invalid match parties")
	}
	if s.matches == nil {
		return redrepo.MatchRecord{}, fmt.Errorf("match store is nil")
	}

	token, err := authsvc.NewExchangeToken()
	if err != nil {
		return redrepo.MatchRecord{}, fmt.Errorf("mint exchange token: %w", err)
	}

	now := s.now()
	match := redrepo.MatchRecord{
		ID:        uuid.NewString(),
		Token:     token,
		UserAID:   userAID,
		UserBID:   userBID,
		CategoryA: partyA.Category,
		CategoryB: partyB.Category,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.MatchTTL),
	}

	if err := s.matches.Create(ctx, match); err != nil {
		return redrepo.MatchRecord{}, err
	}

	s.logger.Info("exchange match formed",
		zap.String("match_id", match.ID),
		zap.String("user_a", userAID),
		zap.String("user_b", userBID),
	)

	if s.fanout != nil {
		s.fanout.Publish(match.ID, userAID, userBID, token)
	}

	return match, nil
}
