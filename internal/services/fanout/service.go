package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is the one-shot payload pushed to a waiting client. The match
// itself persists for its TTL, so a missed push is recoverable through
// the recent-matches read path.
type Event struct {
	MatchID string `json:"match_id"`
	Token   string `json:"token"`
}

type subscription struct {
	id        string
	ownerID   string
	ch        chan Event
	expiresAt time.Time
	closed    bool
}

// Handle is what a transport holds while streaming. The channel is closed
// after at most one delivery, on expiry, or on Unsubscribe, whichever
// comes first.
type Handle struct {
	ID        string
	OwnerID   string
	C         <-chan Event
	ExpiresAt time.Time
}

// Service is an in-process registry of live subscriptions. There is no
// durable queue: publish to an owner with no live subscription drops the
// event.
type Service struct {
	mu      sync.Mutex
	byOwner map[string][]*subscription
	ttl     time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

type Dependencies struct {
	SubscriptionTTL time.Duration
	Logger          *zap.Logger
}

func NewService(deps Dependencies) *Service {
	ttl := deps.SubscriptionTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		byOwner: make(map[string][]*subscription),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

func (s *Service) Subscribe(ownerID string) (Handle, error) {
	if ownerID == "" {
		return Handle{}, fmt.Errorf("owner id is required")
	}

	sub := &subscription{
		id:        uuid.NewString(),
		ownerID:   ownerID,
		ch:        make(chan Event, 1),
		expiresAt: s.now().Add(s.ttl),
	}

	s.mu.Lock()
	s.byOwner[ownerID] = append(s.byOwner[ownerID], sub)
	s.mu.Unlock()

	return Handle{
		ID:        sub.id,
		OwnerID:   ownerID,
		C:         sub.ch,
		ExpiresAt: sub.expiresAt,
	}, nil
}

// Unsubscribe tears the subscription down; safe to call after delivery or
// expiry already closed it.
func (s *Service) Unsubscribe(handle Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.byOwner[handle.OwnerID]
	for i, sub := range subs {
		if sub.id != handle.ID {
			continue
		}
		s.closeLocked(sub)
		s.byOwner[handle.OwnerID] = append(subs[:i], subs[i+1:]...)
		break
	}
	if len(s.byOwner[handle.OwnerID]) == 0 {
		delete(s.byOwner, handle.OwnerID)
	}
}

// Publish delivers the event to every live subscription of either party,
// at most once per subscription, and tears each one down afterwards.
// Returns how many subscriptions received the event.
func (s *Service) Publish(matchID, userAID, userBID, token string) int {
	ev := Event{MatchID: matchID, Token: token}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := 0
	for _, owner := range []string{userAID, userBID} {
		subs := s.byOwner[owner]
		if len(subs) == 0 {
			continue
		}
		for _, sub := range subs {
			if sub.closed || !sub.expiresAt.After(now) {
				s.closeLocked(sub)
				continue
			}
			sub.ch <- ev
			s.closeLocked(sub)
			delivered++
		}
		delete(s.byOwner, owner)
	}

	if delivered > 0 {
		s.logger.Debug("match event published",
			zap.String("match_id", matchID),
			zap.Int("delivered", delivered),
		)
	}
	return delivered
}

// RunJanitor expires idle subscriptions until the context ends.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expireIdle()
		}
	}
}

func (s *Service) expireIdle() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for owner, subs := range s.byOwner {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.expiresAt.After(now) {
				kept = append(kept, sub)
				continue
			}
			s.closeLocked(sub)
		}
		if len(kept) == 0 {
			delete(s.byOwner, owner)
		} else {
			s.byOwner[owner] = kept
		}
	}
}

// LiveCount reports the number of live subscriptions for an owner.
func (s *Service) LiveCount(ownerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byOwner[ownerID])
}

func (s *Service) closeLocked(sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}
