package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRadioUnavailable reports that the underlying radio refused to start;
// callers fall back to the shareable-link path.
var ErrRadioUnavailable = errors.New("radio unavailable")

// Announcement is the payload advertised over the radio and parsed from
// nearby peers. It is deliberately small: identity, chosen facet and the
// press timestamp the matcher correlates on.
type Announcement struct {
	OwnerID  string          `json:"owner_id"`
	Category string          `json:"category"`
	PressMS  int64           `json:"press_ms"`
	Profile  json.RawMessage `json:"profile,omitempty"`
}

// Peer is one observed nearby announcement.
type Peer struct {
	Announcement     Announcement
	PeerConnectionID string
}

// Radio abstracts the platform transport (BLE, local sockets in tests).
// Implementations must be safe to stop more than once.
type Radio interface {
	StartAdvertising(ctx context.Context, payload []byte) error
	StopAdvertising(ctx context.Context) error
	Observations(ctx context.Context) (<-chan Observation, error)
}

// Observation is the raw radio datum before plausibility filtering.
type Observation struct {
	Payload          []byte
	PeerConnectionID string
}

// Beacon runs at most one advertising session at a time. Restarting while
// a session is live tears the old one down first, so StartAdvertising is
// idempotent from the caller's point of view.
type Beacon struct {
	mu      sync.Mutex
	radio   Radio
	logger  *zap.Logger
	profile json.RawMessage
	cancel  context.CancelFunc
	peers   chan Peer
	ownerID string
}

func New(radio Radio, logger *zap.Logger) *Beacon {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Beacon{radio: radio, logger: logger}
}

// SetProfileData attaches an opaque profile blob to subsequent
// announcements. Safe to call at any time; a live session keeps the
// payload it started with.
func (b *Beacon) SetProfileData(payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profile = append([]byte(nil), payload...)
}

// StartAdvertising begins a session for the given owner. Any prior
// session is stopped first. Radio failures surface as ErrRadioUnavailable
// and leave the beacon stopped.
func (b *Beacon) StartAdvertising(ctx context.Context, ownerID, category string, pressTime time.Time) error {
	if b.radio == nil {
		return ErrRadioUnavailable
	}
	if ownerID == "" {
		return fmt.Errorf("owner id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked(ctx)

	payload, err := json.Marshal(Announcement{
		OwnerID:  ownerID,
		Category: category,
		PressMS:  pressTime.UnixMilli(),
		Profile:  b.profile,
	})
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}

	if err := b.radio.StartAdvertising(ctx, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	observations, err := b.radio.Observations(sessionCtx)
	if err != nil {
		cancel()
		_ = b.radio.StopAdvertising(ctx)
		return fmt.Errorf("%w: %v", ErrRadioUnavailable, err)
	}

	b.cancel = cancel
	b.ownerID = ownerID
	b.peers = make(chan Peer, 1)
	go b.watch(sessionCtx, ownerID, observations, b.peers)

	b.logger.Debug("beacon advertising", zap.String("owner_id", ownerID), zap.String("category", category))
	return nil
}

// StopAdvertising tears down the current session. Safe when nothing is
// running.
func (b *Beacon) StopAdvertising(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopLocked(ctx)
}

func (b *Beacon) stopLocked(ctx context.Context) {
	if b.cancel == nil {
		return
	}
	b.cancel()
	b.cancel = nil
	b.peers = nil
	if err := b.radio.StopAdvertising(ctx); err != nil {
		b.logger.Warn("stop advertising failed", zap.Error(err))
	}
}

// PeerData returns the current session's peer channel. It delivers the
// first plausible peer, then closes; later observations in the same
// session are dropped. Nil when no session is live.
func (b *Beacon) PeerData() <-chan Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peers
}

// watch filters raw observations down to the single peer the session
// accepts. A panic in a radio implementation must not take the app down.
func (b *Beacon) watch(ctx context.Context, ownerID string, in <-chan Observation, out chan<- Peer) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("radio observation panic", zap.Any("panic", r))
		}
		close(out)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case obs, ok := <-in:
			if !ok {
				return
			}
			peer, ok := plausible(ownerID, obs)
			if !ok {
				continue
			}
			select {
			case out <- peer:
			default:
			}
			return
		}
	}
}

func plausible(ownerID string, obs Observation) (Peer, bool) {
	if len(obs.Payload) == 0 {
		return Peer{}, false
	}
	var ann Announcement
	if err := json.Unmarshal(obs.Payload, &ann); err != nil {
		return Peer{}, false
	}
	if ann.OwnerID == "" || ann.OwnerID == ownerID {
		return Peer{}, false
	}
	return Peer{Announcement: ann, PeerConnectionID: obs.PeerConnectionID}, true
}
