package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ivankudzin/bumplink/backend/internal/domain/enums"
)

var (
	ErrMatchNotFound     = errors.New("match not found")
	ErrLinkTokenNotFound = errors.New("link token not found")
	ErrTokenExists       = errors.New("token already bound")
)

const (
	matchPrefix     = "exchange:match:"
	tokenPrefix     = "exchange:token:"
	linkTokenPrefix = "exchange:linktoken:"
	recentPrefix    = "exchange:recent:"
)

// MatchRecord is a confirmed pairing of exactly two owners. The token is
// minted once at creation and never rotated. Each party's sharing
// category is captured here because the source intents are consumed the
// moment the match forms.
type MatchRecord struct {
	ID        string
	Token     string
	UserAID   string
	UserBID   string
	CategoryA enums.SharingCategory
	CategoryB enums.SharingCategory
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (rec MatchRecord) Expired(now time.Time) bool {
	return !rec.ExpiresAt.After(now)
}

func (rec MatchRecord) HasParty(ownerID string) bool {
	return ownerID != "" && (ownerID == rec.UserAID || ownerID == rec.UserBID)
}

// Counterpart returns the other party and the sharing category that party
// declared, i.e. the facet ownerID is entitled to see.
func (rec MatchRecord) Counterpart(ownerID string) (string, enums.SharingCategory, bool) {
	switch ownerID {
	case rec.UserAID:
		return rec.UserBID, rec.CategoryB, true
	case rec.UserBID:
		return rec.UserAID, rec.CategoryA, true
	default:
		return "", "", false
	}
}

type MatchRepo struct {
	client *goredis.Client
}

func NewMatchRepo(client *goredis.Client) *MatchRepo {
	return &MatchRepo{client: client}
}

func (r *MatchRepo) Create(ctx context.Context, rec MatchRecord) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if rec.ID == "" || rec.Token == "" || rec.UserAID == "" || rec.UserBID == "" {
		return fmt.Errorf("invalid match record")
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("match already expired at create")
	}

	bound, err := r.client.SetNX(ctx, tokenKey(rec.Token), rec.ID, ttl).Result()
	if err != nil {
		return fmt.Errorf("bind match token: %w", err)
	}
	if !bound {
		return ErrTokenExists
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, matchKey(rec.ID), map[string]interface{}{
		"token":      rec.Token,
		"user_a":     rec.UserAID,
		"user_b":     rec.UserBID,
		"category_a": string(rec.CategoryA),
		"category_b": string(rec.CategoryB),
		"created_at": rec.CreatedAt.Unix(),
		"expires_at": rec.ExpiresAt.Unix(),
	})
	pipe.PExpire(ctx, matchKey(rec.ID), ttl)
	for _, owner := range []string{rec.UserAID, rec.UserBID} {
		pipe.ZAdd(ctx, recentKey(owner), goredis.Z{
			Score:  float64(rec.CreatedAt.Unix()),
			Member: rec.ID,
		})
		pipe.Expire(ctx, recentKey(owner), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store match: %w", err)
	}

	return nil
}

func (r *MatchRepo) Get(ctx context.Context, matchID string) (MatchRecord, error) {
	if r.client == nil {
		return MatchRecord{}, fmt.Errorf("redis client is nil")
	}

	values, err := r.client.HGetAll(ctx, matchKey(matchID)).Result()
	if err != nil {
		return MatchRecord{}, fmt.Errorf("get match hash: %w", err)
	}
	if len(values) == 0 {
		return MatchRecord{}, ErrMatchNotFound
	}

	createdAt, err := parseFieldInt64(values["created_at"])
	if err != nil {
		return MatchRecord{}, fmt.Errorf("parse match created_at: %w", err)
	}
	expiresAt, err := parseFieldInt64(values["expires_at"])
	if err != nil {
		return MatchRecord{}, fmt.Errorf("parse match expires_at: %w", err)
	}

	rec := MatchRecord{
		ID:        matchID,
		Token:     values["token"],
		UserAID:   values["user_a"],
		UserBID:   values["user_b"],
		CategoryA: enums.SharingCategory(values["category_a"]),
		CategoryB: enums.SharingCategory(values["category_b"]),
		CreatedAt: time.Unix(createdAt, 0),
		ExpiresAt: time.Unix(expiresAt, 0),
	}
	if rec.Expired(time.Now()) {
		return MatchRecord{}, ErrMatchNotFound
	}
	return rec, nil
}

func (r *MatchRepo) IDByToken(ctx context.Context, token string) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}

	id, err := r.client.Get(ctx, tokenKey(token)).Result()
	if err == goredis.Nil {
		return "", ErrMatchNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve match token: %w", err)
	}
	return id, nil
}

// AddConsumed appends ownerID to the match's consumed-by set. Set
// semantics make repeated redemption by the same party idempotent; the
// returned bool reports whether this call was the first for that owner.
func (r *MatchRepo) AddConsumed(ctx context.Context, matchID, ownerID string) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if matchID == "" || ownerID == "" {
		return false, fmt.Errorf("invalid consumption payload")
	}

	added, err := r.client.SAdd(ctx, consumedKey(matchID), ownerID).Result()
	if err != nil {
		return false, fmt.Errorf("append consumed set: %w", err)
	}

	// Align the set's lifetime with the match hash.
	ttl, err := r.client.PTTL(ctx, matchKey(matchID)).Result()
	if err == nil && ttl > 0 {
		_ = r.client.PExpire(ctx, consumedKey(matchID), ttl).Err()
	}

	return added == 1, nil
}

func (r *MatchRepo) ConsumedBy(ctx context.Context, matchID string) ([]string, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	members, err := r.client.SMembers(ctx, consumedKey(matchID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read consumed set: %w", err)
	}
	return members, nil
}

// PutLinkToken binds a share-link token to a still-unmatched intent.
func (r *MatchRepo) PutLinkToken(ctx context.Context, token, intentID string, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if token == "" || intentID == "" || ttl <= 0 {
		return fmt.Errorf("invalid link token payload")
	}

	bound, err := r.client.SetNX(ctx, linkTokenKey(token), intentID, ttl).Result()
	if err != nil {
		return fmt.Errorf("bind link token: %w", err)
	}
	if !bound {
		return ErrTokenExists
	}
	return nil
}

// PeekLinkToken resolves a link token without consuming it; used for
// anonymous preview redemptions.
func (r *MatchRepo) PeekLinkToken(ctx context.Context, token string) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}

	id, err := r.client.Get(ctx, linkTokenKey(token)).Result()
	if err == goredis.Nil {
		return "", ErrLinkTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve link token: %w", err)
	}
	return id, nil
}

// ClaimLinkToken removes and returns the bound intent id. GETDEL makes the
// second-party attach single-winner: exactly one redeemer can turn a link
// token into a match.
func (r *MatchRepo) ClaimLinkToken(ctx context.Context, token string) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}

	id, err := r.client.GetDel(ctx, linkTokenKey(token)).Result()
	if err == goredis.Nil {
		return "", ErrLinkTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("claim link token: %w", err)
	}
	return id, nil
}

// BindTokenAlias points an extra token at an existing match. Used after a
// link token is claimed so the original sharer's poll of that same token
// resolves to the match it produced.
func (r *MatchRepo) BindTokenAlias(ctx context.Context, token, matchID string, ttl time.Duration) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if token == "" || matchID == "" || ttl <= 0 {
		return fmt.Errorf("invalid token alias payload")
	}

	bound, err := r.client.SetNX(ctx, tokenKey(token), matchID, ttl).Result()
	if err != nil {
		return fmt.Errorf("bind token alias: %w", err)
	}
	if !bound {
		return ErrTokenExists
	}
	return nil
}

// RecentForOwner lists the owner's live matches, newest first. Entries
// whose hash already expired are lazily dropped from the index.
func (r *MatchRepo) RecentForOwner(ctx context.Context, ownerID string, limit int) ([]MatchRecord, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if limit <= 0 {
		limit = 20
	}

	ids, err := r.client.ZRevRange(ctx, recentKey(ownerID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("range recent matches: %w", err)
	}

	out := make([]MatchRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, id)
		if errors.Is(err, ErrMatchNotFound) {
			_ = r.client.ZRem(ctx, recentKey(ownerID), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func matchKey(id string) string {
	return matchPrefix + id
}

func tokenKey(token string) string {
	return tokenPrefix + token
}

func linkTokenKey(token string) string {
	return linkTokenPrefix + token
}

func consumedKey(matchID string) string {
	return matchPrefix + matchID + ":consumed"
}

func recentKey(ownerID string) string {
	return recentPrefix + ownerID
}
