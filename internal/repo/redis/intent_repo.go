package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ivankudzin/bumplink/backend/internal/domain/enums"
)

var (
	ErrIntentNotFound  = errors.New("intent not found")
	ErrDuplicateIntent = errors.New("duplicate intent id")
)

const (
	intentPrefix      = "exchange:intent:"
	intentOwnerPrefix = "exchange:intent_owner:"
	candidatePrefix   = "exchange:candidates:"
)

// IntentRecord is one party's pending willingness to pair. It lives in a
// single TTL-bound hash; secondary indexes (per-category candidate zset,
// per-owner pointer) never outlive it logically because every read checks
// the hash first.
type IntentRecord struct {
	ID        string
	OwnerID   string
	Source    enums.IntentSource
	Category  enums.SharingCategory
	PressAt   time.Time
	RadioHint string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (rec IntentRecord) Expired(now time.Time) bool {
	return !rec.ExpiresAt.After(now)
}

type IntentRepo struct {
	client *goredis.Client
}

func NewIntentRepo(client *goredis.Client) *IntentRepo {
	return &IntentRepo{client: client}
}

// claimScript atomically removes an intent and its index entries and hands
// the hash back to exactly one caller. Losing a claim race is the normal
// "someone else matched it first" outcome, not an error.
var claimScript = goredis.NewScript(`
local fields = redis.call('HGETALL', KEYS[1])
if #fields == 0 then
	return false
end
local rec = {}
for i = 1, #fields, 2 do
	rec[fields[i]] = fields[i + 1]
end
redis.call('DEL', KEYS[1])
if rec['category'] then
	redis.call('ZREM', ARGV[1] .. rec['category'], ARGV[3])
end
if rec['owner_id'] then
	local ownerKey = ARGV[2] .. rec['owner_id']
	if redis.call('GET', ownerKey) == ARGV[3] then
		redis.call('DEL', ownerKey)
	end
end
return fields
`)

// putScript creates the intent hash, its TTL and its indexes in one
// atomic step, so the hash can never exist without a TTL.
var putScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
for i = 5, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
if ARGV[2] == '1' then
	redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
	redis.call('SET', KEYS[3], ARGV[4], 'PX', ARGV[1])
end
return 1
`)

func (r *IntentRepo) Put(ctx context.Context, rec IntentRecord) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if rec.ID == "" || rec.OwnerID == "" {
		return fmt.Errorf("invalid intent record")
	}
	ttlMillis := time.Until(rec.ExpiresAt).Milliseconds()
	if ttlMillis <= 0 {
		return fmt.Errorf("intent already expired at put")
	}

	proximity := "0"
	if rec.Source == enums.IntentSourceProximity {
		proximity = "1"
	}
	args := []interface{}{
		ttlMillis,
		proximity,
		rec.PressAt.UnixMilli(),
		rec.ID,
		"owner_id", rec.OwnerID,
		"source", string(rec.Source),
		"category", string(rec.Category),
		"press_ms", rec.PressAt.UnixMilli(),
		"created_at", rec.CreatedAt.Unix(),
		"expires_at", rec.ExpiresAt.Unix(),
	}
	if rec.RadioHint != "" {
		args = append(args, "radio_hint", rec.RadioHint)
	}

	created, err := putScript.Run(ctx, r.client,
		[]string{intentKey(rec.ID), candidateKey(rec.Category), intentOwnerKey(rec.OwnerID)},
		args...,
	).Int()
	if err != nil {
		return fmt.Errorf("store intent: %w", err)
	}
	if created == 0 {
		return ErrDuplicateIntent
	}
	return nil
}

// Claim removes the intent and returns it, or ErrIntentNotFound when a
// concurrent caller already claimed it or the TTL ran out. This is the
// only synchronization point the matcher relies on.
func (r *IntentRepo) Claim(ctx context.Context, intentID string) (IntentRecord, error) {
	if r.client == nil {
		return IntentRecord{}, fmt.Errorf("redis client is nil")
	}
	if intentID == "" {
		return IntentRecord{}, fmt.Errorf("intent id is required")
	}

	raw, err := claimScript.Run(ctx, r.client,
		[]string{intentKey(intentID)},
		candidatePrefix, intentOwnerPrefix, intentID,
	).Result()
	if err == goredis.Nil {
		return IntentRecord{}, ErrIntentNotFound
	}
	if err != nil {
		return IntentRecord{}, fmt.Errorf("claim intent: %w", err)
	}

	rec, err := parseIntentReply(intentID, raw)
	if err != nil {
		return IntentRecord{}, err
	}
	if rec.Expired(time.Now()) {
		return IntentRecord{}, ErrIntentNotFound
	}
	return rec, nil
}

func (r *IntentRepo) Get(ctx context.Context, intentID string) (IntentRecord, error) {
	if r.client == nil {
		return IntentRecord{}, fmt.Errorf("redis client is nil")
	}

	values, err := r.client.HGetAll(ctx, intentKey(intentID)).Result()
	if err != nil {
		return IntentRecord{}, fmt.Errorf("get intent hash: %w", err)
	}
	if len(values) == 0 {
		return IntentRecord{}, ErrIntentNotFound
	}

	rec, err := parseIntentFields(intentID, values)
	if err != nil {
		return IntentRecord{}, err
	}
	if rec.Expired(time.Now()) {
		return IntentRecord{}, ErrIntentNotFound
	}
	return rec, nil
}

// LiveIntentIDByOwner resolves the owner's current proximity intent, used
// by the direct-radio matching path.
func (r *IntentRepo) LiveIntentIDByOwner(ctx context.Context, ownerID string) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("redis client is nil")
	}

	id, err := r.client.Get(ctx, intentOwnerKey(ownerID)).Result()
	if err == goredis.Nil {
		return "", ErrIntentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get owner intent pointer: %w", err)
	}
	return id, nil
}

// ListCandidates returns live proximity intents of the given category whose
// press timestamp falls in [from, to], excluding excludeOwner. Entries whose
// hash already expired are lazily dropped from the index.
func (r *IntentRepo) ListCandidates(ctx context.Context, category enums.SharingCategory, from, to time.Time, excludeOwner string) ([]IntentRecord, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	ids, err := r.client.ZRangeByScore(ctx, candidateKey(category), &goredis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range candidate index: %w", err)
	}

	now := time.Now()
	out := make([]IntentRecord, 0, len(ids))
	for _, id := range ids {
		values, err := r.client.HGetAll(ctx, intentKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("get candidate hash: %w", err)
		}
		if len(values) == 0 {
			_ = r.client.ZRem(ctx, candidateKey(category), id).Err()
			continue
		}
		rec, err := parseIntentFields(id, values)
		if err != nil {
			return nil, err
		}
		if rec.Expired(now) || rec.OwnerID == excludeOwner {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SweepCandidates drops index entries whose backing hash is gone. The hash
// TTL already bounds real state; this keeps the zset from accumulating
// tombstones between matches.
func (r *IntentRepo) SweepCandidates(ctx context.Context, category enums.SharingCategory) (int64, error) {
	if r.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}

	ids, err := r.client.ZRange(ctx, candidateKey(category), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("scan candidate index: %w", err)
	}

	var removed int64
	for _, id := range ids {
		exists, err := r.client.Exists(ctx, intentKey(id)).Result()
		if err != nil {
			return removed, fmt.Errorf("check candidate liveness: %w", err)
		}
		if exists == 0 {
			if err := r.client.ZRem(ctx, candidateKey(category), id).Err(); err != nil {
				return removed, fmt.Errorf("remove stale candidate: %w", err)
			}
			removed++
		}
	}
	return removed, nil
}

func intentKey(id string) string {
	return intentPrefix + id
}

func intentOwnerKey(ownerID string) string {
	return intentOwnerPrefix + ownerID
}

func candidateKey(category enums.SharingCategory) string {
	return candidatePrefix + string(category)
}

func parseIntentReply(id string, raw interface{}) (IntentRecord, error) {
	items, ok := raw.([]interface{})
	if !ok || len(items)%2 != 0 {
		return IntentRecord{}, fmt.Errorf("unexpected claim reply shape")
	}
	values := make(map[string]string, len(items)/2)
	for i := 0; i+1 < len(items); i += 2 {
		k, kok := items[i].(string)
		v, vok := items[i+1].(string)
		if !kok || !vok {
			return IntentRecord{}, fmt.Errorf("unexpected claim reply field")
		}
		values[k] = v
	}
	return parseIntentFields(id, values)
}

func parseIntentFields(id string, values map[string]string) (IntentRecord, error) {
	pressMS, err := parseFieldInt64(values["press_ms"])
	if err != nil {
		return IntentRecord{}, fmt.Errorf("parse press_ms: %w", err)
	}
	createdAt, err := parseFieldInt64(values["created_at"])
	if err != nil {
		return IntentRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	expiresAt, err := parseFieldInt64(values["expires_at"])
	if err != nil {
		return IntentRecord{}, fmt.Errorf("parse expires_at: %w", err)
	}

	return IntentRecord{
		ID:        id,
		OwnerID:   values["owner_id"],
		Source:    enums.IntentSource(values["source"]),
		Category:  enums.SharingCategory(values["category"]),
		PressAt:   time.UnixMilli(pressMS),
		RadioHint: values["radio_hint"],
		CreatedAt: time.Unix(createdAt, 0),
		ExpiresAt: time.Unix(expiresAt, 0),
	}, nil
}

func parseFieldInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
