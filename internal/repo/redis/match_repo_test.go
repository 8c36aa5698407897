package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ivankudzin/bumplink/backend/internal/domain/enums"
)

func liveMatch(id, token string, ttl time.Duration) MatchRecord {
	now := time.Now()
	return MatchRecord{
		ID:        id,
		Token:     token,
		UserAID:   "u-a",
		UserBID:   "u-b",
		CategoryA: enums.SharingCategoryPersonal,
		CategoryB: enums.SharingCategoryWork,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

func TestCreateAndResolveMatchByToken(t *testing.T) {
	_, client := newMiniRedisClient(t)
	repo := NewMatchRepo(client)
	ctx := context.Background()

	if err := repo.Create(ctx, liveMatch("m-1", "tok-1", 10*time.Minute)); err != nil {
		t.Fatalf("create match: %v", err)
	}

	id, err := repo.IDByToken(ctx, "tok-1")
	if err != nil {
		t.Fatalf("resolve token: %v", err)
	}
	if id != "m-1" {
		t.Fatalf("unexpected match id: %q", id)
	}

	rec, err := repo.Get(ctx, id)
	if err != nil {
		t.Fatalf("get match: %v", err)
	}
	if !rec.HasParty("u-a") || !rec.HasParty("u-b") || rec.HasParty("u-c") {
		t.Fatalf("unexpected parties: %+v", rec)
	}

	counterpart, category, ok := rec.Counterpart("u-a")
	if !ok || counterpart != "u-b" || category != enums.SharingCategoryWork {
		t.Fatalf("counterpart lookup broken: %q %q %v", counterpart, category, ok)
	}
	if _, _, ok := rec.Counterpart("u-z"); ok {
		t.Fatalf("stranger resolved a counterpart")
	}
}

func TestCreateRejectsBoundToken(t *testing.T) {
	_, client := newMiniRedisClient(t)
	repo := NewMatchRepo(client)
	ctx := context.Background()

	if err := repo.Create(ctx, liveMatch("m-1", "tok-1", 10*time.Minute)); err != nil {
		t.Fatalf("create match: %v", err)
	}

	err := repo.Create(ctx, liveMatch("m-2", "tok-1", 10*time.Minute))
	if !errors.Is(err, ErrTokenExists) {
		t.Fatalf("expected ErrTokenExists, got %v", err)
	}
}

func TestExpiredMatchIsNeverReturned(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	repo := NewMatchRepo(client)
	ctx := context.Background()

	if err := repo.Create(ctx, liveMatch("m-1", "tok-1", 5*time.Second)); err != nil {
		t.Fatalf("create match: %v", err)
	}

	mr.FastForward(6 * time.Second)

	if _, err := repo.Get(ctx, "m-1"); !errors.Is(err, ErrMatchNotFound) {
		t.Fatalf("expected expired match gone on get, got %v", err)
	}
	if _, err := repo.IDByToken(ctx, "tok-1"); !errors.Is(err, ErrMatchNotFound) {
		t.Fatalf("expected expired token pointer gone, got %v", err)
	}
}

func TestAddConsumedHasSetSemantics(t *testing.T) {
	_, client := newMiniRedisClient(t)
	repo := NewMatchRepo(client)
	ctx := context.Background()

	if err := repo.Create(ctx, liveMatch("m-1", "tok-1", 10*time.Minute)); err != nil {
		t.Fatalf("create match: %v", err)
	}

	first, err := repo.AddConsumed(ctx, "m-1", "u-a")
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if !first {
		t.Fatalf("expected first consumption to report added")
	}

	second, err := repo.AddConsumed(ctx, "m-1", "u-a")
	if err != nil {
		t.Fatalf("repeat consume: %v", err)
	}
	if second {
		t.Fatalf("repeat consumption must not add a second entry")
	}

	members, err := repo.ConsumedBy(ctx, "m-1")
	if err != nil {
		t.Fatalf("read consumed: %v", err)
	}
	if len(members) != 1 || members[0] != "u-a" {
		t.Fatalf("unexpected consumed set: %v", members)
	}
}

func TestClaimLinkTokenIsSingleWinner(t *testing.T) {
	_, client := newMiniRedisClient(t)
	repo := NewMatchRepo(client)
	ctx := context.Background()

	if err := repo.PutLinkToken(ctx, "lt-1", "i-1", 15*time.Minute); err != nil {
		t.Fatalf("put link token: %v", err)
	}

	if id, err := repo.PeekLinkToken(ctx, "lt-1"); err != nil || id != "i-1" {
		t.Fatalf("peek link token: id=%q err=%v", id, err)
	}

	id, err := repo.ClaimLinkToken(ctx, "lt-1")
	if err != nil {
		t.Fatalf("claim link token: %v", err)
	}
	if id != "i-1" {
		t.Fatalf("unexpected intent id: %q", id)
	}

	if _, err := repo.ClaimLinkToken(ctx, "lt-1"); !errors.Is(err, ErrLinkTokenNotFound) {
		t.Fatalf("expected second claim to lose, got %v", err)
	}
	if _, err := repo.PeekLinkToken(ctx, "lt-1"); !errors.Is(err, ErrLinkTokenNotFound) {
		t.Fatalf("claimed link token still visible to peek: %v", err)
	}
}

func TestRecentForOwnerListsNewestFirstAndSkipsExpired(t *testing.T) {
	mr, client := newMiniRedisClient(t)
	repo := NewMatchRepo(client)
	ctx := context.Background()

	short := liveMatch("m-old", "tok-old", 5*time.Second)
	if err := repo.Create(ctx, short); err != nil {
		t.Fatalf("create short match: %v", err)
	}

	mr.FastForward(2 * time.Second)

	long := MatchRecord{
		ID:        "m-new",
		Token:     "tok-new",
		UserAID:   "u-a",
		UserBID:   "u-c",
		CreatedAt: time.Now().Add(2 * time.Second),
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	if err := repo.Create(ctx, long); err != nil {
		t.Fatalf("create long match: %v", err)
	}

	mr.FastForward(4 * time.Second)

	recent, err := repo.RecentForOwner(ctx, "u-a", 10)
	if err != nil {
		t.Fatalf("recent for owner: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != "m-new" {
		t.Fatalf("unexpected recent matches: %+v", recent)
	}
}
