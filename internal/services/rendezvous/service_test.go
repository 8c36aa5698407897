package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ivankudzin/bumplink/backend/internal/domain/enums"
	redrepo "github.com/ivankudzin/bumplink/backend/internal/repo/redis"
)

type publishRecorder struct {
	mu     sync.Mutex
	events []struct {
		MatchID, UserA, UserB, Token string
	}
}

func (p *publishRecorder) Publish(matchID, userAID, userBID, token string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, struct {
		MatchID, UserA, UserB, Token string
	}{matchID, userAID, userBID, token})
	return 2
}

func (p *publishRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type fixture struct {
	svc     *Service
	intents *redrepo.IntentRepo
	matches *redrepo.MatchRepo
	fanout  *publishRecorder
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	intents := redrepo.NewIntentRepo(client)
	matches := redrepo.NewMatchRepo(client)
	fanout := &publishRecorder{}

	svc := NewService(Dependencies{
		Intents: intents,
		Matches: matches,
		Fanout:  fanout,
		Config: Config{
			MatchTTL:    10 * time.Minute,
			MatchWindow: 2 * time.Second,
		},
	})

	return fixture{svc: svc, intents: intents, matches: matches, fanout: fanout}
}

func proximityIntent(id, owner string, pressAt time.Time) redrepo.IntentRecord {
	now := time.Now()
	return redrepo.IntentRecord{
		ID:        id,
		OwnerID:   owner,
		Source:    enums.IntentSourceProximity,
		Category:  enums.SharingCategoryPersonal,
		PressAt:   pressAt,
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Second),
	}
}

func mustPut(t *testing.T, f fixture, rec redrepo.IntentRecord) {
	t.Helper()
	if err := f.intents.Put(context.Background(), rec); err != nil {
		t.Fatalf("put intent %s: %v", rec.ID, err)
	}
}

func TestTwoBumpsInsideWindowMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	press := time.Now()

	a := proximityIntent("i-a", "u-a", press)
	b := proximityIntent("i-b", "u-b", press.Add(300*time.Millisecond))
	mustPut(t, f, a)
	mustPut(t, f, b)

	outcome, err := f.svc.Evaluate(ctx, b)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Matched {
		t.Fatalf("expected a match")
	}
	if !outcome.Match.HasParty("u-a") || !outcome.Match.HasParty("u-b") {
		t.Fatalf("wrong parties: %+v", outcome.Match)
	}
	if outcome.Match.Token == "" {
		t.Fatalf("match token missing")
	}

	// Both intents must be consumed so neither side can pair again.
	for _, id := range []string{"i-a", "i-b"} {
		if _, err := f.intents.Get(ctx, id); !errors.Is(err, redrepo.ErrIntentNotFound) {
			t.Fatalf("intent %s survived matching: %v", id, err)
		}
	}

	if f.fanout.count() != 1 {
		t.Fatalf("expected one fanout publish, got %d", f.fanout.count())
	}

	stored, err := f.matches.Get(ctx, outcome.Match.ID)
	if err != nil {
		t.Fatalf("read back match: %v", err)
	}
	if stored.Token != outcome.Match.Token {
		t.Fatalf("stored token mismatch")
	}
}

func TestBumpOutsideWindowStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	press := time.Now()

	a := proximityIntent("i-a", "u-a", press)
	b := proximityIntent("i-b", "u-b", press.Add(2*time.Second+50*time.Millisecond))
	mustPut(t, f, a)
	mustPut(t, f, b)

	outcome, err := f.svc.Evaluate(ctx, b)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if outcome.Matched {
		t.Fatalf("matched across the window boundary: %+v", outcome.Match)
	}

	// Neither intent may be consumed by a non-match.
	for _, id := range []string{"i-a", "i-b"} {
		if _, err := f.intents.Get(ctx, id); err != nil {
			t.Fatalf("intent %s lost: %v", id, err)
		}
	}
}

func TestAmbiguousWindowStaysPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	press := time.Now()

	a := proximityIntent("i-a", "u-a", press)
	b := proximityIntent("i-b", "u-b", press.Add(100*time.Millisecond))
	c := proximityIntent("i-c", "u-c", press.Add(200*time.Millisecond))
	mustPut(t, f, a)
	mustPut(t, f, b)
	mustPut(t, f, c)

	outcome, err := f.svc.Evaluate(ctx, c)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if outcome.Matched {
		t.Fatalf("matched despite two plausible candidates: %+v", outcome.Match)
	}
	if f.fanout.count() != 0 {
		t.Fatalf("unexpected fanout publish")
	}

	for _, id := range []string{"i-a", "i-b", "i-c"} {
		if _, err := f.intents.Get(ctx, id); err != nil {
			t.Fatalf("intent %s lost: %v", id, err)
		}
	}
}

func TestRadioHintCutsThroughAmbiguity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	press := time.Now()

	a := proximityIntent("i-a", "u-a", press)
	b := proximityIntent("i-b", "u-b", press.Add(100*time.Millisecond))
	mustPut(t, f, a)
	mustPut(t, f, b)

	c := proximityIntent("i-c", "u-c", press.Add(200*time.Millisecond))
	c.RadioHint = "u-a"
	mustPut(t, f, c)

	outcome, err := f.svc.Evaluate(ctx, c)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Matched {
		t.Fatalf("radio hint ignored")
	}
	if !outcome.Match.HasParty("u-a") || !outcome.Match.HasParty("u-c") {
		t.Fatalf("hint matched wrong parties: %+v", outcome.Match)
	}

	// The bystander keeps waiting.
	if _, err := f.intents.Get(ctx, "i-b"); err != nil {
		t.Fatalf("bystander intent lost: %v", err)
	}
}

func TestReverseRadioHintMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	press := time.Now()

	// The earlier device saw the handshake; the later one did not.
	a := proximityIntent("i-a", "u-a", press)
	a.RadioHint = "u-c"
	b := proximityIntent("i-b", "u-b", press.Add(100*time.Millisecond))
	c := proximityIntent("i-c", "u-c", press.Add(200*time.Millisecond))
	mustPut(t, f, a)
	mustPut(t, f, b)
	mustPut(t, f, c)

	outcome, err := f.svc.Evaluate(ctx, c)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Matched {
		t.Fatalf("reverse hint ignored despite ambiguous window")
	}
	if !outcome.Match.HasParty("u-a") || !outcome.Match.HasParty("u-c") {
		t.Fatalf("reverse hint matched wrong parties: %+v", outcome.Match)
	}
}

func TestLinkIntentNeverWindowMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	press := time.Now()

	a := proximityIntent("i-a", "u-a", press)
	mustPut(t, f, a)

	link := redrepo.IntentRecord{
		ID:        "i-link",
		OwnerID:   "u-l",
		Source:    enums.IntentSourceLink,
		Category:  enums.SharingCategoryPersonal,
		PressAt:   press.Add(100 * time.Millisecond),
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
	mustPut(t, f, link)

	outcome, err := f.svc.Evaluate(ctx, link)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if outcome.Matched {
		t.Fatalf("link intent matched through the proximity path")
	}
}

func TestCategoriesDoNotCross(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	press := time.Now()

	a := proximityIntent("i-a", "u-a", press)
	b := proximityIntent("i-b", "u-b", press.Add(100*time.Millisecond))
	b.Category = enums.SharingCategoryWork
	mustPut(t, f, a)
	mustPut(t, f, b)

	outcome, err := f.svc.Evaluate(ctx, b)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if outcome.Matched {
		t.Fatalf("matched across sharing categories: %+v", outcome.Match)
	}
}

func TestLostClaimRaceDegradesToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	press := time.Now()

	a := proximityIntent("i-a", "u-a", press)
	b := proximityIntent("i-b", "u-b", press.Add(100*time.Millisecond))
	mustPut(t, f, a)
	mustPut(t, f, b)

	// Simulate a concurrent matcher having already claimed the candidate.
	if _, err := f.intents.Claim(ctx, "i-a"); err != nil {
		t.Fatalf("pre-claim: %v", err)
	}

	outcome, err := f.svc.Evaluate(ctx, b)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if outcome.Matched {
		t.Fatalf("matched against a claimed intent")
	}

	// The caller's own intent survives the lost race.
	if _, err := f.intents.Get(ctx, "i-b"); err != nil {
		t.Fatalf("own intent lost after race: %v", err)
	}
}

func TestConcurrentBumpsNeverDoubleMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()

	// Five handshake pairs, windows far apart so only the claim race is
	// in play, evaluated from both sides at once.
	const pairCount = 5
	recs := make([]redrepo.IntentRecord, 0, pairCount*2)
	for i := 0; i < pairCount; i++ {
		press := base.Add(time.Duration(i) * 10 * time.Second)
		a := proximityIntent(fmt.Sprintf("i-%d-a", i), fmt.Sprintf("u-%d-a", i), press)
		b := proximityIntent(fmt.Sprintf("i-%d-b", i), fmt.Sprintf("u-%d-b", i), press.Add(100*time.Millisecond))
		a.RadioHint = b.OwnerID
		b.RadioHint = a.OwnerID
		mustPut(t, f, a)
		mustPut(t, f, b)
		recs = append(recs, a, b)
	}

	outcomes := make([]Outcome, len(recs))
	errs := make([]error, len(recs))
	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = f.svc.Evaluate(ctx, recs[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("evaluate %s: %v", recs[i].ID, err)
		}
	}

	matches := map[string]redrepo.MatchRecord{}
	for _, outcome := range outcomes {
		if outcome.Matched {
			matches[outcome.Match.ID] = outcome.Match
		}
	}

	matchByOwner := map[string]string{}
	for id, match := range matches {
		for _, owner := range []string{match.UserAID, match.UserBID} {
			if prev, ok := matchByOwner[owner]; ok && prev != id {
				t.Fatalf("owner %s is a party to matches %s and %s", owner, prev, id)
			}
			matchByOwner[owner] = id
		}
	}

	// Every pair either formed its single match with both intents
	// consumed, or lost the mutual race cleanly with both restored.
	for i := 0; i < pairCount; i++ {
		ownerA := fmt.Sprintf("u-%d-a", i)
		ownerB := fmt.Sprintf("u-%d-b", i)
		intentIDs := []string{fmt.Sprintf("i-%d-a", i), fmt.Sprintf("i-%d-b", i)}

		matchID, matched := matchByOwner[ownerA]
		if matched {
			if matchByOwner[ownerB] != matchID {
				t.Fatalf("pair %d split across matches", i)
			}
			for _, intentID := range intentIDs {
				if _, err := f.intents.Get(ctx, intentID); !errors.Is(err, redrepo.ErrIntentNotFound) {
					t.Fatalf("intent %s survived its match: %v", intentID, err)
				}
			}
			continue
		}
		for _, intentID := range intentIDs {
			if _, err := f.intents.Get(ctx, intentID); err != nil {
				t.Fatalf("unmatched intent %s lost: %v", intentID, err)
			}
		}
	}

	if f.fanout.count() != len(matches) {
		t.Fatalf("publish count %d does not agree with match count %d", f.fanout.count(), len(matches))
	}
}

func TestFormMatchRejectsSelfPair(t *testing.T) {
	f := newFixture(t)

	self := PartyIntent{OwnerID: "u-a", Category: enums.SharingCategoryPersonal}
	if _, err := f.svc.FormMatch(context.Background(), self, self); err == nil {
		t.Fatalf("expected self-pair rejection")
	}
	if _, err := f.svc.FormMatch(context.Background(), PartyIntent{}, self); err == nil {
		t.Fatalf("expected empty-party rejection")
	}
}

func TestMatchRemembersEachPartysCategory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	press := time.Now()

	// The handshake pairs them even though they chose different facets.
	a := proximityIntent("i-a", "u-a", press)
	a.Category = enums.SharingCategoryWork
	c := proximityIntent("i-c", "u-c", press.Add(200*time.Millisecond))
	c.RadioHint = "u-a"
	mustPut(t, f, a)
	mustPut(t, f, c)

	outcome, err := f.svc.Evaluate(ctx, c)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !outcome.Matched {
		t.Fatalf("hint pair not matched")
	}

	stored, err := f.matches.Get(ctx, outcome.Match.ID)
	if err != nil {
		t.Fatalf("read back match: %v", err)
	}

	counterpartID, category, ok := stored.Counterpart("u-c")
	if !ok || counterpartID != "u-a" {
		t.Fatalf("counterpart lookup failed: %q %v", counterpartID, ok)
	}
	if category != enums.SharingCategoryWork {
		t.Fatalf("u-c should receive u-a's work facet, got %q", category)
	}

	_, category, ok = stored.Counterpart("u-a")
	if !ok || category != enums.SharingCategoryPersonal {
		t.Fatalf("u-a should receive u-c's personal facet, got %q %v", category, ok)
	}
}
