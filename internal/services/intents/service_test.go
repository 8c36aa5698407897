package intents

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	redrepo "github.com/ivankudzin/bumplink/backend/internal/repo/redis"
	"github.com/ivankudzin/bumplink/backend/internal/services/rate"
	"github.com/ivankudzin/bumplink/backend/internal/services/rendezvous"
)

type storeStub struct {
	records []redrepo.IntentRecord
	err     error
}

func (s *storeStub) Put(_ context.Context, rec redrepo.IntentRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

type matcherStub struct {
	outcome rendezvous.Outcome
	err     error
	calls   int
}

func (m *matcherStub) Evaluate(context.Context, redrepo.IntentRecord) (rendezvous.Outcome, error) {
	m.calls++
	return m.outcome, m.err
}

type linkIssuerStub struct {
	token    string
	err      error
	intentID string
	ttl      time.Duration
}

func (l *linkIssuerStub) IssueLinkToken(_ context.Context, intentID string, ttl time.Duration) (string, error) {
	l.intentID = intentID
	l.ttl = ttl
	return l.token, l.err
}

type limiterStub struct {
	err    error
	owners []string
}

func (l *limiterStub) Allow(_ context.Context, _ rate.Bucket, ownerID string) error {
	l.owners = append(l.owners, ownerID)
	return l.err
}

func TestSubmitRejectsUnknownSourceAndCategory(t *testing.T) {
	svc := NewService(Dependencies{Store: &storeStub{}})

	_, err := svc.Submit(context.Background(), SubmitInput{OwnerID: "u-1", Source: "osmosis", Category: "personal"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for source, got %v", err)
	}

	_, err = svc.Submit(context.Background(), SubmitInput{OwnerID: "u-1", Source: "proximity", Category: "secret"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for category, got %v", err)
	}
}

func TestSubmitRejectsAnonymousProximity(t *testing.T) {
	svc := NewService(Dependencies{Store: &storeStub{}})

	_, err := svc.Submit(context.Background(), SubmitInput{Source: "proximity", Category: "personal"})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitMintsAnonymousOwnerForLink(t *testing.T) {
	store := &storeStub{}
	links := &linkIssuerStub{token: "share-token"}
	svc := NewService(Dependencies{Store: store, Links: links})

	result, err := svc.Submit(context.Background(), SubmitInput{Source: "link", Category: "work"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.HasPrefix(result.OwnerID, "anon:") {
		t.Fatalf("expected minted anonymous owner, got %q", result.OwnerID)
	}
	if result.LinkToken != "share-token" {
		t.Fatalf("link token lost: %+v", result)
	}
	if links.intentID != result.IntentID {
		t.Fatalf("link token bound to wrong intent: %q != %q", links.intentID, result.IntentID)
	}
}

func TestSubmitAppliesSourceTTL(t *testing.T) {
	store := &storeStub{}
	svc := NewService(Dependencies{
		Store: store,
		Links: &linkIssuerStub{token: "tok"},
		Config: Config{
			ProximityTTL: 30 * time.Second,
			LinkTTL:      15 * time.Minute,
		},
	})
	base := time.Now()
	svc.now = func() time.Time { return base }

	if _, err := svc.Submit(context.Background(), SubmitInput{OwnerID: "u-1", Source: "proximity", Category: "personal"}); err != nil {
		t.Fatalf("proximity submit: %v", err)
	}
	if _, err := svc.Submit(context.Background(), SubmitInput{OwnerID: "u-2", Source: "link", Category: "personal"}); err != nil {
		t.Fatalf("link submit: %v", err)
	}

	if got := store.records[0].ExpiresAt; !got.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("proximity ttl wrong: %v", got)
	}
	if got := store.records[1].ExpiresAt; !got.Equal(base.Add(15 * time.Minute)) {
		t.Fatalf("link ttl wrong: %v", got)
	}
}

func TestSubmitPropagatesRateLimit(t *testing.T) {
	limiter := &limiterStub{err: &rate.LimitExceededError{Bucket: rate.BucketIntent, RetryAfterSec: 12}}
	store := &storeStub{}
	svc := NewService(Dependencies{Store: store, Limiter: limiter})

	_, err := svc.Submit(context.Background(), SubmitInput{OwnerID: "u-1", Source: "proximity", Category: "personal"})
	limited, ok := rate.IsLimitExceeded(err)
	if !ok {
		t.Fatalf("expected limit error, got %v", err)
	}
	if limited.RetryAfterSec != 12 {
		t.Fatalf("retry-after lost: %+v", limited)
	}
	if len(store.records) != 0 {
		t.Fatalf("intent stored despite limit")
	}
}

type countingLimiter struct {
	perKey map[string]int
	max    int
}

func (l *countingLimiter) Allow(_ context.Context, _ rate.Bucket, key string) error {
	if l.perKey == nil {
		l.perKey = map[string]int{}
	}
	l.perKey[key]++
	if l.perKey[key] > l.max {
		return &rate.LimitExceededError{Bucket: rate.BucketIntent, RetryAfterSec: 30}
	}
	return nil
}

func TestAnonymousSubmissionsShareOneBucketPerAddress(t *testing.T) {
	limiter := &countingLimiter{max: 1}
	svc := NewService(Dependencies{
		Store:   &storeStub{},
		Links:   &linkIssuerStub{token: "tok"},
		Limiter: limiter,
	})

	input := SubmitInput{Source: "link", Category: "work", ClientIP: "198.51.100.4"}
	if _, err := svc.Submit(context.Background(), input); err != nil {
		t.Fatalf("first anonymous submit: %v", err)
	}

	// The second submission mints a different owner id but comes from the
	// same address, so it must land in the same exhausted bucket.
	_, err := svc.Submit(context.Background(), input)
	if _, ok := rate.IsLimitExceeded(err); !ok {
		t.Fatalf("repeat anonymous submit from the same address not limited: %v", err)
	}

	for key := range limiter.perKey {
		if strings.HasPrefix(key, "anon:") {
			t.Fatalf("limiter keyed on a disposable owner id: %q", key)
		}
	}
}

func TestSubmitSurfacesImmediateMatch(t *testing.T) {
	matcher := &matcherStub{outcome: rendezvous.Outcome{
		Matched: true,
		Match:   redrepo.MatchRecord{ID: "m-1", Token: "tok-1"},
	}}
	svc := NewService(Dependencies{Store: &storeStub{}, Matcher: matcher})

	result, err := svc.Submit(context.Background(), SubmitInput{OwnerID: "u-1", Source: "proximity", Category: "personal"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !result.Matched || result.MatchID != "m-1" || result.MatchToken != "tok-1" {
		t.Fatalf("match outcome lost: %+v", result)
	}
	if matcher.calls != 1 {
		t.Fatalf("matcher called %d times", matcher.calls)
	}
}

func TestSubmitSurvivesMatcherFailure(t *testing.T) {
	matcher := &matcherStub{err: errors.New("redis timeout")}
	store := &storeStub{}
	svc := NewService(Dependencies{Store: store, Matcher: matcher})

	result, err := svc.Submit(context.Background(), SubmitInput{OwnerID: "u-1", Source: "proximity", Category: "personal"})
	if err != nil {
		t.Fatalf("submit should tolerate matcher failure: %v", err)
	}
	if result.Matched {
		t.Fatalf("phantom match: %+v", result)
	}
	if len(store.records) != 1 {
		t.Fatalf("intent not stored")
	}
}

func TestSubmitRejectsExcessivePressSkew(t *testing.T) {
	svc := NewService(Dependencies{Store: &storeStub{}, Config: Config{MaxPressSkew: 10 * time.Second}})

	_, err := svc.Submit(context.Background(), SubmitInput{
		OwnerID:  "u-1",
		Source:   "proximity",
		Category: "personal",
		PressAt:  time.Now().Add(-time.Minute),
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSubmitRejectsSelfRadioHint(t *testing.T) {
	svc := NewService(Dependencies{Store: &storeStub{}})

	_, err := svc.Submit(context.Background(), SubmitInput{
		OwnerID:   "u-1",
		Source:    "proximity",
		Category:  "personal",
		RadioHint: "u-1",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
