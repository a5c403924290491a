package redisstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/linkhub-dev/linkhub/internal/oauth"
)

func openTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func testState(t *testing.T, now time.Time) oauth.State {
	t.Helper()
	state, err := oauth.NewState("user-1", "google", []string{"openid"}, "https://app.example/done", true, now, 10*time.Minute)
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	return state
}

func TestStateRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	state := testState(t, time.Now())
	if err := store.PutState(ctx, state); err != nil {
		t.Fatalf("put state: %v", err)
	}

	got, err := store.ConsumeState(ctx, state.Token)
	if err != nil {
		t.Fatalf("consume state: %v", err)
	}
	if got.UserID != state.UserID || got.Provider != state.Provider {
		t.Fatalf("unexpected state: %+v", got)
	}
	if got.CodeVerifier != state.CodeVerifier {
		t.Fatal("code verifier must survive the round trip")
	}
}

func TestConsumeStateIsSingleUse(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	state := testState(t, time.Now())
	if err := store.PutState(ctx, state); err != nil {
		t.Fatalf("put state: %v", err)
	}

	if _, err := store.ConsumeState(ctx, state.Token); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if _, err := store.ConsumeState(ctx, state.Token); !errors.Is(err, oauth.ErrStateNotFound) {
		t.Fatalf("expected state not found on replay, got %v", err)
	}
}

func TestConsumeStateConcurrent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	state := testState(t, time.Now())
	if err := store.PutState(ctx, state); err != nil {
		t.Fatalf("put state: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.ConsumeState(ctx, state.Token); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestStateExpiresWithTTL(t *testing.T) {
	store, mr := openTestStore(t)
	ctx := context.Background()

	state := testState(t, time.Now())
	if err := store.PutState(ctx, state); err != nil {
		t.Fatalf("put state: %v", err)
	}

	mr.FastForward(11 * time.Minute)

	if _, err := store.ConsumeState(ctx, state.Token); !errors.Is(err, oauth.ErrStateNotFound) {
		t.Fatalf("expected expired state to be gone, got %v", err)
	}
}

func TestPutStateRejectsExpired(t *testing.T) {
	store, _ := openTestStore(t)

	state := testState(t, time.Now().Add(-time.Hour))
	if err := store.PutState(context.Background(), state); err == nil {
		t.Fatal("expected an error for an already expired state")
	}
}
