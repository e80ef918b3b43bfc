package mutate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sheetguard"
	"sheetguard/internal/sheet/lock"
	"sheetguard/internal/sheet/store"
)

var reactionCols = []string{"LIKE", "LOVE", "IDEA"}

func newTestToggler(sheet *store.Flaky) *Toggler {
	locker := lock.NewLocker(lock.NewMemoryStore(nil), lock.Options{
		MarkerTTL:    5 * time.Millisecond,
		WaitBudget:   200 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	breakers := sheetguard.NewBreakerSet(sheetguard.BreakerSetOptions{FailureThreshold: 50, OpenFor: time.Minute})
	exec := sheetguard.NewExecutor(breakers, sheetguard.ExecutorOptions{
		Backoff:          sheetguard.Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Jitter: func() float64 { return 1 }},
		RateLimitBackoff: sheetguard.Backoff{Base: 2 * time.Millisecond, Max: 10 * time.Millisecond, Jitter: func() float64 { return 1 }},
		Logf:             func(string, ...interface{}) {},
	})
	return NewToggler(sheet, locker, exec, Options{
		ReactionColumns: reactionCols,
		HighlightColumn: "HIGHLIGHT",
		LockTTL:         time.Second,
	})
}

func newTestSheet() *store.Flaky {
	sheet := store.NewFlaky(append(store.Header{"NOTE", "HIGHLIGHT"}, reactionCols...))
	sheet.Seed(2, map[string]string{"NOTE": "hello"})
	return sheet
}

func TestToggleAddsThenRemoves(t *testing.T) {
	sheet := newTestSheet()
	tg := newTestToggler(sheet)
	ctx := context.Background()

	res, err := tg.ToggleReaction(ctx, "doc", 2, "LIKE", "alice")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if res.Action != ActionAdded {
		t.Fatalf("expected added, got %v", res.Action)
	}
	if !contains(res.Members["LIKE"], "alice") {
		t.Fatalf("alice missing from LIKE: %v", res.Members)
	}

	res, err = tg.ToggleReaction(ctx, "doc", 2, "LIKE", "alice")
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if res.Action != ActionRemoved {
		t.Fatalf("expected removed, got %v", res.Action)
	}
	for _, col := range reactionCols {
		if contains(res.Members[col], "alice") {
			t.Fatalf("alice still present in %s after removal", col)
		}
	}
}

func TestToggleSwitchingTypeMovesActor(t *testing.T) {
	sheet := newTestSheet()
	sheet.Seed(2, map[string]string{"LIKE": "alice,bob", "LOVE": "carol"})
	tg := newTestToggler(sheet)
	ctx := context.Background()

	res, err := tg.ToggleReaction(ctx, "doc", 2, "LOVE", "alice")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if res.Action != ActionAdded {
		t.Fatalf("expected added, got %v", res.Action)
	}
	// At most one reaction type per actor per row.
	if contains(res.Members["LIKE"], "alice") {
		t.Fatal("alice still in LIKE after switching to LOVE")
	}
	if !contains(res.Members["LOVE"], "alice") || !contains(res.Members["LOVE"], "carol") {
		t.Fatalf("LOVE membership wrong: %v", res.Members["LOVE"])
	}
	if !contains(res.Members["LIKE"], "bob") {
		t.Fatal("bystander bob lost from LIKE")
	}
}

func TestToggleUnknownTypeIsClientError(t *testing.T) {
	tg := newTestToggler(newTestSheet())
	_, err := tg.ToggleReaction(context.Background(), "doc", 2, "WAT", "alice")
	if sheetguard.DefaultClassifier(err) != sheetguard.KindClient {
		t.Fatalf("expected client error, got %v", err)
	}
}

func TestToggleDegradedHeaderIsSoftFailure(t *testing.T) {
	sheet := newTestSheet()
	sheet.SetDegraded(true)
	tg := newTestToggler(sheet)

	_, err := tg.ToggleReaction(context.Background(), "doc", 2, "LIKE", "alice")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	// The lock must have been released even on this path.
	sheet.SetDegraded(false)
	if _, err := tg.ToggleReaction(context.Background(), "doc", 2, "LIKE", "alice"); err != nil {
		t.Fatalf("lock leaked by degraded path: %v", err)
	}
}

func TestToggleBusyWhileRowLocked(t *testing.T) {
	sheet := newTestSheet()
	locker := lock.NewLocker(lock.NewMemoryStore(nil), lock.Options{
		MarkerTTL:    time.Minute,
		WaitBudget:   10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	})
	breakers := sheetguard.NewBreakerSet(sheetguard.BreakerSetOptions{})
	exec := sheetguard.NewExecutor(breakers, sheetguard.ExecutorOptions{Logf: func(string, ...interface{}) {}})
	tg := NewToggler(sheet, locker, exec, Options{ReactionColumns: reactionCols, LockTTL: time.Minute})

	ctx := context.Background()
	held, err := locker.Acquire(ctx, lock.ReactionKey("doc", 2), time.Minute)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer held.Release(ctx)

	if _, err := tg.ToggleReaction(ctx, "doc", 2, "LIKE", "alice"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestToggleSurvivesRateLimitedStore(t *testing.T) {
	sheet := newTestSheet()
	sheet.RateLimitEvery = 3 // every third remote call hits quota
	tg := newTestToggler(sheet)

	res, err := tg.ToggleReaction(context.Background(), "doc", 2, "LIKE", "alice")
	if err != nil {
		t.Fatalf("toggle under rate limiting: %v", err)
	}
	if res.Action != ActionAdded {
		t.Fatalf("expected added, got %v", res.Action)
	}
}

func TestConcurrentTogglesNoLostUpdates(t *testing.T) {
	sheet := newTestSheet()
	tg := newTestToggler(sheet)
	ctx := context.Background()

	const actors = 10
	var wg sync.WaitGroup
	for i := 0; i < actors; i++ {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			for {
				_, err := tg.ToggleReaction(ctx, "doc", 2, "LIKE", actor)
				if err == nil {
					return
				}
				if !errors.Is(err, ErrBusy) {
					t.Errorf("toggle %s: %v", actor, err)
					return
				}
				time.Sleep(2 * time.Millisecond)
			}
		}(fmt.Sprintf("actor-%02d", i))
	}
	wg.Wait()

	row, err := sheet.ReadRow(ctx, "doc", 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	members := parseMembers(row.Cells["LIKE"])
	if len(members) != actors {
		t.Fatalf("lost or duplicated updates: %d members (%v)", len(members), members)
	}
	seen := make(map[string]bool)
	for _, m := range members {
		if seen[m] {
			t.Fatalf("duplicate member %s", m)
		}
		seen[m] = true
	}
}

func TestToggleHighlight(t *testing.T) {
	sheet := newTestSheet()
	tg := newTestToggler(sheet)
	ctx := context.Background()

	res, err := tg.ToggleHighlight(ctx, "doc", 2)
	if err != nil {
		t.Fatalf("highlight: %v", err)
	}
	if res.Action != ActionAdded || !res.Highlighted {
		t.Fatalf("expected highlighted, got %+v", res)
	}
	res, err = tg.ToggleHighlight(ctx, "doc", 2)
	if err != nil {
		t.Fatalf("second highlight: %v", err)
	}
	if res.Action != ActionRemoved || res.Highlighted {
		t.Fatalf("expected un-highlighted, got %+v", res)
	}
}

func TestMembersCodec(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b ,, b , c ", []string{"a", "b", "c"}}, // hand-edited cell
	}
	for _, c := range cases {
		got := parseMembers(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("parse(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("parse(%q) = %v, want %v", c.in, got, c.want)
			}
		}
	}
	if got := formatMembers([]string{"a", "b"}); got != "a,b" {
		t.Fatalf("format = %q", got)
	}
}
