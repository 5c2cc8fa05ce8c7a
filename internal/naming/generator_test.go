package naming

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"
)

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9]*-[a-z][a-z0-9]*-[1-9]\d{2}$`)

func neverTaken(ctx context.Context, id string) (bool, error) {
	return false, nil
}

func noSleep(g *Generator) {
	g.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
}

func TestNewSessionIDShape(t *testing.T) {
	g := NewGenerator()
	noSleep(g)

	for i := 0; i < 100; i++ {
		id, err := g.NewSessionID(context.Background(), neverTaken)
		if err != nil {
			t.Fatalf("generation failed: %v", err)
		}
		if !idPattern.MatchString(id) {
			t.Errorf("expected canonical shape, got %q", id)
		}
		if len(id) > 48 {
			t.Errorf("expected id length <= 48, got %d for %q", len(id), id)
		}
	}
}

func TestNewSessionIDRetriesCollisions(t *testing.T) {
	g := NewGenerator()
	noSleep(g)

	probes := 0
	probe := func(ctx context.Context, id string) (bool, error) {
		probes++
		return probes <= 3, nil
	}

	id, err := g.NewSessionID(context.Background(), probe)
	if err != nil {
		t.Fatalf("expected success after collisions, got %v", err)
	}
	if id == "" {
		t.Error("expected non-empty id")
	}
	if probes != 4 {
		t.Errorf("expected 4 probes, got %d", probes)
	}
}

func TestNewSessionIDCollisionExhausted(t *testing.T) {
	g := NewGenerator(WithMaxAttempts(3))
	noSleep(g)

	probes := 0
	alwaysTaken := func(ctx context.Context, id string) (bool, error) {
		probes++
		return true, nil
	}

	_, err := g.NewSessionID(context.Background(), alwaysTaken)
	if !errors.Is(err, ErrCollisionExhausted) {
		t.Fatalf("expected ErrCollisionExhausted, got %v", err)
	}
	if probes != 3 {
		t.Errorf("expected 3 probes, got %d", probes)
	}
}

func TestNewSessionIDProbeErrorPropagates(t *testing.T) {
	g := NewGenerator()
	noSleep(g)

	wantErr := errors.New("store down")
	probe := func(ctx context.Context, id string) (bool, error) {
		return false, wantErr
	}

	_, err := g.NewSessionID(context.Background(), probe)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected probe error to propagate, got %v", err)
	}
}

func TestNewSessionIDSkipsBlacklistedWords(t *testing.T) {
	g := NewGenerator(
		WithWordLists([]string{"grim", "merry"}, []string{"lark"}),
		WithBlacklist([]string{"grim"}),
		WithMaxAttempts(50),
	)
	noSleep(g)

	for i := 0; i < 20; i++ {
		id, err := g.NewSessionID(context.Background(), neverTaken)
		if err != nil {
			t.Fatalf("generation failed: %v", err)
		}
		if id[:4] == "grim" {
			t.Fatalf("expected blacklisted adjective never used, got %q", id)
		}
	}
}

func TestNewSessionIDSkipsBlacklistedCombination(t *testing.T) {
	g := NewGenerator(
		WithWordLists([]string{"odd"}, []string{"duck"}),
		WithBlacklist([]string{"oddduck"}),
		WithMaxAttempts(5),
	)
	noSleep(g)

	// The only possible combination is blacklisted, so every attempt
	// is discarded and the budget runs out.
	_, err := g.NewSessionID(context.Background(), neverTaken)
	if !errors.Is(err, ErrCollisionExhausted) {
		t.Fatalf("expected ErrCollisionExhausted, got %v", err)
	}
}

func TestDefaultWordListsAreCanonical(t *testing.T) {
	wordShape := regexp.MustCompile(`^[a-z][a-z0-9]*$`)
	for _, w := range defaultAdjectives {
		if !wordShape.MatchString(w) {
			t.Errorf("adjective %q is not canonical", w)
		}
	}
	for _, w := range defaultNouns {
		if !wordShape.MatchString(w) {
			t.Errorf("noun %q is not canonical", w)
		}
	}
}
