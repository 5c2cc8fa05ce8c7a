// Package naming produces human-memorable session IDs of the form
// adjective-noun-NNN and guarantees uniqueness through a caller-supplied
// existence probe.
package naming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
)

// ErrCollisionExhausted is returned when every generation attempt
// collided with an existing session ID.
var ErrCollisionExhausted = errors.New("session id attempts exhausted")

// ExistsProbe reports whether a candidate ID is already taken. The
// connect flow passes a probe that claims the ID with a conditional
// write, so the check and the claim are one atomic step.
type ExistsProbe func(ctx context.Context, id string) (bool, error)

// Generator picks uniformly from its word lists. The zero value is
// unusable; use NewGenerator.
type Generator struct {
	adjectives  []string
	nouns       []string
	blacklist   map[string]struct{}
	maxAttempts int
	baseDelay   time.Duration

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option adjusts a Generator.
type Option func(*Generator)

// WithWordLists replaces the embedded adjective and noun lists. Empty
// slices keep the defaults.
func WithWordLists(adjectives, nouns []string) Option {
	return func(g *Generator) {
		if len(adjectives) > 0 {
			g.adjectives = adjectives
		}
		if len(nouns) > 0 {
			g.nouns = nouns
		}
	}
}

// WithBlacklist adds words to the profanity blacklist.
func WithBlacklist(words []string) Option {
	return func(g *Generator) {
		for _, w := range words {
			g.blacklist[strings.ToLower(w)] = struct{}{}
		}
	}
}

// WithMaxAttempts overrides the collision retry budget.
func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// NewGenerator creates a generator with the embedded word lists and
// a 10-attempt collision budget.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		adjectives:  defaultAdjectives,
		nouns:       defaultNouns,
		blacklist:   make(map[string]struct{}, len(defaultBlacklist)),
		maxAttempts: 10,
		baseDelay:   100 * time.Millisecond,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, w := range defaultBlacklist {
		g.blacklist[w] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewSessionID generates a unique session ID. Candidates containing a
// blacklisted word are discarded before probing; probe collisions back
// off exponentially from the base delay. Probe errors propagate to the
// caller unchanged.
func (g *Generator) NewSessionID(ctx context.Context, exists ExistsProbe) (string, error) {
	collisions := 0
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		candidate := g.pick()
		if g.blacklisted(candidate) {
			slog.Debug("discarded blacklisted session id candidate", "attempt", attempt)
			continue
		}

		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("probing session id: %w", err)
		}
		if !taken {
			if collisions > 0 {
				slog.Info("session id generated after collisions",
					"attempt", attempt,
					"collisions", collisions,
				)
			}
			return candidate, nil
		}

		collisions++
		slog.Debug("session id collision",
			"attempt", attempt,
			"collisions", collisions,
		)
		if attempt < g.maxAttempts-1 {
			if err := g.sleep(ctx, g.backoff(collisions-1)); err != nil {
				return "", err
			}
		}
	}

	slog.Warn("session id generation exhausted", "attempts", g.maxAttempts, "collisions", collisions)
	return "", ErrCollisionExhausted
}

// pick assembles adjective-noun-NNN with the number in 100-999.
func (g *Generator) pick() string {
	adj := g.adjectives[rand.IntN(len(g.adjectives))]
	noun := g.nouns[rand.IntN(len(g.nouns))]
	n := 100 + rand.IntN(900)
	return fmt.Sprintf("%s-%s-%d", adj, noun, n)
}

// blacklisted checks each word and the combined form.
func (g *Generator) blacklisted(candidate string) bool {
	parts := strings.Split(candidate, "-")
	if len(parts) != 3 {
		return true
	}
	if _, ok := g.blacklist[parts[0]]; ok {
		return true
	}
	if _, ok := g.blacklist[parts[1]]; ok {
		return true
	}
	combined := parts[0] + parts[1]
	if _, ok := g.blacklist[combined]; ok {
		return true
	}
	if _, ok := g.blacklist[parts[0]+"-"+parts[1]]; ok {
		return true
	}
	return false
}

func (g *Generator) backoff(n int) time.Duration {
	const ceiling = 3200 * time.Millisecond
	d := g.baseDelay << uint(n)
	if d <= 0 || d > ceiling {
		d = ceiling
	}
	return time.Duration(rand.Int64N(int64(d)))
}
