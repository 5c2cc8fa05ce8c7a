// Package chaos soaks the session store with concurrent joins, leaves
// and terminations. Scenarios come from scenarios.yaml; the runner
// audits capacity, accounting and single-winner invariants after each
// workload quiesces.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"lingocast/internal/session"
)

// holdTime is how long a joiner keeps its slot before releasing it,
// long enough that concurrent holders actually overlap.
const holdTime = 50 * time.Microsecond

// endRacers is how many terminators race the flip per session in
// teardown scenarios.
const endRacers = 3

// Scenario describes one workload from scenarios.yaml.
type Scenario struct {
	Name         string `yaml:"name"`
	Category     string `yaml:"category"` // "churn", "capacity", "teardown", "admission"
	Sessions     int    `yaml:"sessions"`
	Joiners      int    `yaml:"joiners"`       // concurrent joiners per session
	ChurnRounds  int    `yaml:"churn_rounds"`  // join/leave cycles per joiner
	MaxListeners int64  `yaml:"max_listeners"` // capacity guard passed with each join
	EndMidway    bool   `yaml:"end_midway"`    // race terminal flips against the joiners
	RateLimit    int64  `yaml:"rate_limit"`    // admission only: fixed-window limit
	Description  string `yaml:"description"`
}

// ScenariosFile represents the structure of scenarios.yaml
type ScenariosFile struct {
	Version     string     `yaml:"version"`
	Description string     `yaml:"description"`
	Scenarios   []Scenario `yaml:"scenarios"`
}

// loadScenarios loads scenarios from the YAML file
func loadScenarios(t *testing.T) []Scenario {
	t.Helper()

	// Find scenarios.yaml relative to test file
	scenariosPath := filepath.Join("scenarios.yaml")
	if _, err := os.Stat(scenariosPath); os.IsNotExist(err) {
		// Try from project root
		scenariosPath = filepath.Join("test", "chaos", "scenarios.yaml")
	}

	data, err := os.ReadFile(scenariosPath)
	if err != nil {
		t.Fatalf("failed to read scenarios.yaml: %v", err)
	}

	var file ScenariosFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		t.Fatalf("failed to parse scenarios.yaml: %v", err)
	}

	return file.Scenarios
}

// newStore builds a fresh backend for one scenario run.
func newStore(t *testing.T, backend string) session.Store {
	t.Helper()

	switch backend {
	case "badger":
		store, err := session.NewBadgerStore(session.BadgerConfig{})
		if err != nil {
			t.Fatalf("opening badger store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
		return store
	default:
		store := session.NewMemoryStore()
		t.Cleanup(func() { store.Close() })
		return store
	}
}

// apply runs op until it returns nil or a contract error. Badger
// commits conditional writes optimistically, so contention surfaces as
// transient conflicts; the production store wrapper retries those and
// the runner does the same.
func apply(ctx context.Context, op func(context.Context) error) error {
	for {
		err := op(ctx)
		if err == nil || !session.IsTransient(err) {
			return err
		}
		runtime.Gosched()
	}
}

// runResults aggregates one workload run. The counter fields are
// updated concurrently by the workload goroutines.
type runResults struct {
	Admitted atomic.Int64 // joins that won a capacity slot
	Refused  atomic.Int64 // joins refused by the cap or an ended session
	Released atomic.Int64 // capacity slots returned
	Peak     atomic.Int64 // highest post-join listener count observed

	mu         sync.Mutex
	endWins    map[string]int
	violations []string
}

func newRunResults() *runResults {
	return &runResults{endWins: make(map[string]int)}
}

func (r *runResults) observePeak(count int64) {
	for {
		cur := r.Peak.Load()
		if count <= cur || r.Peak.CompareAndSwap(cur, count) {
			return
		}
	}
}

func (r *runResults) endWin(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endWins[sessionID]++
}

func (r *runResults) winsFor(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endWins[sessionID]
}

func (r *runResults) totalWins() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.endWins {
		total += n
	}
	return total
}

func (r *runResults) violate(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.violations = append(r.violations, fmt.Sprintf(format, args...))
}

func (r *runResults) allViolations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.violations))
	copy(out, r.violations)
	return out
}

// TestChaos_MemoryStore runs every scenario against the memory backend.
func TestChaos_MemoryStore(t *testing.T) {
	runAll(t, "memory")
}

// TestChaos_BadgerStore runs every scenario against the embedded Badger
// backend, whose conditional writes commit optimistically.
func TestChaos_BadgerStore(t *testing.T) {
	runAll(t, "badger")
}

// runAll executes all scenarios against one backend and reports.
func runAll(t *testing.T, backend string) {
	scenarios := loadScenarios(t)
	if len(scenarios) == 0 {
		t.Fatal("scenarios.yaml contains no scenarios")
	}

	for _, sc := range scenarios {
		t.Run(sc.Name, func(t *testing.T) {
			store := newStore(t, backend)
			res := runScenario(t, store, sc)
			reportResults(t, sc, res)
			for _, v := range res.allViolations() {
				t.Errorf("invariant violated: %s", v)
			}
		})
	}
}

// runScenario dispatches a scenario to its workload engine.
func runScenario(t *testing.T, store session.Store, sc Scenario) *runResults {
	t.Helper()

	if sc.Category == "admission" {
		return runAdmission(t, store, sc)
	}
	return runWorkload(t, store, sc)
}

// runWorkload seeds the scenario's sessions and races joiners (and, in
// teardown scenarios, terminators) against them until every goroutine
// finishes, then audits the quiesced store.
func runWorkload(t *testing.T, store session.Store, sc Scenario) *runResults {
	t.Helper()

	if sc.Sessions < 1 || sc.Joiners < 1 {
		t.Fatalf("scenario %s: sessions and joiners must be positive", sc.Name)
	}

	ctx := context.Background()
	res := newRunResults()
	now := time.Now()

	ids := make([]string, sc.Sessions)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%03d", sc.Name, i)
		sess := &session.Session{
			SessionID:           ids[i],
			SpeakerConnectionID: fmt.Sprintf("speaker-conn-%d", i),
			SpeakerUserID:       fmt.Sprintf("user-%d", i),
			SourceLanguage:      "en",
			QualityTier:         "standard",
			CreatedAt:           now.UnixMilli(),
			IsActive:            true,
			ExpiresAt:           now.Add(12 * time.Hour).UnixMilli(),
		}
		if err := store.PutSession(ctx, sess, true); err != nil {
			t.Fatalf("seeding session %s: %v", ids[i], err)
		}
	}

	rounds := sc.ChurnRounds
	if rounds < 1 {
		rounds = 1
	}

	var wg sync.WaitGroup
	for _, sid := range ids {
		for j := 0; j < sc.Joiners; j++ {
			wg.Add(1)
			go func(sid string) {
				defer wg.Done()
				for round := 0; round < rounds; round++ {
					joinThenLeave(ctx, store, sc, sid, res)
				}
			}(sid)
		}
	}

	if sc.EndMidway {
		for _, sid := range ids {
			for k := 0; k < endRacers; k++ {
				wg.Add(1)
				go func(sid string, k int) {
					defer wg.Done()
					// Staggered so the flips land mid-storm.
					time.Sleep(time.Duration(k+1) * time.Millisecond)
					endOnce(ctx, store, sid, res)
				}(sid, k)
			}
		}
	}

	wg.Wait()
	auditFinalState(ctx, store, sc, ids, res)
	return res
}

// joinThenLeave performs one admission cycle the way the websocket
// handler does: a guarded increment, a short hold, then an
// unconditional release.
func joinThenLeave(ctx context.Context, store session.Store, sc Scenario, sid string, res *runResults) {
	var post *session.Session
	err := apply(ctx, func(ctx context.Context) error {
		s, err := store.UpdateSession(ctx, sid, session.SessionPatch{
			AddListeners: 1,
			Condition:    session.Condition{ActiveOnly: true, MaxListeners: sc.MaxListeners},
		})
		post = s
		return err
	})
	switch {
	case errors.Is(err, session.ErrConditionFailed):
		res.Refused.Add(1)
		return
	case errors.Is(err, session.ErrNotFound):
		res.violate("join against %s: session vanished", sid)
		return
	case err != nil:
		res.violate("join against %s: %v", sid, err)
		return
	}

	res.Admitted.Add(1)
	if post.ListenerCount < 1 {
		res.violate("join against %s returned count %d", sid, post.ListenerCount)
	}
	if sc.MaxListeners > 0 && post.ListenerCount > sc.MaxListeners {
		res.violate("join against %s exceeded cap: %d > %d", sid, post.ListenerCount, sc.MaxListeners)
	}
	res.observePeak(post.ListenerCount)

	time.Sleep(holdTime)

	var count int64
	err = apply(ctx, func(ctx context.Context) error {
		n, err := store.AddListeners(ctx, sid, -1)
		count = n
		return err
	})
	if err != nil {
		res.violate("release against %s: %v", sid, err)
		return
	}
	res.Released.Add(1)
	if count < 0 {
		res.violate("release against %s returned negative count %d", sid, count)
	}
}

// endOnce races the terminal flip the way the disconnect cascade does.
// Losing the race is the expected outcome for all but one terminator.
func endOnce(ctx context.Context, store session.Store, sid string, res *runResults) {
	err := apply(ctx, func(ctx context.Context) error {
		_, err := store.UpdateSession(ctx, sid, session.SessionPatch{
			SetInactive: true,
			Condition:   session.Condition{ActiveOnly: true},
		})
		return err
	})
	switch {
	case err == nil:
		res.endWin(sid)
	case errors.Is(err, session.ErrConditionFailed):
		// Lost the race.
	default:
		res.violate("terminal flip against %s: %v", sid, err)
	}
	if err := store.SignalSessionEnd(ctx, sid); err != nil {
		res.violate("end signal for %s: %v", sid, err)
	}
}

// auditFinalState checks the quiesced store: every count returned to
// zero, nothing was absorbed past the cap, and midway terminations
// stuck with exactly one winner.
func auditFinalState(ctx context.Context, store session.Store, sc Scenario, ids []string, res *runResults) {
	for _, sid := range ids {
		sess, err := store.GetSession(ctx, sid)
		if err != nil {
			res.violate("final read of %s: %v", sid, err)
			continue
		}
		if sess == nil {
			res.violate("final read of %s: session vanished", sid)
			continue
		}
		if sess.ListenerCount != 0 {
			res.violate("%s quiesced with listener count %d, want 0", sid, sess.ListenerCount)
		}
		if sc.EndMidway {
			if sess.IsActive {
				res.violate("%s still active after the termination race", sid)
			}
			if wins := res.winsFor(sid); wins != 1 {
				res.violate("%s terminal flip won %d times, want exactly 1", sid, wins)
			}
		} else if !sess.IsActive {
			res.violate("%s went inactive with no terminator in the run", sid)
		}
	}
}

// runAdmission hammers one fixed-window counter and checks that the
// admitted total matches the limit exactly. The window is far longer
// than the run, so no reset can occur mid-flight.
func runAdmission(t *testing.T, store session.Store, sc Scenario) *runResults {
	t.Helper()

	if sc.Joiners < 1 || sc.RateLimit < 1 {
		t.Fatalf("scenario %s: joiners and rate_limit must be positive", sc.Name)
	}

	ctx := context.Background()
	res := newRunResults()
	identifier := "createSession:" + sc.Name

	rounds := sc.ChurnRounds
	if rounds < 1 {
		rounds = 1
	}

	var wg sync.WaitGroup
	for j := 0; j < sc.Joiners; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < rounds; round++ {
				var allowed bool
				var retryAfter time.Duration
				err := apply(ctx, func(ctx context.Context) error {
					ok, ra, err := store.RateLimitCheck(ctx, identifier, sc.RateLimit, time.Minute)
					allowed, retryAfter = ok, ra
					return err
				})
				if err != nil {
					res.violate("rate limit check: %v", err)
					continue
				}
				if allowed {
					res.Admitted.Add(1)
					continue
				}
				res.Refused.Add(1)
				if retryAfter <= 0 {
					res.violate("denied check carried no retry hint")
				}
			}
		}()
	}
	wg.Wait()

	attempts := int64(sc.Joiners * rounds)
	want := min(sc.RateLimit, attempts)
	if got := res.Admitted.Load(); got != want {
		res.violate("window admitted %d of %d attempts, want %d", got, attempts, want)
	}
	return res
}

// reportResults logs the workload summary for one scenario run.
func reportResults(t *testing.T, sc Scenario, res *runResults) {
	t.Helper()

	t.Logf("=== %s (%s) ===", sc.Name, sc.Category)
	t.Logf("admitted: %d, refused: %d, released: %d",
		res.Admitted.Load(), res.Refused.Load(), res.Released.Load())
	if sc.Category != "admission" {
		t.Logf("peak concurrent listeners: %d (cap %d)", res.Peak.Load(), sc.MaxListeners)
	}
	if sc.EndMidway {
		t.Logf("terminal flips won: %d across %d sessions", res.totalWins(), sc.Sessions)
	}
}

// seedSession stores an active session for a focused race test.
func seedSession(t *testing.T, store session.Store, id string) {
	t.Helper()

	now := time.Now()
	err := store.PutSession(context.Background(), &session.Session{
		SessionID:           id,
		SpeakerConnectionID: "speaker-conn-1",
		SpeakerUserID:       "user-42",
		SourceLanguage:      "en",
		QualityTier:         "standard",
		CreatedAt:           now.UnixMilli(),
		IsActive:            true,
		ExpiresAt:           now.Add(12 * time.Hour).UnixMilli(),
	}, true)
	if err != nil {
		t.Fatalf("seeding session: %v", err)
	}
}

// TestChaos_JoinStormHonorsCap releases a simultaneous burst of joins
// against a small cap and checks the exact split: the cap admits, the
// rest are refused, nothing lands past the cap.
func TestChaos_JoinStormHonorsCap(t *testing.T) {
	const joiners = 40
	const capacity = 10

	store := newStore(t, "memory")
	ctx := context.Background()
	seedSession(t, store, "storm-test-001")

	start := make(chan struct{})
	var admitted, refused atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := apply(ctx, func(ctx context.Context) error {
				_, err := store.UpdateSession(ctx, "storm-test-001", session.SessionPatch{
					AddListeners: 1,
					Condition:    session.Condition{ActiveOnly: true, MaxListeners: capacity},
				})
				return err
			})
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, session.ErrConditionFailed):
				refused.Add(1)
			default:
				t.Errorf("join failed: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := admitted.Load(); got != capacity {
		t.Errorf("expected %d admitted joins, got %d", capacity, got)
	}
	if got := refused.Load(); got != joiners-capacity {
		t.Errorf("expected %d refused joins, got %d", joiners-capacity, got)
	}
	sess, err := store.GetSession(ctx, "storm-test-001")
	if err != nil || sess == nil {
		t.Fatalf("reading session back: %v", err)
	}
	if sess.ListenerCount != capacity {
		t.Errorf("expected listener count %d, got %d", capacity, sess.ListenerCount)
	}
}

// TestChaos_TerminalFlipSingleWinner races the guarded inactive flip
// from many goroutines; exactly one may observe the active session.
func TestChaos_TerminalFlipSingleWinner(t *testing.T) {
	for _, backend := range []string{"memory", "badger"} {
		t.Run(backend, func(t *testing.T) {
			const racers = 16

			store := newStore(t, backend)
			ctx := context.Background()
			seedSession(t, store, "flip-test-001")

			start := make(chan struct{})
			var wins atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					err := apply(ctx, func(ctx context.Context) error {
						_, err := store.UpdateSession(ctx, "flip-test-001", session.SessionPatch{
							SetInactive: true,
							Condition:   session.Condition{ActiveOnly: true},
						})
						return err
					})
					if err == nil {
						wins.Add(1)
					} else if !errors.Is(err, session.ErrConditionFailed) {
						t.Errorf("terminal flip failed: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			if got := wins.Load(); got != 1 {
				t.Errorf("expected exactly 1 terminal flip winner, got %d", got)
			}
			sess, err := store.GetSession(ctx, "flip-test-001")
			if err != nil || sess == nil {
				t.Fatalf("reading session back: %v", err)
			}
			if sess.IsActive {
				t.Error("expected session inactive after the race")
			}
		})
	}
}

// TestChaos_ReleaseStormFloorsAtZero fires more releases than there are
// held slots; the count must floor at zero, never go negative.
func TestChaos_ReleaseStormFloorsAtZero(t *testing.T) {
	const held = 5
	const releases = 20

	store := newStore(t, "memory")
	ctx := context.Background()
	seedSession(t, store, "floor-test-001")
	if _, err := store.AddListeners(ctx, "floor-test-001", held); err != nil {
		t.Fatalf("priming listener count: %v", err)
	}

	start := make(chan struct{})
	var negatives atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < releases; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			var count int64
			err := apply(ctx, func(ctx context.Context) error {
				n, err := store.AddListeners(ctx, "floor-test-001", -1)
				count = n
				return err
			})
			if err != nil {
				t.Errorf("release failed: %v", err)
				return
			}
			if count < 0 {
				negatives.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if n := negatives.Load(); n != 0 {
		t.Errorf("expected no negative counts, observed %d", n)
	}
	sess, err := store.GetSession(ctx, "floor-test-001")
	if err != nil || sess == nil {
		t.Fatalf("reading session back: %v", err)
	}
	if sess.ListenerCount != 0 {
		t.Errorf("expected listener count 0, got %d", sess.ListenerCount)
	}
}
