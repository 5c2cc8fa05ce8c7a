package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Source answers whether the downstream translation subsystem handles
// a (source, target) language pair.
type Source interface {
	Supported(ctx context.Context, source, target string) (bool, error)
}

// StaticSource answers from a configured pair matrix.
type StaticSource struct {
	pairs map[string]struct{}
}

// NewStaticSource builds a source from a source-language to
// target-languages matrix.
func NewStaticSource(matrix map[string][]string) *StaticSource {
	pairs := make(map[string]struct{})
	for src, targets := range matrix {
		for _, tgt := range targets {
			pairs[src+":"+tgt] = struct{}{}
		}
	}
	return &StaticSource{pairs: pairs}
}

func (s *StaticSource) Supported(ctx context.Context, source, target string) (bool, error) {
	_, ok := s.pairs[source+":"+target]
	return ok, nil
}

// HTTPSource asks the translation subsystem's capability endpoint.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSource builds a source querying GET
// {endpoint}?source=xx&target=yy. The optional client overrides the
// transport, used by tests.
func NewHTTPSource(endpoint string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPSource{endpoint: endpoint, client: client}
}

func (s *HTTPSource) Supported(ctx context.Context, source, target string) (bool, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return false, fmt.Errorf("parsing language endpoint: %w", err)
	}
	q := u.Query()
	q.Set("source", source)
	q.Set("target", target)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("building language request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("querying language support: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("querying language support: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Supported bool `json:"supported"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("decoding language response: %w", err)
	}
	return body.Supported, nil
}

type languageEntry struct {
	supported bool
	fetched   time.Time
}

// LanguageSupport caches pair lookups. Lookups share a single in-flight
// fetch per pair and are bounded by the configured budget; a budget
// overrun or source failure is an error, and admission rejects the
// pair conservatively.
type LanguageSupport struct {
	source Source
	ttl    time.Duration
	budget time.Duration

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]languageEntry
}

// NewLanguageSupport wraps a source with caching. TTL defaults to ten
// minutes, the lookup budget to 500ms.
func NewLanguageSupport(source Source, ttl, budget time.Duration) *LanguageSupport {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if budget <= 0 {
		budget = 500 * time.Millisecond
	}
	return &LanguageSupport{
		source: source,
		ttl:    ttl,
		budget: budget,
		cache:  make(map[string]languageEntry),
	}
}

// Supported reports whether the pair is handled. Both outcomes are
// cached.
func (ls *LanguageSupport) Supported(ctx context.Context, source, target string) (bool, error) {
	key := source + ":" + target

	ls.mu.RLock()
	e, ok := ls.cache[key]
	ls.mu.RUnlock()
	if ok && time.Since(e.fetched) < ls.ttl {
		return e.supported, nil
	}

	ctx, cancel := context.WithTimeout(ctx, ls.budget)
	defer cancel()

	// The fetch runs on its own budget so an early-abandoning caller
	// doesn't poison the shared flight.
	ch := ls.group.DoChan(key, func() (interface{}, error) {
		fctx, fcancel := context.WithTimeout(context.Background(), ls.budget)
		defer fcancel()

		supported, err := ls.source.Supported(fctx, source, target)
		if err != nil {
			return nil, err
		}
		ls.mu.Lock()
		ls.cache[key] = languageEntry{supported: supported, fetched: time.Now()}
		ls.mu.Unlock()
		return supported, nil
	})

	select {
	case <-ctx.Done():
		return false, fmt.Errorf("language support lookup: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}
