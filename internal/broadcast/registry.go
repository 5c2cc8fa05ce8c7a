// Package broadcast tracks the transports attached to this instance
// and fans lifecycle frames out to them with bounded parallelism.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrGone means the connection is unknown to this instance or its peer
// already closed. Callers never retry it; fan-out counts it as
// success-equivalent.
var ErrGone = errors.New("connection gone")

// Transport is the write side of an attached peer connection. A write
// against a closed peer returns an error wrapping ErrGone.
type Transport interface {
	Write(ctx context.Context, payload []byte) error
}

type entry struct {
	transport Transport

	// mu serializes writes so the serve loop and fan-outs never
	// interleave frames.
	mu sync.Mutex

	// endDelivered guards the sessionEnded frame: between the
	// disconnect cascade and the connection's own end-signal watcher,
	// exactly one delivers it.
	endDelivered atomic.Bool
}

// Registry maps connection IDs to attached transports. Connections are
// registered at admission and unregistered when their transport closes.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	sendTimeout time.Duration
}

// NewRegistry creates a registry. sendTimeout caps each write; zero
// selects the 5s default.
func NewRegistry(sendTimeout time.Duration) *Registry {
	if sendTimeout <= 0 {
		sendTimeout = 5 * time.Second
	}
	return &Registry{
		entries:     make(map[string]*entry),
		sendTimeout: sendTimeout,
	}
}

// Register attaches a transport under its connection ID.
func (r *Registry) Register(connectionID string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[connectionID] = &entry{transport: t}
}

// Unregister detaches a connection. Unknown IDs are a no-op.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, connectionID)
}

// Len reports how many transports are attached.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) lookup(connectionID string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connectionID]
	return e, ok
}

// Send writes a payload to one connection, serialized against other
// writers and capped by the send timeout. Unknown or closed peers
// return ErrGone and are dropped from the registry.
func (r *Registry) Send(ctx context.Context, connectionID string, payload []byte) error {
	e, ok := r.lookup(connectionID)
	if !ok {
		return ErrGone
	}
	return r.write(ctx, connectionID, e, payload)
}

// SendEndOnce delivers the sessionEnded payload at most once per
// connection. The winner of the CAS sends; later callers get
// (false, nil).
func (r *Registry) SendEndOnce(ctx context.Context, connectionID string, payload []byte) (bool, error) {
	e, ok := r.lookup(connectionID)
	if !ok {
		return false, ErrGone
	}
	if !e.endDelivered.CompareAndSwap(false, true) {
		return false, nil
	}
	if err := r.write(ctx, connectionID, e, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Registry) write(ctx context.Context, connectionID string, e *entry, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	e.mu.Lock()
	err := e.transport.Write(ctx, payload)
	e.mu.Unlock()

	if err == nil {
		return nil
	}
	if errors.Is(err, ErrGone) {
		r.Unregister(connectionID)
		return ErrGone
	}
	return fmt.Errorf("writing to %s: %w", connectionID, err)
}

// Summary partitions a fan-out's input IDs: every ID lands in exactly
// one bucket.
type Summary struct {
	// Sent counts deliveries, including connections that had already
	// received their end frame.
	Sent int

	// Gone counts connections unknown here or already closed.
	Gone int

	// Failed lists connection IDs whose send errored.
	Failed []string
}

// Broadcast fans the end payload out to the given connections with at
// most maxParallel concurrent sends. Per-send failures are logged and
// collected, never fatal to the batch.
func (r *Registry) Broadcast(ctx context.Context, ids []string, payload []byte, maxParallel int) Summary {
	if maxParallel <= 0 {
		maxParallel = 32
	}

	var mu sync.Mutex
	var summary Summary

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := r.SendEndOnce(ctx, id, payload)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				summary.Sent++
			case errors.Is(err, ErrGone):
				summary.Gone++
			default:
				slog.Warn("broadcast send failed", "connection_id", id, "error", err)
				summary.Failed = append(summary.Failed, id)
			}
			return nil
		})
	}

	g.Wait()
	return summary
}
