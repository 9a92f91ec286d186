package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Binder converges the set of bound playback elements to the live set of
// remote tracks. It holds at most one element per track ID.
type Binder struct {
	mount   Mount
	retrier *Retrier
	obs     Observer
	opts    ElementOptions
	logger  *slog.Logger

	mu       sync.Mutex
	bindings map[string]Element
	closed   bool
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithBinderLogger sets the logger.
func WithBinderLogger(l *slog.Logger) BinderOption {
	return func(b *Binder) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithElementOptions sets the options every element is created with.
func WithElementOptions(opts ElementOptions) BinderOption {
	return func(b *Binder) { b.opts = opts }
}

// NewBinder returns a Binder that creates elements on mount and reports their
// playback to obs.
func NewBinder(mount Mount, retrier *Retrier, obs Observer, opts ...BinderOption) *Binder {
	b := &Binder{
		mount:    mount,
		retrier:  retrier,
		obs:      obs,
		opts:     DefaultElementOptions(),
		logger:   slog.Default(),
		bindings: make(map[string]Element),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ReconcileResult lists the track IDs bound and unbound by one pass.
type ReconcileResult struct {
	Bound   []string
	Unbound []string
	Failed  []string
}

// Reconcile binds tracks that have no element yet and tears down elements
// whose track is gone. A track that fails to attach is logged and left
// unbound; the remaining tracks are still processed.
func (b *Binder) Reconcile(tracks []Track) ReconcileResult {
	var res ReconcileResult
	if b == nil {
		return res
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return res
	}

	present := make(map[string]struct{}, len(tracks))
	for i, track := range tracks {
		if track == nil {
			continue
		}
		id := TrackID(track, i)
		present[id] = struct{}{}
		if _, ok := b.bindings[id]; ok {
			continue
		}
		el, err := b.bind(id, track)
		if err != nil {
			b.logger.Error("attach remote track failed", "track_id", id, "error", err)
			res.Failed = append(res.Failed, id)
			continue
		}
		b.bindings[id] = el
		res.Bound = append(res.Bound, id)
		b.retrier.Play(id, el)
	}

	for id, el := range b.bindings {
		if _, ok := present[id]; ok {
			continue
		}
		b.release(id, el)
		delete(b.bindings, id)
		res.Unbound = append(res.Unbound, id)
	}
	sort.Strings(res.Unbound)
	return res
}

func (b *Binder) bind(id string, track Track) (Element, error) {
	el, err := b.mount.CreateElement(id, b.opts, b.obs)
	if err != nil {
		return nil, fmt.Errorf("create element: %w", err)
	}
	if err := track.Attach(el); err != nil {
		_ = el.Close()
		return nil, fmt.Errorf("attach: %w", err)
	}
	return el, nil
}

func (b *Binder) release(id string, el Element) error {
	b.retrier.Cancel(id)
	el.Pause()
	if err := el.Close(); err != nil {
		b.logger.Warn("release playback element failed", "track_id", id, "error", err)
		return fmt.Errorf("release %s: %w", id, err)
	}
	return nil
}

// ReplayAll re-issues playback on every bound element, for use after the user
// has interacted with the page. Failures are logged and aggregated.
func (b *Binder) ReplayAll(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	els := make(map[string]Element, len(b.bindings))
	for id, el := range b.bindings {
		els[id] = el
	}
	b.mu.Unlock()

	var result *multierror.Error
	for id, el := range els {
		if err := el.Play(ctx); err != nil {
			b.logger.Error("enable audio failed", "track_id", id, "error", err)
			result = multierror.Append(result, fmt.Errorf("play %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

// Bound returns the bound track IDs in sorted order.
func (b *Binder) Bound() []string {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.bindings))
	for id := range b.bindings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Binder) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bindings)
}

// Close stops all bound playback, cancels pending retries, and rejects later
// reconciliation.
func (b *Binder) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.retrier.Stop()

	var result *multierror.Error
	for id, el := range b.bindings {
		if err := b.release(id, el); err != nil {
			result = multierror.Append(result, err)
		}
		delete(b.bindings, id)
	}
	return result.ErrorOrNil()
}
