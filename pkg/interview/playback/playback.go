// Package playback binds remote audio tracks to playback elements and drives
// autoplay-restricted playback with a bounded retry loop.
package playback

import (
	"context"
	"strconv"
)

// Element is a playback element a remote track renders into.
type Element interface {
	// Play starts playback. It fails when playback is blocked, for example by
	// an autoplay policy.
	Play(ctx context.Context) error
	Pause()
	// Close detaches the element and releases it.
	Close() error
}

// Track is a remote audio track.
type Track interface {
	// SID is the track's server identifier; it may be empty.
	SID() string
	Attach(el Element) error
}

// ElementOptions configures a new playback element.
type ElementOptions struct {
	Autoplay  bool
	Streaming bool
	Inline    bool
	Hidden    bool
	Volume    float64
}

// DefaultElementOptions are the options every bound track's element uses.
func DefaultElementOptions() ElementOptions {
	return ElementOptions{
		Autoplay:  true,
		Streaming: true,
		Inline:    true,
		Hidden:    true,
		Volume:    1.0,
	}
}

// Observer receives playback state changes for a bound track.
type Observer interface {
	Playing(trackID string)
	Ended(trackID string)
	Paused(trackID string)
	Failed(trackID string, err error)
}

// Mount creates playback elements wired to an observer.
type Mount interface {
	CreateElement(trackID string, opts ElementOptions, obs Observer) (Element, error)
}

// TrackID returns the binding key for the track at index: its SID, or a
// positional fallback when it has none.
func TrackID(t Track, index int) string {
	if t != nil {
		if sid := t.SID(); sid != "" {
			return sid
		}
	}
	return "track-" + strconv.Itoa(index)
}
