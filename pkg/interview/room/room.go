// Package room is a WebSocket media room: it joins a session's room with the
// participant token, reports connection state, remote tracks, the local
// microphone track, and data-channel messages as media events, and relays
// server-side transcripts to a Recognizer.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/voice-interview/pkg/interview/media"
	"github.com/vango-go/voice-interview/pkg/interview/playback"
	"github.com/vango-go/voice-interview/pkg/interview/token"
	"github.com/vango-go/voice-interview/pkg/interview/types"
)

const (
	defaultConnectTimeout = 15 * time.Second
	eventBuffer           = 64
)

// ErrNotConnected is returned when sending on a room that is not joined.
var ErrNotConnected = errors.New("media room is not connected")

// Option configures a Room.
type Option func(*Room)

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(r *Room) {
		if d != nil {
			r.dialer = d
		}
	}
}

// WithLogger sets the logger. A nil logger keeps slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Room) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecognizer relays the room's transcript frames to rec.
func WithRecognizer(rec *Recognizer) Option {
	return func(r *Room) { r.rec = rec }
}

// WithIdentity sets the identity sent on join. It defaults to the token's
// subject.
func WithIdentity(identity string) Option {
	return func(r *Room) { r.identity = strings.TrimSpace(identity) }
}

// WithConnectTimeout bounds the dial and join handshake.
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Room) {
		if d > 0 {
			r.connectTimeout = d
		}
	}
}

// WithNow sets the clock the participant token's expiry is checked against.
func WithNow(now func() time.Time) Option {
	return func(r *Room) {
		if now != nil {
			r.now = now
		}
	}
}

// Room is a media room joined over a websocket.
type Room struct {
	session        *types.Session
	dialer         *websocket.Dialer
	logger         *slog.Logger
	rec            *Recognizer
	identity       string
	connectTimeout time.Duration
	now            func() time.Time

	connMu    sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected atomic.Bool
	left      atomic.Bool
	done      chan struct{}

	emitMu       sync.Mutex
	events       chan media.Event
	eventsClosed bool

	tracksMu sync.Mutex
	tracks   map[string]*Track
	local    *LocalTrack

	closeOnce sync.Once
}

// New prepares the room for session. It does not dial; see Connect.
func New(session *types.Session, opts ...Option) (*Room, error) {
	if session == nil {
		return nil, types.ErrNoSession
	}
	if strings.TrimSpace(session.WebSocketURL) == "" {
		return nil, errors.New("room: session has no media WebSocket URL")
	}
	r := &Room{
		session:        session,
		dialer:         websocket.DefaultDialer,
		logger:         slog.Default(),
		connectTimeout: defaultConnectTimeout,
		now:            time.Now,
		events:         make(chan media.Event, eventBuffer),
		tracks:         make(map[string]*Track),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dialer == nil {
		r.dialer = &websocket.Dialer{}
	}
	return r, nil
}

// Factory returns a media.RoomFactory building rooms with opts.
func Factory(opts ...Option) media.RoomFactory {
	return func(session *types.Session) (media.Room, error) {
		return New(session, opts...)
	}
}

// Events delivers status, track, local track and data events.
func (r *Room) Events() <-chan media.Event { return r.events }

// Connect dials the room, joins with the participant token, and waits for the
// server to confirm the join.
func (r *Room) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.connected.Load() {
		return nil
	}

	identity := r.identity
	claims, err := token.Check(r.session.ParticipantToken, r.session.RoomName, r.now())
	switch {
	case errors.Is(err, token.ErrMalformed):
		r.logger.Debug("participant token is opaque, skipping claim checks", "room", r.session.RoomName)
	case err != nil:
		return fmt.Errorf("participant token: %w", err)
	case identity == "":
		identity = claims.Identity()
	}

	r.emit(media.StatusEvent{State: media.RoomConnecting})

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
	}

	wsURL := r.session.WebSocketURL
	conn, resp, err := r.dialer.DialContext(dialCtx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		r.emit(media.StatusEvent{State: media.RoomIdle, Err: err})
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	if err := r.join(dialCtx, conn, identity); err != nil {
		_ = conn.Close()
		r.emit(media.StatusEvent{State: media.RoomIdle, Err: err})
		return err
	}

	r.connMu.Lock()
	if r.left.Load() {
		r.connMu.Unlock()
		_ = conn.Close()
		return errors.New("room: disconnected while connecting")
	}
	r.conn = conn
	r.done = make(chan struct{})
	r.connected.Store(true)
	r.connMu.Unlock()

	r.logger.Info("media room joined", "room", r.session.RoomName, "identity", identity)
	r.emit(media.StatusEvent{State: media.RoomConnected})
	go r.readLoop(conn, r.done)
	return nil
}

func (r *Room) join(ctx context.Context, conn *websocket.Conn, identity string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(r.connectTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(joinFrame{
		Type:      frameJoin,
		Token:     r.session.ParticipantToken,
		Identity:  identity,
		RequestID: uuid.NewString(),
	}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	// Frames ahead of the join confirmation are applied as usual.
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await join: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		f, err := decodeServerFrame(data)
		if err != nil {
			return err
		}
		if msg := f.errorText(); msg != "" {
			return fmt.Errorf("join rejected: %s", msg)
		}
		if f.Type == frameState {
			if media.RoomState(f.State) == media.RoomConnected {
				return nil
			}
			continue
		}
		r.apply(f)
	}
}

func (r *Room) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer r.closeEvents()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			r.connected.Store(false)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || r.left.Load() {
				r.emit(media.StatusEvent{State: media.RoomIdle})
				return
			}
			r.logger.Warn("media room connection lost", "room", r.session.RoomName, "error", err)
			r.emit(media.StatusEvent{State: media.RoomIdle, Err: err})
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		f, err := decodeServerFrame(data)
		if err != nil {
			r.logger.Warn("dropping malformed room frame", "error", err)
			continue
		}
		r.apply(f)
	}
}

// apply turns one server frame into media events.
func (r *Room) apply(f serverFrame) {
	switch f.Type {
	case frameState, frameError:
		ev := media.StatusEvent{State: media.RoomState(f.State)}
		if msg := f.errorText(); msg != "" {
			ev.Err = errors.New(msg)
		}
		if ev.State == "" {
			ev.State = media.RoomConnected
		}
		r.emit(ev)
	case frameTrackPublished:
		if r.setTrack(f.SID, true) {
			r.emit(media.TracksEvent{Tracks: r.Tracks()})
		}
	case frameTrackUnpublished:
		if r.setTrack(f.SID, false) {
			r.emit(media.TracksEvent{Tracks: r.Tracks()})
		}
	case frameTrackAudio:
		r.tracksMu.Lock()
		t := r.tracks[f.SID]
		r.tracksMu.Unlock()
		if t != nil {
			t.setSpeaking(f.State == "start")
		}
	case frameData:
		if f.Payload != nil {
			r.emit(media.DataEvent{Message: *f.Payload})
		}
	case frameTranscript:
		if r.rec != nil {
			r.rec.feed(f.Text)
		}
	case frameLocalAudio:
		r.applyLocalAudio(f)
	default:
		r.logger.Debug("ignoring room frame", "type", f.Type)
	}
}

func (r *Room) setTrack(sid string, published bool) bool {
	sid = strings.TrimSpace(sid)
	if sid == "" {
		return false
	}
	r.tracksMu.Lock()
	defer r.tracksMu.Unlock()
	_, ok := r.tracks[sid]
	switch {
	case published && !ok:
		r.tracks[sid] = newTrack(sid)
		return true
	case !published && ok:
		delete(r.tracks, sid)
		return true
	}
	return false
}

// Tracks returns the published remote tracks ordered by SID.
func (r *Room) Tracks() []playback.Track {
	r.tracksMu.Lock()
	defer r.tracksMu.Unlock()
	sids := make([]string, 0, len(r.tracks))
	for sid := range r.tracks {
		sids = append(sids, sid)
	}
	sort.Strings(sids)
	out := make([]playback.Track, 0, len(sids))
	for _, sid := range sids {
		out = append(out, r.tracks[sid])
	}
	return out
}

func (r *Room) applyLocalAudio(f serverFrame) {
	r.tracksMu.Lock()
	local := r.local
	var changed bool
	switch {
	case f.Published != nil && *f.Published && local == nil:
		local = &LocalTrack{}
		r.local = local
		changed = true
	case f.Published != nil && !*f.Published && local != nil:
		local = nil
		r.local = nil
		changed = true
	}
	if local != nil && f.Level != nil {
		local.setLevel(*f.Level)
	}
	r.tracksMu.Unlock()

	if !changed {
		return
	}
	if local == nil {
		r.emit(media.LocalTrackEvent{})
		return
	}
	r.emit(media.LocalTrackEvent{Track: local})
}

// StartLocalAudio publishes the microphone.
func (r *Room) StartLocalAudio(ctx context.Context) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return r.send(localAudioFrame{Type: frameLocalAudio, Enabled: true})
}

// StopLocalAudio unpublishes the microphone.
func (r *Room) StopLocalAudio() error {
	return r.send(localAudioFrame{Type: frameLocalAudio, Enabled: false})
}

func (r *Room) send(v any) error {
	if !r.connected.Load() {
		return ErrNotConnected
	}
	r.connMu.Lock()
	conn := r.conn
	r.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// Disconnect leaves the room and closes the events channel. It is safe to
// call more than once and before Connect.
func (r *Room) Disconnect() error {
	var err error
	r.closeOnce.Do(func() {
		r.left.Store(true)
		r.connMu.Lock()
		conn, done := r.conn, r.done
		r.connMu.Unlock()

		if conn == nil {
			r.closeEvents()
			return
		}
		if r.connected.Load() {
			err = r.send(leaveFrame{Type: frameLeave})
		}
		r.connected.Store(false)
		r.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		r.writeMu.Unlock()
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		<-done
	})
	return err
}

func (r *Room) emit(ev media.Event) {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.eventsClosed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.logger.Warn("media event dropped, consumer is not keeping up", "event", fmt.Sprintf("%T", ev))
	}
}

func (r *Room) closeEvents() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if r.eventsClosed {
		return
	}
	r.eventsClosed = true
	close(r.events)
}
