// Package syncer reconciles the local view of a board or thread with the
// server every time the connection enters synced.
package syncer

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/threadline/errs"
	"github.com/coachpo/threadline/internal/compose"
	"github.com/coachpo/threadline/internal/connection"
	"github.com/coachpo/threadline/internal/infra/telemetry"
	"github.com/coachpo/threadline/internal/posts"
	"github.com/coachpo/threadline/internal/protocol"
	"github.com/coachpo/threadline/internal/ui"
	"github.com/coachpo/threadline/lib/async"
)

// ReclaimWindow is how long after allocation a halted post may be reclaimed.
// Older posts are abandoned without asking the server.
const ReclaimWindow = 15 * time.Minute

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReclaimTimeout   = 5 * time.Second
	defaultFetchTimeout     = 10 * time.Second
	defaultFetchConcurrency = 8
)

// Connection is the request side of the connection machine.
type Connection interface {
	State() connection.State
	Feed(event connection.Event)
	Request(ctx context.Context, typ protocol.MessageType, payload any, reply protocol.MessageType) ([]byte, error)
}

// Composer is the post-composition machine.
type Composer interface {
	State() compose.State
	Record() (compose.Record, bool)
	Feed(event compose.Event, args ...any)
}

// Fetcher retrieves individual posts.
type Fetcher interface {
	FetchPost(ctx context.Context, id uint64) (protocol.Post, error)
}

// View identifies what the client displays. A zero Thread is a board index;
// a positive LastN truncates a thread to its latest replies.
type View struct {
	Board  string
	Thread uint64
	LastN  int
}

// Truncated reports whether only the latest replies of a thread are displayed.
func (v View) Truncated() bool {
	return v.Thread != 0 && v.LastN > 0
}

// Options configures a Syncer.
type Options struct {
	Loop             *async.Loop
	Conn             Connection
	Composer         Composer
	Posts            *posts.Store
	Fetcher          Fetcher
	Alerter          ui.Alerter
	View             View
	HandshakeTimeout time.Duration
	ReclaimTimeout   time.Duration
	FetchTimeout     time.Duration
	FetchConcurrency int
	Now              func() time.Time
	Logger           *log.Logger
	Metrics          *telemetry.Metrics
}

// Syncer runs the reconciliation protocol. Run, Cancel, Resync and SetView
// must be called on the event loop.
type Syncer struct {
	opts Options

	view   View
	run    uint64
	cancel context.CancelFunc

	// settled counts completed runs, for callers waiting on the first one.
	settled atomic.Uint64
}

// New creates a Syncer.
func New(opts Options) *Syncer {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ReclaimTimeout <= 0 {
		opts.ReclaimTimeout = defaultReclaimTimeout
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = defaultFetchConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Syncer{opts: opts, view: opts.View}
}

// View returns the current view.
func (s *Syncer) View() View { return s.view }

// SetView changes the view without reconciling.
func (s *Syncer) SetView(view View) { s.view = view }

// Settled returns the number of runs that fed sync into the composer.
func (s *Syncer) Settled() uint64 { return s.settled.Load() }

// Resync switches to view and reconciles again when the connection is synced.
func (s *Syncer) Resync(view View) {
	s.view = view
	if s.opts.Conn.State() == connection.StateSynced {
		s.Run()
	}
}

// Cancel abandons the in-flight run. Its late results are discarded and it
// never feeds sync.
func (s *Syncer) Cancel() {
	s.run++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Run starts a reconciliation. Any earlier run is cancelled.
func (s *Syncer) Run() {
	s.Cancel()
	id := s.run
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	view := s.view
	minID := s.minID(view)
	reclaim, reclaimNeeded := s.reclaimTarget()
	started := s.opts.Now()

	go s.execute(ctx, id, view, minID, reclaim, reclaimNeeded, started)
}

// minID is the lowest post id the view cares about.
func (s *Syncer) minID(view View) uint64 {
	if !view.Truncated() {
		return 0
	}
	if id, ok := s.opts.Posts.MinReplyID(view.Thread); ok {
		return id
	}
	return view.Thread
}

// reclaimTarget decides the fate of a halted post. Expired posts are
// abandoned right away without a request.
func (s *Syncer) reclaimTarget() (compose.Record, bool) {
	if s.opts.Composer.State() != compose.StateHalted {
		return compose.Record{}, false
	}
	rec, ok := s.opts.Composer.Record()
	if !ok {
		return compose.Record{}, false
	}
	if s.opts.Now().Sub(rec.AllocatedAt) >= ReclaimWindow {
		s.opts.Logger.Printf("syncer: post %d allocated %s ago, abandoning", rec.ID, s.opts.Now().Sub(rec.AllocatedAt).Round(time.Second))
		s.opts.Metrics.RecordReclaim(telemetry.ResultExpired)
		s.opts.Composer.Feed(compose.EventAbandon)
		return compose.Record{}, false
	}
	return rec, true
}

func (s *Syncer) execute(ctx context.Context, id uint64, view View, minID uint64, rec compose.Record, reclaim bool, started time.Time) {
	if reclaim {
		event := s.reclaim(ctx, rec)
		if ctx.Err() != nil {
			return
		}
		s.post(id, func() { s.opts.Composer.Feed(event) })
	}

	data, err := s.handshake(ctx, view)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.opts.Metrics.RecordSync(view.Board, time.Since(started), telemetry.ResultError)
		s.post(id, func() { s.handshakeFailed(err) })
		return
	}

	s.fetchMissing(ctx, data.Recent, minID)
	if ctx.Err() != nil {
		return
	}

	s.post(id, func() {
		s.apply(data, minID)
		s.opts.Metrics.RecordSync(view.Board, time.Since(started), telemetry.ResultSuccess)
		s.settled.Add(1)
		s.opts.Composer.Feed(compose.EventSync)
	})
}

func (s *Syncer) reclaim(ctx context.Context, rec compose.Record) compose.Event {
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.ReclaimTimeout)
	defer cancel()

	payload, err := s.opts.Conn.Request(reqCtx, protocol.MessageReclaim,
		protocol.ReclaimRequest{ID: rec.ID, Password: rec.Password}, protocol.MessageReclaim)
	if err != nil {
		result := telemetry.ResultError
		if errs.Is(err, errs.CodeTimeout) || errors.Is(err, context.DeadlineExceeded) {
			result = telemetry.ResultTimeout
		}
		s.opts.Logger.Printf("syncer: reclaim post %d: %v", rec.ID, err)
		s.opts.Metrics.RecordReclaim(result)
		return compose.EventAbandon
	}
	var code int
	if err := protocol.Unmarshal(protocol.MessageReclaim, payload, &code); err != nil || code != protocol.ReclaimAccepted {
		s.opts.Logger.Printf("syncer: reclaim post %d rejected (code %d)", rec.ID, code)
		s.opts.Metrics.RecordReclaim(telemetry.ResultRejected)
		return compose.EventAbandon
	}
	s.opts.Metrics.RecordReclaim(telemetry.ResultSuccess)
	return compose.EventReclaim
}

func (s *Syncer) handshake(ctx context.Context, view View) (protocol.SyncData, error) {
	var data protocol.SyncData
	reqCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	payload, err := s.opts.Conn.Request(reqCtx, protocol.MessageSynchronise,
		protocol.SyncRequest{Board: view.Board, Thread: view.Thread}, protocol.MessageSynchronise)
	if err != nil {
		return data, err
	}
	if err := protocol.Unmarshal(protocol.MessageSynchronise, payload, &data); err != nil {
		return data, err
	}
	return data, nil
}

// fetchMissing loads every recent id at or above minID that is not held
// locally. Individual failures are logged and skipped.
func (s *Syncer) fetchMissing(ctx context.Context, recent []uint64, minID uint64) {
	p := pool.New().WithMaxGoroutines(s.opts.FetchConcurrency)
	for _, id := range missing(s.opts.Posts, recent, minID) {
		p.Go(func() {
			fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
			defer cancel()
			post, err := s.opts.Fetcher.FetchPost(fetchCtx, id)
			if err != nil {
				s.opts.Logger.Printf("syncer: fetch post %d: %v", id, err)
				s.opts.Metrics.RecordFetch(telemetry.ResultError)
				return
			}
			s.opts.Posts.Insert(post)
			s.opts.Metrics.RecordFetch(telemetry.ResultSuccess)
		})
	}
	p.Wait()
}

func missing(store *posts.Store, recent []uint64, minID uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(recent))
	out := make([]uint64, 0, len(recent))
	for _, id := range recent {
		if id < minID || store.Has(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// apply repairs the local view from the snapshot.
func (s *Syncer) apply(data protocol.SyncData, minID uint64) {
	store := s.opts.Posts
	for _, id := range data.Deleted {
		store.MarkDeleted(id)
	}
	for _, id := range data.Banned {
		store.MarkBanned(id)
	}
	for _, id := range data.DeletedImage {
		store.RemoveImage(id)
	}
	for _, post := range store.Open() {
		if post.ID < minID {
			continue
		}
		open, ok := data.Open[post.ID]
		if !ok {
			store.Close(post.ID)
			continue
		}
		if open.Body != post.Body {
			store.SetBody(post.ID, open.Body)
		}
		if !open.HasImage && post.Image != nil {
			store.RemoveImage(post.ID)
		}
	}
}

func (s *Syncer) handshakeFailed(err error) {
	s.opts.Logger.Printf("syncer: handshake: %v", err)
	if s.opts.Alerter != nil {
		s.opts.Alerter.Alert(err)
	}
	if errs.Is(err, errs.CodeProtocol) {
		s.opts.Conn.Feed(connection.EventError)
		return
	}
	s.opts.Conn.Feed(connection.EventDisconnect)
}

// post runs fn on the loop if run id is still current.
func (s *Syncer) post(id uint64, fn func()) {
	_ = s.opts.Loop.Post(func() {
		if id != s.run {
			return
		}
		fn()
	})
}
