// Package client wires the connection machine, the composition machine, the
// reconciliation protocol and the message handlers into one session.
package client

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/coachpo/threadline/internal/api"
	"github.com/coachpo/threadline/internal/compose"
	"github.com/coachpo/threadline/internal/connection"
	"github.com/coachpo/threadline/internal/dispatcher"
	"github.com/coachpo/threadline/internal/infra/config"
	"github.com/coachpo/threadline/internal/infra/telemetry"
	"github.com/coachpo/threadline/internal/posts"
	"github.com/coachpo/threadline/internal/syncer"
	"github.com/coachpo/threadline/internal/transport"
	"github.com/coachpo/threadline/internal/ui"
	"github.com/coachpo/threadline/lib/async"
)

const loopQueueSize = 1024

// Options configures a Session. Unset collaborators are built from Config.
type Options struct {
	Config  config.ClientConfig
	Dialer  connection.Dialer
	API     *api.Client
	Surface ui.Surface
	Mine    *posts.Mine
	Logger  *log.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

// Session is the context object handed to every subscriber: it owns both
// machines and the collaborators they share.
type Session struct {
	Loop     *async.Loop
	Table    *dispatcher.Table
	Conn     *connection.Manager
	Composer *compose.Machine
	Syncer   *syncer.Syncer
	Posts    *posts.Store
	Mine     *posts.Mine
	API      *api.Client

	surface ui.Surface
	logger  *log.Logger
	metrics *telemetry.Metrics
}

// New builds a session. Nothing touches the network until Start.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	surface := opts.Surface
	if surface == nil {
		surface = ui.NewLogSurface(logger)
	}

	mine := opts.Mine
	if mine == nil {
		var err error
		mine, err = posts.NewMine(cfg.Storage.MinePath)
		if err != nil {
			return nil, fmt.Errorf("load mine set: %w", err)
		}
	}

	apiClient := opts.API
	if apiClient == nil {
		apiClient = api.New(api.Options{
			BaseURL:           cfg.Server.APIURL,
			UserAgent:         cfg.Server.UserAgent,
			Timeout:           cfg.API.RequestTimeout,
			RequestsPerSecond: cfg.API.RequestsPerSecond,
			Burst:             cfg.API.Burst,
		})
	}

	dialer := opts.Dialer
	if dialer == nil {
		ws := transport.NewDialer(transport.Options{
			URL:          cfg.Server.WebsocketURL,
			UserAgent:    cfg.Server.UserAgent,
			ReadLimit:    cfg.Server.ReadLimitBytes,
			PingInterval: cfg.Server.PingInterval,
			DialTimeout:  cfg.Server.DialTimeout,
		})
		dialer = connection.DialFunc(func(ctx context.Context) (connection.Link, error) {
			sock, err := ws.Dial(ctx)
			if err != nil {
				return nil, err
			}
			return sock, nil
		})
	}

	s := &Session{
		Loop:    async.NewLoop(loopQueueSize),
		Table:   dispatcher.NewTable(),
		Posts:   posts.NewStore(),
		Mine:    mine,
		API:     apiClient,
		surface: surface,
		logger:  logger,
		metrics: opts.Metrics,
	}

	s.Conn = connection.NewManager(connection.Options{
		Dialer: dialer,
		Loop:   s.Loop,
		Table:  s.Table,
		Backoff: connection.BackoffConfig{
			InitialInterval: cfg.Reconnect.InitialInterval,
			MaxInterval:     cfg.Reconnect.MaxInterval,
			Multiplier:      cfg.Reconnect.Multiplier,
		},
		Status:  surface,
		Logger:  logger,
		Metrics: opts.Metrics,
	})

	s.Composer = compose.New(compose.Options{
		Loop:           s.Loop,
		Conn:           s.Conn,
		API:            apiClient,
		Form:           surface,
		Alerter:        surface,
		Mine:           mine,
		Now:            opts.Now,
		RequestTimeout: cfg.API.RequestTimeout,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	s.Composer.SetTarget(cfg.View.Board, cfg.View.Thread)

	s.Syncer = syncer.New(syncer.Options{
		Loop:     s.Loop,
		Conn:     s.Conn,
		Composer: s.Composer,
		Posts:    s.Posts,
		Fetcher:  apiClient,
		Alerter:  surface,
		View: syncer.View{
			Board:  cfg.View.Board,
			Thread: cfg.View.Thread,
			LastN:  cfg.View.LastN,
		},
		HandshakeTimeout: cfg.Sync.HandshakeTimeout,
		ReclaimTimeout:   cfg.Sync.ReclaimTimeout,
		FetchTimeout:     cfg.Sync.FetchTimeout,
		FetchConcurrency: cfg.Sync.FetchConcurrency,
		Now:              opts.Now,
		Logger:           logger,
		Metrics:          opts.Metrics,
	})

	s.wire()
	if err := s.registerHandlers(); err != nil {
		s.Loop.Close()
		return nil, err
	}
	return s, nil
}

// wire registers the cross-machine subscriptions.
func (s *Session) wire() {
	s.Conn.On(connection.StateSynced, s.Syncer.Run)
	s.Conn.On(connection.StateDropped, func() {
		s.Syncer.Cancel()
		s.Composer.Feed(compose.EventDisconnect)
	})
	s.Conn.On(connection.StateDesynced, func() {
		s.Syncer.Cancel()
		s.Composer.Feed(compose.EventError)
	})

	s.Loop.SetPanicHandler(func(recovered any) {
		s.logger.Printf("fatal: state machine panic: %v", recovered)
		s.Syncer.Cancel()
		s.Conn.Feed(connection.EventError)
		s.Composer.Feed(compose.EventError)
	})
}

// Start dials the server.
func (s *Session) Start() error {
	return s.Conn.Start()
}

// Do runs fn on the event loop and waits for it. Every machine method must be
// called this way from outside the loop.
func (s *Session) Do(ctx context.Context, fn func()) error {
	return s.Loop.Do(ctx, fn)
}

// Navigate switches the displayed board or thread. Whatever post was in
// progress is discarded. Loop only.
func (s *Session) Navigate(view syncer.View) {
	s.Composer.Feed(compose.EventReset)
	s.Posts.Clear()
	s.Composer.SetTarget(view.Board, view.Thread)
	s.Syncer.Resync(view)
}

// Close stops the connection and the loop.
func (s *Session) Close(ctx context.Context) error {
	s.Conn.Stop()
	_ = s.Loop.Do(ctx, func() {
		s.Syncer.Cancel()
		s.Composer.Close()
	})
	return s.Loop.Shutdown(ctx)
}
