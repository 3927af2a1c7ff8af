// Package transport provides the websocket link used by the connection machine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/threadline/errs"
)

const (
	defaultReadLimit    = 1 << 20
	defaultDialTimeout  = 10 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Options configures a Dialer.
type Options struct {
	URL          string
	UserAgent    string
	ReadLimit    int64
	PingInterval time.Duration
	// PingTimeout bounds the wait for a pong.
	PingTimeout time.Duration
	DialTimeout time.Duration
	HTTPClient   *http.Client
}

// Dialer opens websocket sockets to the board server.
type Dialer struct {
	opts Options
}

// NewDialer creates a Dialer, filling unset options with defaults.
func NewDialer(opts Options) *Dialer {
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	return &Dialer{opts: opts}
}

// Dial establishes a new socket. The returned socket is idle until Run is called.
func (d *Dialer) Dial(ctx context.Context) (*Socket, error) {
	if d.opts.URL == "" {
		return nil, errs.New("transport/dial", errs.CodeInvalid, errs.WithMessage("websocket url required"))
	}
	dialCtx, cancel := context.WithTimeout(ctx, d.opts.DialTimeout)
	defer cancel()

	header := http.Header{}
	if d.opts.UserAgent != "" {
		header.Set("User-Agent", d.opts.UserAgent)
	}
	conn, resp, err := websocket.Dial(dialCtx, d.opts.URL, &websocket.DialOptions{
		HTTPClient: d.opts.HTTPClient,
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		opts := []errs.Option{errs.WithCause(err), errs.WithMessage("dial " + d.opts.URL)}
		if resp != nil {
			opts = append(opts, errs.WithHTTP(resp.StatusCode))
		}
		return nil, errs.New("transport/dial", errs.CodeTransport, opts...)
	}
	conn.SetReadLimit(d.opts.ReadLimit)
	return &Socket{
		conn:         conn,
		pingInterval: d.opts.PingInterval,
		pingTimeout:  d.opts.PingTimeout,
		closed:       make(chan struct{}),
	}, nil
}

// Socket is one websocket session. Send is safe for concurrent use.
type Socket struct {
	conn         *websocket.Conn
	pingInterval time.Duration
	pingTimeout  time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Send writes a single text frame.
func (s *Socket) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return errs.New("transport/send", errs.CodeTransport, errs.WithReason(errs.ReasonNotConnected))
	default:
	}

	writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer cancel()

	s.writeMu.Lock()
	err := s.conn.Write(writeCtx, websocket.MessageText, frame)
	s.writeMu.Unlock()
	if err != nil {
		return errs.New("transport/send", errs.CodeTransport, errs.WithCause(err))
	}
	return nil
}

// Run reads frames and passes them to handler until the socket fails or ctx ends.
// It returns context.Canceled when the socket was closed locally and a transport
// error otherwise.
func (s *Socket) Run(ctx context.Context, handler func(frame []byte)) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		errCh <- s.readLoop(runCtx, handler)
	}()
	if s.pingInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- s.pingLoop(runCtx)
		}()
	}

	var first error
	local := false
	select {
	case first = <-errCh:
		local = s.isClosed()
	case <-s.closed:
		local = true
	}
	cancel()
	_ = s.Close()
	wg.Wait()

	if local || errors.Is(first, context.Canceled) {
		return context.Canceled
	}
	return errs.New("transport/run", errs.CodeTransport, errs.WithCause(first))
}

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Close terminates the socket. Calling Close more than once is safe.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close(websocket.StatusNormalClosure, "")
	})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close socket: %w", err)
	}
	return nil
}

func (s *Socket) readLoop(ctx context.Context, handler func([]byte)) error {
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		if handler != nil {
			handler(data)
		}
	}
}

func (s *Socket) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.pingTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
