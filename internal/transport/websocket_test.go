package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/threadline/errs"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

// echoServer replies to every text frame with the same frame prefixed by "echo:".
func echoServer(t *testing.T, userAgent chan<- string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userAgent != nil {
			select {
			case userAgent <- r.Header.Get("User-Agent"):
			default:
			}
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if string(data) == "bye" {
				_ = conn.Close(websocket.StatusGoingAway, "bye")
				return
			}
			if err := conn.Write(r.Context(), websocket.MessageText, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSocketSendAndReceive(t *testing.T) {
	agents := make(chan string, 1)
	server := echoServer(t, agents)
	dialer := NewDialer(Options{URL: wsURL(server), UserAgent: "threadline-test"})

	sock, err := dialer.Dial(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "threadline-test", <-agents)

	frames := make(chan []byte, 4)
	done := make(chan error, 1)
	go func() {
		done <- sock.Run(context.Background(), func(frame []byte) { frames <- frame })
	}()

	require.NoError(t, sock.Send(context.Background(), []byte("34")))
	select {
	case got := <-frames:
		assert.Equal(t, "echo:34", string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}

	require.NoError(t, sock.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after close")
	}
}

func TestSocketRemoteCloseIsTransportError(t *testing.T) {
	server := echoServer(t, nil)
	sock, err := NewDialer(Options{URL: wsURL(server)}).Dial(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sock.Run(context.Background(), nil) }()
	require.NoError(t, sock.Send(context.Background(), []byte("bye")))

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errs.Is(err, errs.CodeTransport))
	case <-time.After(2 * time.Second):
		t.Fatal("run did not observe remote close")
	}
}

func TestSendAfterClose(t *testing.T) {
	server := echoServer(t, nil)
	sock, err := NewDialer(Options{URL: wsURL(server)}).Dial(context.Background())
	require.NoError(t, err)
	require.NoError(t, sock.Close())
	require.NoError(t, sock.Close())

	err = sock.Send(context.Background(), []byte("34"))
	require.Error(t, err)
	assert.Equal(t, errs.ReasonNotConnected, errs.ReasonOf(err))
}

func TestDialFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewDialer(Options{URL: wsURL(server), DialTimeout: time.Second}).Dial(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeTransport))

	_, err = NewDialer(Options{}).Dial(context.Background())
	assert.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestConcurrentSends(t *testing.T) {
	server := echoServer(t, nil)
	sock, err := NewDialer(Options{URL: wsURL(server), PingInterval: 20 * time.Millisecond}).Dial(context.Background())
	require.NoError(t, err)
	defer sock.Close()

	var mu sync.Mutex
	received := 0
	all := make(chan struct{})
	go func() {
		_ = sock.Run(context.Background(), func([]byte) {
			mu.Lock()
			received++
			if received == 20 {
				close(all)
			}
			mu.Unlock()
		})
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sock.Send(context.Background(), []byte("34")))
		}()
	}
	wg.Wait()

	select {
	case <-all:
	case <-time.After(3 * time.Second):
		t.Fatal("not all echoes arrived")
	}
}

func TestPingTimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		// Never reads, so pings go unanswered.
		<-release
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	sock, err := NewDialer(Options{
		URL:          wsURL(server),
		PingInterval: 20 * time.Millisecond,
		PingTimeout:  50 * time.Millisecond,
	}).Dial(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sock.Run(context.Background(), nil) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.NotErrorIs(t, err, context.Canceled)
		assert.True(t, errs.Is(err, errs.CodeTransport))
	case <-time.After(3 * time.Second):
		t.Fatal("run did not fail on a missing pong")
	}
}
