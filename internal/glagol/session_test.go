package glagol

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/station-remote/internal/domain"
	"go2tv.app/station-remote/internal/session"
)

type memoryStore struct{}

func (memoryStore) Load() (domain.Credentials, error) { return domain.Credentials{}, nil }
func (memoryStore) Save(domain.Credentials) error     { return nil }

type deviceTable map[string]domain.LocalDevice

func (d deviceTable) GetDevice(id string) (domain.LocalDevice, bool) {
	dev, ok := d[id]
	return dev, ok
}

type tokenFunc func(ctx context.Context, speaker domain.Speaker) (string, error)

func (f tokenFunc) GlagolToken(ctx context.Context, speaker domain.Speaker) (string, error) {
	return f(ctx, speaker)
}

func staticToken(token string) TokenSource {
	return tokenFunc(func(context.Context, domain.Speaker) (string, error) { return token, nil })
}

type countingDialer struct {
	inner Dialer
	calls atomic.Int32
}

func (d *countingDialer) OpenWebSocket(ctx context.Context, rawURL string, header http.Header) (*websocket.Conn, error) {
	d.calls.Add(1)
	return d.inner.OpenWebSocket(ctx, rawURL, header)
}

// fakeSpeaker is a TLS WebSocket endpoint with a self-signed certificate,
// like a real station on the LAN.
type fakeSpeaker struct {
	srv      *httptest.Server
	received chan map[string]any
	conns    chan *websocket.Conn
	closes   chan int
}

func newFakeSpeaker(t *testing.T) *fakeSpeaker {
	t.Helper()
	f := &fakeSpeaker{
		received: make(chan map[string]any, 64),
		conns:    make(chan *websocket.Conn, 1),
		closes:   make(chan int, 1),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.conns <- conn
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					f.closes <- closeErr.Code
				}
				return
			}
			var msg map[string]any
			if json.Unmarshal(data, &msg) == nil {
				f.received <- msg
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSpeaker) device(t *testing.T, id string) domain.LocalDevice {
	t.Helper()
	u, err := url.Parse(f.srv.URL)
	require.NoError(t, err)
	host, portText, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portText)
	require.NoError(t, err)
	return domain.LocalDevice{DeviceID: id, Host: host, Port: port, Platform: "yandexmini"}
}

func (f *fakeSpeaker) push(t *testing.T, conn *websocket.Conn, payload string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(payload)))
}

func nextMessage(t *testing.T, ch <-chan map[string]any) map[string]any {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func newTestSession(t *testing.T, f *fakeSpeaker, tokens TokenSource) (*Session, *countingDialer) {
	t.Helper()
	mgr, err := session.NewManager(session.Config{Logger: zerolog.Nop()}, memoryStore{})
	require.NoError(t, err)
	dialer := &countingDialer{inner: mgr}
	speaker := domain.Speaker{ID: "station-1", Name: "Kitchen", Platform: "yandexmini"}
	devices := deviceTable{}
	if f != nil {
		devices[speaker.ID] = f.device(t, speaker.ID)
	}
	s := NewSession(speaker, devices, tokens, dialer, Config{CloseTimeout: time.Second, Logger: zerolog.Nop()})
	return s, dialer
}

func TestStartRequiresDiscoveredDevice(t *testing.T) {
	s, dialer := newTestSession(t, nil, staticToken("tok"))

	err := s.Start(context.Background(), Handlers{})
	require.ErrorIs(t, err, domain.ErrDeviceNotDiscovered)
	assert.Equal(t, StateIdle, s.State())
	assert.Zero(t, dialer.calls.Load())
}

func TestHandshakeThenStateDeliveryInOrder(t *testing.T) {
	f := newFakeSpeaker(t)
	s, _ := newTestSession(t, f, staticToken("conv-token"))

	states := make(chan domain.StationState, 8)
	var statuses []State
	var statusMu sync.Mutex
	require.NoError(t, s.Start(context.Background(), Handlers{
		OnState: func(st domain.StationState) { states <- st },
		OnStatus: func(st State) {
			statusMu.Lock()
			statuses = append(statuses, st)
			statusMu.Unlock()
		},
	}))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	conn := <-f.conns
	hello := nextMessage(t, f.received)
	assert.Equal(t, "conv-token", hello["conversationToken"])
	assert.NotEmpty(t, hello["id"])
	assert.Greater(t, hello["sentTime"], float64(0))
	payload, _ := hello["payload"].(map[string]any)
	assert.Equal(t, "softwareVersion", payload["command"])

	f.push(t, conn, `{"id":"x","sentTime":1,"state":{"playing":true,"volume":0.4,"playerState":{"title":"A","progress":1}}}`)
	f.push(t, conn, `not json`)
	f.push(t, conn, `{"status":"SUCCESS"}`)
	f.push(t, conn, `{"state":{"playing":false,"volume":0.4,"playerState":{"title":"B","progress":2}}}`)

	first := <-states
	second := <-states
	assert.Equal(t, "A", first.PlayerState.Title)
	assert.Equal(t, "B", second.PlayerState.Title)
	assert.Equal(t, StateReady, s.State())

	statusMu.Lock()
	assert.Equal(t, []State{StateTokenFetching, StateConnecting, StateHandshaking, StateReady}, statuses)
	statusMu.Unlock()
}

func TestSendBeforeConnectFails(t *testing.T) {
	s, _ := newTestSession(t, nil, staticToken("tok"))
	assert.ErrorIs(t, s.Send(Play()), ErrNotConnected)
}

func TestConcurrentSendsAllArrive(t *testing.T) {
	f := newFakeSpeaker(t)
	s, _ := newTestSession(t, f, staticToken("tok"))
	require.NoError(t, s.Start(context.Background(), Handlers{}))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	<-f.conns
	nextMessage(t, f.received)

	const senders = 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Send(SetVolume(float64(i)/senders)))
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for i := 0; i < senders; i++ {
		msg := nextMessage(t, f.received)
		ids[msg["id"].(string)] = true
	}
	assert.Len(t, ids, senders, "every message carries a fresh id")
}

func TestStopIsIdempotentAndSendsNormalClosure(t *testing.T) {
	f := newFakeSpeaker(t)
	s, _ := newTestSession(t, f, staticToken("tok"))

	var closedCalls atomic.Int32
	var closedErr error
	require.NoError(t, s.Start(context.Background(), Handlers{
		OnClosed: func(speaker domain.Speaker, err error) {
			closedCalls.Add(1)
			closedErr = err
			assert.Equal(t, "station-1", speaker.ID)
		},
	}))
	<-f.conns
	nextMessage(t, f.received)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	select {
	case code := <-f.closes:
		assert.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(2 * time.Second):
		t.Fatal("speaker never saw a close frame")
	}
	assert.Equal(t, int32(1), closedCalls.Load())
	assert.NoError(t, closedErr)
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Send(Play()), ErrNotConnected)
	assert.ErrorIs(t, s.Start(context.Background(), Handlers{}), ErrSessionStopped)
}

func TestPeerCloseIsReported(t *testing.T) {
	f := newFakeSpeaker(t)
	s, _ := newTestSession(t, f, staticToken("tok"))

	closed := make(chan error, 1)
	require.NoError(t, s.Start(context.Background(), Handlers{
		OnClosed: func(_ domain.Speaker, err error) { closed <- err },
	}))
	conn := <-f.conns
	nextMessage(t, f.received)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "reboot"), time.Now().Add(time.Second)))

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrClosedByPeer)
	case <-time.After(2 * time.Second):
		t.Fatal("peer close not reported")
	}
	assert.Equal(t, StateFailed, s.State())
}

func TestStopDuringTokenFetchDiscardsResult(t *testing.T) {
	f := newFakeSpeaker(t)
	fetching := make(chan struct{})
	s, dialer := newTestSession(t, f, tokenFunc(func(ctx context.Context, _ domain.Speaker) (string, error) {
		close(fetching)
		<-ctx.Done()
		return "late", nil
	}))

	closed := make(chan error, 1)
	require.NoError(t, s.Start(context.Background(), Handlers{
		OnClosed: func(_ domain.Speaker, err error) { closed <- err },
	}))
	<-fetching

	require.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, <-closed)
	assert.Zero(t, dialer.calls.Load(), "a stopped session must not dial")
	assert.Equal(t, StateClosed, s.State())
}

func TestTokenFailureIsReported(t *testing.T) {
	f := newFakeSpeaker(t)
	s, _ := newTestSession(t, f, tokenFunc(func(context.Context, domain.Speaker) (string, error) {
		return "", domain.ErrUnauthorized
	}))

	closed := make(chan error, 1)
	require.NoError(t, s.Start(context.Background(), Handlers{
		OnClosed: func(_ domain.Speaker, err error) { closed <- err },
	}))
	err := <-closed
	assert.ErrorIs(t, err, ErrTokenFetch)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Equal(t, StateFailed, s.State())
}

func TestStopBeforeStart(t *testing.T) {
	s, _ := newTestSession(t, nil, staticToken("tok"))
	require.NoError(t, s.Stop(context.Background()))
	select {
	case <-s.Done():
	default:
		t.Fatal("done must be closed")
	}
}
