package realtime_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/milksync/milksync/pkg/events"
	"github.com/milksync/milksync/pkg/realtime"
)

type fakeSocket struct {
	incoming chan []byte
	closed   chan struct{}

	mu        sync.Mutex
	writes    [][]byte
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{incoming: make(chan []byte, 8), closed: make(chan struct{})}
}

func (s *fakeSocket) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-s.closed:
		return 0, nil, errors.New("socket closed")
	case b := <-s.incoming:
		return websocket.MessageText, b, nil
	}
}

func (s *fakeSocket) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	select {
	case <-s.closed:
		return errors.New("socket closed")
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), p...))
	return nil
}

func (s *fakeSocket) Close(websocket.StatusCode, string) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// drop simulates a server-side transport failure.
func (s *fakeSocket) drop() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *fakeSocket) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

type fakeDialer struct {
	mu        sync.Mutex
	socks     []*fakeSocket
	tokens    []string
	failAfter int // dials beyond this count fail; 0 means never fail
}

func (d *fakeDialer) dial(_ context.Context, _ string, token string) (realtime.Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens = append(d.tokens, token)
	if d.failAfter > 0 && len(d.tokens) > d.failAfter {
		return nil, errors.New("dial refused")
	}
	sock := newFakeSocket()
	d.socks = append(d.socks, sock)
	return sock, nil
}

func (d *fakeDialer) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

func (d *fakeDialer) lastSocket() *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.socks) == 0 {
		return nil
	}
	return d.socks[len(d.socks)-1]
}

func newTestClient(dialer *fakeDialer, credential realtime.CredentialProvider) *realtime.Client {
	return realtime.NewClient(testLogger(), realtime.Config{
		URL:                  "ws://test/ws",
		Credential:           credential,
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    4 * time.Millisecond,
		SettleDelay:          time.Millisecond,
		Dial:                 dialer.dial,
	})
}

func TestConnectWithoutCredentialIsSilentNoop(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, func() string { return "" })

	err := client.Connect(context.Background())
	require.NoError(t, err, "absent credential means not-authenticated-yet, not an error")
	assert.Zero(t, dialer.calls(), "no dial may be attempted without a credential")
	assert.Equal(t, realtime.PhaseDisconnected, client.State().Phase)
}

func TestConnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, func() string { return "token-1" })
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	require.NoError(t, client.Connect(context.Background()))

	assert.Equal(t, 1, dialer.calls(), "second Connect must be a no-op")

	st := client.State()
	assert.Equal(t, realtime.PhaseConnected, st.Phase)
	assert.True(t, st.IsConnected())
	assert.NotEmpty(t, st.ConnectionID)
	assert.Empty(t, st.LastError)
}

func TestConnectRequestsFreshStatsImmediately(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, func() string { return "token-1" })
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))

	sock := dialer.lastSocket()
	require.NotNil(t, sock)
	require.Equal(t, 1, sock.writeCount())
	sock.mu.Lock()
	first := string(sock.writes[0])
	sock.mu.Unlock()
	assert.Contains(t, first, string(events.ReqStats))
}

func TestDialFailureSurfacesAsLastError(t *testing.T) {
	alwaysFail := func(context.Context, string, string) (realtime.Socket, error) {
		return nil, errors.New("credential rejected")
	}
	client := realtime.NewClient(testLogger(), realtime.Config{
		URL:        "ws://test/ws",
		Credential: func() string { return "bad-token" },
		Dial:       alwaysFail,
	})

	err := client.Connect(context.Background())
	require.Error(t, err)

	st := client.State()
	assert.Equal(t, realtime.PhaseError, st.Phase)
	assert.Contains(t, st.LastError, "credential rejected")
}

func TestIncomingEnvelopesReachListeners(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, func() string { return "token-1" })
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))

	got := make(chan events.Envelope, 1)
	client.On(events.EvDeliveryUpdated, func(env events.Envelope) {
		got <- env
	})

	env, err := events.New(events.EvDeliveryUpdated, events.DeliveryPayload{ID: "d1"})
	require.NoError(t, err)
	frame, err := env.Marshal()
	require.NoError(t, err)
	dialer.lastSocket().incoming <- frame

	select {
	case received := <-got:
		assert.Equal(t, events.EvDeliveryUpdated, received.Type)
	case <-time.After(time.Second):
		t.Fatal("listener never saw the envelope")
	}
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	dialer := &fakeDialer{failAfter: 1}
	client := newTestClient(dialer, func() string { return "token-1" })

	require.NoError(t, client.Connect(context.Background()))
	dialer.lastSocket().drop()

	// 1 initial dial + 3 bounded reconnect attempts, then terminal.
	require.Eventually(t, func() bool {
		return dialer.calls() == 4 && client.State().Phase == realtime.PhaseDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	// No further automatic attempt may happen without an explicit Connect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, dialer.calls())

	// An explicit Connect resumes.
	require.Error(t, client.Connect(context.Background()))
	assert.Equal(t, 5, dialer.calls())
}

func TestReconnectRecoversWhenServerReturns(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, func() string { return "token-1" })
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))
	dialer.lastSocket().drop()

	require.Eventually(t, func() bool {
		return client.State().Phase == realtime.PhaseConnected && dialer.calls() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestListenersSurviveAutomaticReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, func() string { return "token-1" })
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))

	got := make(chan events.Envelope, 4)
	client.On(events.EvStatsUpdated, func(env events.Envelope) { got <- env })

	dialer.lastSocket().drop()
	require.Eventually(t, func() bool {
		return client.State().Phase == realtime.PhaseConnected && dialer.calls() == 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, client.Mux().ListenerCount(events.EvStatsUpdated),
		"automatic reconnects keep listeners registered; only Disconnect clears them")

	env, err := events.New(events.EvStatsUpdated, events.StatsPayload{TotalDeliveries: 1})
	require.NoError(t, err)
	frame, err := env.Marshal()
	require.NoError(t, err)
	dialer.lastSocket().incoming <- frame

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("listener never saw the envelope after reconnect")
	}
	select {
	case extra := <-got:
		t.Fatalf("envelope delivered more than once: %v", extra.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectDuringBackoffStaysDown(t *testing.T) {
	dialer := &fakeDialer{}
	client := realtime.NewClient(testLogger(), realtime.Config{
		URL:                  "ws://test/ws",
		Credential:           func() string { return "token-1" },
		MaxReconnectAttempts: 3,
		ReconnectBaseDelay:   200 * time.Millisecond,
		ReconnectMaxDelay:    400 * time.Millisecond,
		SettleDelay:          time.Millisecond,
		Dial:                 dialer.dial,
	})

	require.NoError(t, client.Connect(context.Background()))
	dialer.lastSocket().drop()

	// The reconnect loop is now sleeping out its first backoff; an explicit
	// Disconnect landing inside that sleep must win.
	time.Sleep(50 * time.Millisecond)
	client.Disconnect()

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, dialer.calls(), "no dial may happen after an explicit Disconnect")
	assert.Equal(t, realtime.PhaseDisconnected, client.State().Phase)
}

func TestDisconnectClearsListenersAndState(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, func() string { return "token-1" })

	require.NoError(t, client.Connect(context.Background()))
	client.On(events.EvStatsUpdated, func(events.Envelope) {})
	require.Equal(t, 1, client.Mux().ListenerCount(events.EvStatsUpdated))

	client.Disconnect()

	assert.Equal(t, realtime.PhaseDisconnected, client.State().Phase)
	assert.Zero(t, client.Mux().ListenerCount(events.EvStatsUpdated), "disconnect must clear listeners")

	// Dropping the old socket after a manual disconnect must not reconnect.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.calls())
}

func TestSendWhileDisconnected(t *testing.T) {
	client := newTestClient(&fakeDialer{}, func() string { return "token-1" })
	err := client.Send(context.Background(), events.ReqSync, nil)
	assert.ErrorIs(t, err, realtime.ErrNotConnected)
}

func TestReconnectWithFreshCredential(t *testing.T) {
	dialer := &fakeDialer{}
	token := "token-old"
	client := newTestClient(dialer, func() string { return token })
	defer client.Disconnect()

	require.NoError(t, client.Connect(context.Background()))

	err := client.ReconnectWithFreshCredential(context.Background(), func() string { return "token-new" })
	require.NoError(t, err)

	require.Equal(t, 2, dialer.calls())
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	assert.Equal(t, []string{"token-old", "token-new"}, dialer.tokens)
}

func TestStateObserversSeeTransitions(t *testing.T) {
	dialer := &fakeDialer{}
	client := newTestClient(dialer, func() string { return "token-1" })
	defer client.Disconnect()

	var mu sync.Mutex
	var phases []realtime.Phase
	client.OnStateChange(func(st realtime.State) {
		mu.Lock()
		phases = append(phases, st.Phase)
		mu.Unlock()
	})

	require.NoError(t, client.Connect(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, phases)
	assert.Equal(t, realtime.PhaseConnecting, phases[0])
	assert.Equal(t, realtime.PhaseConnected, phases[len(phases)-1])
}

func ExampleClient() {
	client := realtime.NewClient(testLogger(), realtime.Config{
		URL:        "ws://localhost:8080/ws",
		Credential: func() string { return "" },
	})
	err := client.Connect(context.Background())
	fmt.Println(err, client.State().Phase)
	// Output: <nil> disconnected
}
