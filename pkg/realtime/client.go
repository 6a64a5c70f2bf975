package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/milksync/milksync/pkg/config"
	"github.com/milksync/milksync/pkg/events"
)

var ErrNotConnected = errors.New("realtime: not connected")

// Socket is the minimal transport surface the client needs; *websocket.Conn
// satisfies it and tests substitute their own.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens an authenticated socket to the server.
type DialFunc func(ctx context.Context, url, token string) (Socket, error)

// CredentialProvider supplies the bearer token for a connect attempt. An
// empty return means "not authenticated yet", which is not an error: the
// client stays quietly disconnected.
type CredentialProvider func() string

// Config drives one Client instance.
type Config struct {
	URL                  string
	Credential           CredentialProvider
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	SettleDelay          time.Duration
	WriteTimeout         time.Duration
	DialTimeout          time.Duration

	// Dial overrides the transport; nil means the coder/websocket dialer.
	Dial DialFunc
}

func (c *Config) setDefaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = 500 * time.Millisecond
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.Dial == nil {
		c.Dial = defaultDial
	}
}

// ConfigFrom maps the application's client configuration onto a Client config.
func ConfigFrom(cc config.ClientConfig, credential CredentialProvider) Config {
	return Config{
		URL:                  cc.URL,
		Credential:           credential,
		MaxReconnectAttempts: cc.MaxReconnectAttempts,
		ReconnectBaseDelay:   cc.ReconnectBaseDelay,
		ReconnectMaxDelay:    cc.ReconnectMaxDelay,
		SettleDelay:          cc.SettleDelay,
	}
}

func defaultDial(ctx context.Context, url, token string) (Socket, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// command is the client→server wire shape, mirroring the server router.
type command struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client owns one logical connection to the realtime server: authenticated
// connect, bounded reconnection, and the observable connection state. It is
// constructed once at application start and passed by reference to consumers;
// it is safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger
	mux    *Mux

	mu         sync.Mutex
	st         State
	conn       Socket
	cancelRead context.CancelFunc
	manual     bool // explicit Disconnect: suppress automatic reconnection
	attempt    int
	observers  []StateHandler
}

func NewClient(logger *slog.Logger, cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "realtime_client")),
		mux:    NewMux(logger),
		st:     State{Phase: PhaseDisconnected},
	}
}

// Mux exposes the listener multiplexer for this connection.
func (c *Client) Mux() *Mux {
	return c.mux
}

// On registers an event listener; see Mux.On.
func (c *Client) On(t events.Type, fn Handler) (off func()) {
	return c.mux.On(t, fn)
}

// State returns a copy of the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st
}

// OnStateChange registers a state observer. Observers survive disconnects
// (unlike event listeners) so fallback coordination keeps working across
// connection cycles.
func (c *Client) OnStateChange(fn StateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Connect establishes the connection. It is idempotent: a connected client or
// one with an attempt already in flight is a no-op. A missing credential is
// not an error; the client simply stays disconnected until it is asked again
// with one available.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.st.Phase == PhaseConnected || c.st.Phase == PhaseConnecting {
		c.mu.Unlock()
		return nil
	}
	cred := c.credentialLocked()
	if cred == "" {
		c.st = State{Phase: PhaseDisconnected}
		c.mu.Unlock()
		c.logger.Debug("Connect skipped: no credential available")
		return nil
	}
	c.manual = false
	c.mu.Unlock()

	return c.dialAndStart(ctx, cred)
}

// ReconnectWithFreshCredential tears the transport down, waits a settling
// delay, then reconnects. Used when the credential itself changed; the delay
// avoids racing a same-tick reconnect against the stale transport's teardown.
func (c *Client) ReconnectWithFreshCredential(ctx context.Context, credential CredentialProvider) error {
	c.Disconnect()
	time.Sleep(c.cfg.SettleDelay)
	if credential != nil {
		c.mu.Lock()
		c.cfg.Credential = credential
		c.mu.Unlock()
	}
	return c.Connect(ctx)
}

// Disconnect releases the transport and clears all event listeners for this
// client. Consumers that still hold hooks must re-register after reconnecting.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.manual = true
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
	sock := c.conn
	c.conn = nil
	lastErr := c.st.LastError
	c.mu.Unlock()

	if sock != nil {
		sock.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.mux.Clear()
	c.transition(PhaseDisconnected, "", lastErr)
}

// Send marshals a control message and writes it synchronously. The returned
// error reflects the actual frame write, which is what lets the offline
// coordinator gate its dequeue on delivery.
func (c *Client) Send(ctx context.Context, t events.Type, payload any) error {
	c.mu.Lock()
	sock := c.conn
	connected := c.st.Phase == PhaseConnected
	c.mu.Unlock()

	if !connected || sock == nil {
		return ErrNotConnected
	}

	msg := command{Event: string(t)}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s command: %w", t, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return sock.Write(writeCtx, websocket.MessageText, frame)
}

func (c *Client) credentialLocked() string {
	if c.cfg.Credential == nil {
		return ""
	}
	return c.cfg.Credential()
}

// claimConnecting atomically takes the single connect slot. It refuses when a
// manual Disconnect intervened or another attempt is already connecting or
// connected, so a backoff sleep can never dial past an explicit Disconnect
// and two racing Connects can never double-dial.
func (c *Client) claimConnecting() bool {
	c.mu.Lock()
	if c.manual || c.st.Phase == PhaseConnected || c.st.Phase == PhaseConnecting {
		c.mu.Unlock()
		return false
	}
	c.st = State{Phase: PhaseConnecting}
	snapshot := c.st
	observers := make([]StateHandler, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
	return true
}

func (c *Client) dialAndStart(ctx context.Context, cred string) error {
	if !c.claimConnecting() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	sock, err := c.cfg.Dial(dialCtx, c.cfg.URL, cred)
	cancel()
	if err != nil {
		c.mu.Lock()
		manual := c.manual
		c.mu.Unlock()
		if manual {
			// Disconnect already recorded the terminal state.
			return nil
		}
		// Credential and handshake failures are terminal for this attempt:
		// retrying with the same token would fail the same way.
		c.transition(PhaseError, "", err.Error())
		return fmt.Errorf("realtime connect: %w", err)
	}

	connID := uuid.NewString()
	readCtx, cancelRead := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.manual {
		// Disconnected while the dial was in flight; the fresh socket must
		// not resurrect the connection.
		c.mu.Unlock()
		cancelRead()
		sock.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil
	}
	c.conn = sock
	c.cancelRead = cancelRead
	c.attempt = 0
	c.mu.Unlock()

	c.transition(PhaseConnected, connID, "")
	go c.readLoop(readCtx, sock)

	// Begin with current data rather than waiting for the next mutation.
	if err := c.Send(ctx, events.ReqStats, nil); err != nil {
		c.logger.Warn("Initial stats request failed", slog.Any("error", err))
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, sock Socket) {
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			c.handleReadFailure(err)
			return
		}
		env, err := events.Unmarshal(data)
		if err != nil {
			c.logger.Warn("Discarding malformed frame", slog.Any("error", err))
			continue
		}
		c.mux.Dispatch(env)
	}
}

func (c *Client) handleReadFailure(err error) {
	c.mu.Lock()
	manual := c.manual
	c.conn = nil
	c.mu.Unlock()

	if manual {
		return
	}
	c.logger.Warn("Transport dropped", slog.Any("error", err))
	c.transition(PhaseDisconnected, "", err.Error())
	go c.reconnectLoop()
}

// reconnectLoop retries a dropped transport with capped, jittered exponential
// backoff. Exceeding the cap forces a terminal Disconnect: resuming after
// that requires an explicit Connect, possibly with a refreshed credential.
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.manual || c.st.Phase == PhaseConnected {
			c.mu.Unlock()
			return
		}
		if c.attempt >= c.cfg.MaxReconnectAttempts {
			c.mu.Unlock()
			c.logger.Warn("Reconnect attempts exhausted; disconnecting until an explicit Connect")
			c.Disconnect()
			return
		}
		c.attempt++
		attempt := c.attempt
		cred := c.credentialLocked()
		c.mu.Unlock()

		if cred == "" {
			c.logger.Debug("Reconnect abandoned: credential no longer available")
			c.Disconnect()
			return
		}

		delay := backoffDelay(c.cfg.ReconnectBaseDelay, c.cfg.ReconnectMaxDelay, attempt)
		c.logger.Info("Reconnecting", slog.Int("attempt", attempt), slog.Duration("delay", delay))
		time.Sleep(delay)

		if err := c.dialAndStart(context.Background(), cred); err == nil {
			return
		}
	}
}

// transition records a state change and notifies observers outside the lock.
func (c *Client) transition(phase Phase, connID, lastErr string) {
	c.mu.Lock()
	c.st = State{Phase: phase, ConnectionID: connID, LastError: lastErr}
	snapshot := c.st
	observers := make([]StateHandler, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, fn := range observers {
		fn(snapshot)
	}
}

// backoffDelay grows exponentially from base with up to half a base of jitter,
// capped at max. Jitter keeps a shared outage from producing a thundering
// herd of synchronized reconnects.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jitter := time.Duration(rand.Float64() * float64(base) * 0.5)
	d := float64(base)*math.Pow(2, float64(attempt-1)) + float64(jitter)
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}
