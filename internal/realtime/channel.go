package realtime

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"steeple-sync/internal/auth"
	steeple_errors "steeple-sync/pkg/errors"
	"steeple-sync/pkg/logger"
)

// State describes the push channel's connection lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDegraded     State = "degraded"
	StateClosed       State = "closed"
)

const writeWait = 10 * time.Second

// ingestor is the router's intake.
type ingestor interface {
	Ingest(raw []byte)
}

// Options bound the reconnect policy and heartbeat cadence.
type Options struct {
	WSEndpoint        string
	SSEEndpoint       string
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	MaxAttempts       int
}

// Channel maintains the realtime connection: websocket first, SSE as
// fallback once the websocket budget is spent. After both transports
// exhaust their attempts the channel degrades and stays down; the
// periodic pull sync keeps the cache converging without it.
type Channel struct {
	opts   Options
	tokens auth.TokenProvider
	sink   ingestor
	log    *logger.Logger

	dialer *websocket.Dialer
	http   *http.Client

	mu        sync.Mutex
	state     State
	observers []func(State)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewChannel(opts Options, tokens auth.TokenProvider, sink ingestor, log *logger.Logger) *Channel {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 2 * time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	return &Channel{
		opts:   opts,
		tokens: tokens,
		sink:   sink,
		log:    log,
		dialer: websocket.DefaultDialer,
		http:   &http.Client{},
		state:  StateClosed,
		stopCh: make(chan struct{}),
	}
}

// OnStateChange registers an observer for connection state
// transitions. Observers run synchronously on the channel goroutine.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	obs := make([]func(State), len(c.observers))
	copy(obs, c.observers)
	c.mu.Unlock()
	for _, fn := range obs {
		fn(s)
	}
}

// Start launches the connection loop in its own goroutine.
func (c *Channel) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop closes the channel and waits for the loop to exit.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Channel) run(ctx context.Context) {
	defer func() {
		if c.State() != StateDegraded {
			c.setState(StateClosed)
		}
	}()

	attempts := 0
	useSSE := false
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !c.tokens.Valid(time.Now()) {
			c.log.Errorf("realtime: %v, channel down until re-auth", steeple_errors.ErrTokenExpired)
			c.setState(StateDegraded)
			return
		}

		if attempts == 0 {
			c.setState(StateConnecting)
		} else {
			c.setState(StateReconnecting)
		}

		var connected bool
		var err error
		if useSSE {
			connected, err = c.runSSE(ctx)
		} else {
			connected, err = c.runWebsocket(ctx)
		}
		if c.stopped(ctx) {
			return
		}
		if connected {
			// A session that was once up earns a fresh budget, and
			// the websocket gets first refusal again.
			attempts = 0
			useSSE = false
		}
		attempts++
		c.log.Warnf("realtime %s attempt %d failed: %v", c.transportName(useSSE), attempts, err)

		if attempts >= c.opts.MaxAttempts {
			if !useSSE {
				c.log.Infof("websocket budget spent, falling back to SSE")
				useSSE = true
				attempts = 0
				continue
			}
			c.log.Errorf("realtime channel degraded: %v", steeple_errors.ErrChannelDegraded)
			c.setState(StateDegraded)
			return
		}

		select {
		case <-time.After(c.backoff(attempts)):
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Channel) transportName(sse bool) string {
	if sse {
		return "sse"
	}
	return "websocket"
}

func (c *Channel) stopped(ctx context.Context) bool {
	select {
	case <-c.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Channel) backoff(attempt int) time.Duration {
	d := c.opts.ReconnectBase
	for i := 1; i < attempt && d < c.opts.ReconnectMax; i++ {
		d *= 2
	}
	if d > c.opts.ReconnectMax {
		d = c.opts.ReconnectMax
	}
	return d
}

// runWebsocket dials, pumps frames into the sink, and keeps the
// connection alive with pings. It returns whether the connection was
// ever established, and the error that ended it.
func (c *Channel) runWebsocket(ctx context.Context) (bool, error) {
	wsURL, err := c.authorizedURL(c.opts.WSEndpoint)
	if err != nil {
		return false, err
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	c.setState(StateConnected)

	pongWait := 2 * c.opts.HeartbeatInterval
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(c.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			case <-c.stopCh:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		c.sink.Ingest(message)
	}
}

// authorizedURL appends the bearer token as a query parameter. Both
// transports authenticate this way: the connection URL is the one
// thing a websocket dial and an EventSource can both carry.
func (c *Channel) authorizedURL(endpoint string) (string, error) {
	tok, err := c.tokens.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", steeple_errors.ErrTokenMissing, err)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// runSSE holds the fallback stream open and feeds data lines into the
// sink. Multi-line data fields are joined per the SSE framing rules.
func (c *Channel) runSSE(ctx context.Context) (bool, error) {
	target, err := c.authorizedURL(c.opts.SSEEndpoint)
	if err != nil {
		return false, err
	}

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("sse connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("sse status %d", resp.StatusCode)
	}
	c.setState(StateConnected)

	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-reqCtx.Done():
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				c.sink.Ingest([]byte(strings.Join(data, "\n")))
				data = data[:0]
			}
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// Comments and other fields are ignored.
		}
	}
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("sse stream: %w", err)
	}
	return true, fmt.Errorf("sse stream closed")
}
