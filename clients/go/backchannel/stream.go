package backchannel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the connection state of a StreamClient.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateError
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// DefaultReconnectDelay is the fixed wait before reconnecting.
const DefaultReconnectDelay = 2 * time.Second

var errStreamEnded = errors.New("stream ended by server")

// StreamOption configures a StreamClient.
type StreamOption func(*StreamClient)

// WithHeader adds request headers to every connection attempt.
func WithHeader(h http.Header) StreamOption {
	return func(c *StreamClient) {
		for k, v := range h {
			c.header[k] = append(c.header[k], v...)
		}
	}
}

// WithReconnectDelay overrides the fixed reconnect delay.
func WithReconnectDelay(d time.Duration) StreamOption {
	return func(c *StreamClient) { c.backoff = backoff.NewConstantBackOff(d) }
}

// WithHTTPClient sets the client used for connections. It must not have a
// timeout, which would cut every stream off.
func WithHTTPClient(hc *http.Client) StreamOption {
	return func(c *StreamClient) { c.httpClient = hc }
}

// WithStateHook is called on every state change, from the client's
// goroutine.
func WithStateHook(fn func(State, error)) StreamOption {
	return func(c *StreamClient) { c.onState = fn }
}

// StreamClient reads a server event stream and reconnects after any failure
// until Close is called. Only one connection attempt is live at a time, and
// each has its own context, so frames from an abandoned response can never
// reach the events channel.
type StreamClient struct {
	url        string
	header     http.Header
	httpClient *http.Client
	backoff    backoff.BackOff
	onState    func(State, error)

	events chan Event

	mu        sync.Mutex
	state     State
	attempts  int
	cancel    context.CancelFunc // current attempt
	started   bool
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewStreamClient creates a client for the stream at url. Call Start to
// connect.
func NewStreamClient(url string, opts ...StreamOption) *StreamClient {
	c := &StreamClient{
		url:        url,
		header:     http.Header{},
		httpClient: &http.Client{},
		backoff:    backoff.NewConstantBackOff(DefaultReconnectDelay),
		events:     make(chan Event, 16),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Events delivers dispatched events. It is closed once the client is closed.
func (c *StreamClient) Events() <-chan Event {
	return c.events
}

// State returns the current state.
func (c *StreamClient) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns how many connections have been attempted.
func (c *StreamClient) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Start connects in the background. Cancelling ctx has the same effect as
// Close.
func (c *StreamClient) Start(ctx context.Context) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go c.run(ctx)
}

// Close ends the current connection and stops reconnecting. It waits for the
// background goroutine if Start was called.
func (c *StreamClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.mu.Lock()
		if c.cancel != nil {
			c.cancel()
		}
		c.mu.Unlock()
	})

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
	return nil
}

// Done is closed when the client has reached the closed state.
func (c *StreamClient) Done() <-chan struct{} {
	return c.done
}

func (c *StreamClient) isClosed(ctx context.Context) bool {
	select {
	case <-c.closed:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *StreamClient) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.onState != nil {
		c.onState(s, err)
	}
}

func (c *StreamClient) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)
	defer c.setState(StateClosed, nil)

	c.backoff.Reset()
	for {
		if c.isClosed(ctx) {
			return
		}

		attemptCtx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancel = cancel
		c.attempts++
		c.mu.Unlock()

		// Close may have run between the check above and storing cancel.
		if c.isClosed(ctx) {
			cancel()
			return
		}

		c.setState(StateConnecting, nil)
		err := c.attempt(attemptCtx)
		cancel()

		if c.isClosed(ctx) {
			return
		}

		c.setState(StateError, err)
		c.setState(StateReconnecting, err)

		wait := time.NewTimer(c.backoff.NextBackOff())
		select {
		case <-wait.C:
		case <-c.closed:
			wait.Stop()
			return
		case <-ctx.Done():
			wait.Stop()
			return
		}
	}
}

// attempt runs one connection until it fails or ctx ends.
func (c *StreamClient) attempt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	req.Header = c.header.Clone()
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream status %d", resp.StatusCode)
	}

	c.setState(StateOpen, nil)

	p := NewParser(resp.Body)
	for {
		ev, err := p.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return err
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
