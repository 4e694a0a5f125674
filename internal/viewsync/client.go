package viewsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/tablekeep/campaignd/internal/campaign"
)

// Logger is the subset of *log.Logger the client needs.
type Logger interface {
	Printf(format string, args ...any)
}

// Options configures a Client. BaseURL and OnRender are required; every
// interval has a sensible default so callers only override what they test.
type Options struct {
	// BaseURL points at the service root, e.g. "http://127.0.0.1:8080".
	BaseURL string
	// OnRender receives each document state whose signature differs from
	// the previously rendered one. Called from the client's goroutines.
	OnRender func(campaign.Document)

	HTTPClient *http.Client
	Logger     Logger

	InitialBackoff   time.Duration // reconnect delay floor, default 1s
	MaxBackoff       time.Duration // reconnect delay ceiling, default 15s
	WatchdogInterval time.Duration // staleness check cadence, default 5s
	PollInterval     time.Duration // fallback refetch cadence, default 5s
	ForegroundSlack  time.Duration // max signal silence while visible, default 15s
	BackgroundSlack  time.Duration // max signal silence while hidden, default 60s
	RequestTimeout   time.Duration // per HTTP request, default 10s
}

const (
	defaultInitialBackoff   = time.Second
	defaultMaxBackoff       = 15 * time.Second
	defaultWatchdogInterval = 5 * time.Second
	defaultPollInterval     = 5 * time.Second
	defaultForegroundSlack  = 15 * time.Second
	defaultBackgroundSlack  = 60 * time.Second
	defaultRequestTimeout   = 10 * time.Second
)

// Client keeps a local copy of the campaign document in sync with the
// service. It holds one push connection, refetches full state on every
// update signal, and falls back to polling whenever the push channel is
// down or silent for longer than the allowed slack.
type Client struct {
	baseURL    string
	wsURL      string
	onRender   func(campaign.Document)
	httpClient *http.Client
	logger     Logger

	initialBackoff   time.Duration
	maxBackoff       time.Duration
	watchdogInterval time.Duration
	pollInterval     time.Duration
	foregroundSlack  time.Duration
	backgroundSlack  time.Duration
	requestTimeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{}

	mu            sync.Mutex
	conn          *websocket.Conn
	backoff       time.Duration
	lastContact   time.Time
	foreground    bool
	lastSignature string
	started       bool
}

// New validates opts and returns an unstarted client.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("viewsync: base URL is required")
	}
	if opts.OnRender == nil {
		return nil, errors.New("viewsync: render callback is required")
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	wsURL := base
	switch {
	case strings.HasPrefix(base, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return nil, fmt.Errorf("viewsync: unsupported base URL scheme in %q", opts.BaseURL)
	}

	c := &Client{
		baseURL:          base,
		wsURL:            wsURL + "/api/stream",
		onRender:         opts.OnRender,
		httpClient:       opts.HTTPClient,
		logger:           opts.Logger,
		initialBackoff:   opts.InitialBackoff,
		maxBackoff:       opts.MaxBackoff,
		watchdogInterval: opts.WatchdogInterval,
		pollInterval:     opts.PollInterval,
		foregroundSlack:  opts.ForegroundSlack,
		backgroundSlack:  opts.BackgroundSlack,
		requestTimeout:   opts.RequestTimeout,
		kick:             make(chan struct{}, 1),
		foreground:       true,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = defaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}
	if c.watchdogInterval <= 0 {
		c.watchdogInterval = defaultWatchdogInterval
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.foregroundSlack <= 0 {
		c.foregroundSlack = defaultForegroundSlack
	}
	if c.backgroundSlack <= 0 {
		c.backgroundSlack = defaultBackgroundSlack
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = defaultRequestTimeout
	}
	c.backoff = c.initialBackoff
	return c, nil
}

// Start launches the connection manager, watchdog, and fallback poller.
// It fetches and renders the current state once before returning so the
// caller has a document even if the push channel never comes up.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.lastContact = time.Now()
	c.mu.Unlock()

	c.refetch()

	c.wg.Add(3)
	go c.runConnection()
	go c.runWatchdog()
	go c.runPoller()
}

// Close tears down the push connection and stops all background loops.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "closing")
	}
	c.wg.Wait()
}

// SetForeground records whether the view is visible. Regaining the
// foreground kicks an immediate reconnect instead of waiting out any
// pending backoff.
func (c *Client) SetForeground(visible bool) {
	c.mu.Lock()
	was := c.foreground
	c.foreground = visible
	c.mu.Unlock()
	if visible && !was {
		c.ForceReconnect()
	}
}

// ForceReconnect drops the current push connection, if any, and skips any
// backoff wait in progress. Used after a session or role change and by the
// watchdog when the channel has gone silent.
func (c *Client) ForceReconnect() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "reconnect")
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Connected reports whether a push connection is currently held.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// runConnection owns the push channel. It is the only goroutine that
// dials, so at most one connection attempt is ever in flight; everyone
// else asks for a reconnect by closing the handle and kicking.
func (c *Client) runConnection() {
	defer c.wg.Done()
	for {
		if c.ctx.Err() != nil {
			return
		}
		conn, err := c.dial()
		if err != nil {
			c.logf("viewsync: connect failed: %v", err)
			if !c.waitBackoff() {
				return
			}
			continue
		}
		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "closing")
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		if c.ctx.Err() != nil {
			return
		}
		if !c.waitBackoff() {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.requestTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.wsURL, nil)
	return conn, err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			return
		}
		var sig struct {
			Event string `json:"event"`
		}
		if err := json.Unmarshal(data, &sig); err != nil {
			c.logf("viewsync: bad signal payload: %v", err)
			continue
		}
		c.noteContact()
		if sig.Event == "update" {
			c.refetch()
		}
	}
}

// noteContact marks the channel live and resets the reconnect backoff.
func (c *Client) noteContact() {
	c.mu.Lock()
	c.lastContact = time.Now()
	c.backoff = c.initialBackoff
	c.mu.Unlock()
}

// nextBackoff returns the delay to wait before the next connection
// attempt and doubles the stored value up to the cap.
func (c *Client) nextBackoff() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.backoff
	c.backoff *= 2
	if c.backoff > c.maxBackoff {
		c.backoff = c.maxBackoff
	}
	if d > c.maxBackoff {
		d = c.maxBackoff
	}
	return d
}

// waitBackoff sleeps for the current backoff delay. A reconnect kick cuts
// the wait short. Returns false when the client is shutting down.
func (c *Client) waitBackoff() bool {
	timer := time.NewTimer(c.nextBackoff())
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-c.kick:
		return true
	case <-timer.C:
		return true
	}
}

func (c *Client) runWatchdog() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.stale() {
				c.logf("viewsync: push channel silent past slack, forcing reconnect")
				c.ForceReconnect()
			}
		}
	}
}

func (c *Client) stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	slack := c.foregroundSlack
	if !c.foreground {
		slack = c.backgroundSlack
	}
	return time.Since(c.lastContact) > slack
}

// runPoller covers the windows where push delivery cannot be trusted:
// while disconnected, and while the channel is silent past its slack.
func (c *Client) runPoller() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.Connected() || c.stale() {
				c.refetch()
			}
		}
	}
}

// refetch pulls the full document and hands it to the render callback
// when its signature differs from the last rendered state.
func (c *Client) refetch() {
	doc, err := c.fetchState()
	if err != nil {
		c.logf("viewsync: state fetch failed: %v", err)
		return
	}
	sig := Signature(*doc)
	c.mu.Lock()
	changed := sig != c.lastSignature
	if changed {
		c.lastSignature = sig
	}
	c.mu.Unlock()
	if changed {
		c.onRender(*doc)
	}
}

func (c *Client) fetchState() (*campaign.Document, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/state", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("state endpoint returned %s", resp.Status)
	}
	var doc campaign.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &doc, nil
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}
