package sseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/mcpwire/mcpwire/sessions"
	"github.com/mcpwire/mcpwire/sse"
)

const (
	mcpSessionIDHeader = "Mcp-Session-Id"

	ssePath = "/sse"
	mcpPath = "/mcp"
)

// probeBody is the zero-payload protocol message used to detect streamable
// transport support.
const probeBody = `{"jsonrpc":"2.0","method":"ping","id":0}`

var (
	// ErrNotConnected indicates Send was called before Connect resolved a
	// transport.
	ErrNotConnected = errors.New("client not connected")
	// ErrAlreadyConnected indicates Connect was called twice.
	ErrAlreadyConnected = errors.New("client already connected")
)

// Option configures the Client.
type Option func(*newConfig)

type newConfig struct {
	logger     *slog.Logger
	httpClient *http.Client
}

// WithLogger sets the slog logger used by the client.
func WithLogger(log *slog.Logger) Option {
	return func(c *newConfig) { c.logger = log }
}

// WithHTTPClient sets the HTTP client used for all requests, including the
// long-lived legacy event stream.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *newConfig) { c.httpClient = hc }
}

// Client talks to an MCP server over whichever HTTP transport the server
// supports. Connect resolves the transport exactly once; Send and Messages
// are then valid until Close.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	log        *slog.Logger

	mu           sync.Mutex
	connected    bool
	endpoint     *url.URL
	mode         sessions.Mode
	sessionID    string
	cancelStream context.CancelFunc

	readyOnce sync.Once
	messages  chan json.RawMessage
}

// New builds a Client for the server at baseURL (scheme and host; paths are
// fixed by the protocol).
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	cfg := &newConfig{logger: slog.Default(), httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		baseURL:    u,
		httpClient: cfg.httpClient,
		log:        cfg.logger,
		messages:   make(chan json.RawMessage, 16),
	}, nil
}

// urlFor resolves a protocol path against the base URL, preserving any path
// prefix the server is mounted under.
func (c *Client) urlFor(path string) *url.URL {
	u := *c.baseURL
	u.Path = strings.TrimSuffix(c.baseURL.Path, "/") + path
	u.RawQuery = ""
	return &u
}

// Connect resolves the transport mode: streamable when the probe succeeds,
// legacy otherwise. It returns once the client is ready to Send, or when ctx
// ends first. Selection is sticky; Connect may be called only once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.connected = true
	c.mu.Unlock()

	if c.tryStreamable(ctx) {
		return nil
	}
	return c.fallbackLegacy(ctx)
}

// tryStreamable issues the probe. Any failure (transport error, missing
// header, malformed token) means unconditional fallback, never an error.
func (c *Client) tryStreamable(ctx context.Context) bool {
	target := c.urlFor(mcpPath)
	c.log.Debug("transport.probe.start", slog.String("url", target.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader([]byte(probeBody)))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debug("transport.probe.fail", slog.String("err", err.Error()))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Debug("transport.probe.rejected", slog.Int("status", resp.StatusCode))
		return false
	}
	token, err := sessions.ParseToken(resp.Header.Get(mcpSessionIDHeader))
	if err != nil {
		c.log.Debug("transport.probe.session_id.invalid", slog.String("err", err.Error()))
		return false
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Debug("transport.probe.body.fail", slog.String("err", err.Error()))
		return false
	}

	c.mu.Lock()
	c.mode = sessions.ModeStreamable
	c.sessionID = token
	c.endpoint = target
	c.mu.Unlock()

	if len(body) > 0 && json.Valid(body) {
		select {
		case c.messages <- json.RawMessage(body):
		default:
			c.log.Warn("message.dropped", slog.String("reason", "receive buffer full"))
		}
	}

	c.log.Debug("transport.streamable.ok", slog.String("session_id", token))
	return true
}

// fallbackLegacy opens the persistent event stream and waits for the first
// endpoint event to learn the message-send address.
func (c *Client) fallbackLegacy(ctx context.Context) error {
	c.log.Debug("transport.legacy.fallback")

	// The stream outlives Connect; it is tied to Close, not to ctx.
	streamCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.cancelStream = cancel
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.urlFor(ssePath).String(), nil)
	if err != nil {
		cancel()
		return fmt.Errorf("build event stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("open event stream: unexpected status %d", resp.StatusCode)
	}

	ready := make(chan struct{})
	go c.readLoop(streamCtx, resp.Body, ready)

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// readLoop feeds the frame decoder until the stream ends. The decoder owns
// its accumulation buffer; nothing here is shared with other connections.
func (c *Client) readLoop(ctx context.Context, body io.ReadCloser, ready chan struct{}) {
	defer body.Close()
	defer close(c.messages)

	dec := sse.NewDecoder(sse.WithDecoderLogger(c.log))
	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				c.handleEvent(ctx, ev, ready)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.log.Warn("sse.stream.read.fail", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (c *Client) handleEvent(ctx context.Context, ev sse.Event, ready chan struct{}) {
	switch ev.Key {
	case sse.EventEndpoint:
		path, query := sse.SplitEndpoint(string(ev.Data))
		u := *c.urlFor(path)
		u.RawQuery = query

		c.mu.Lock()
		c.mode = sessions.ModeLegacy
		c.endpoint = &u
		c.mu.Unlock()

		c.log.Debug("transport.legacy.ok", slog.String("endpoint", u.String()))
		c.readyOnce.Do(func() { close(ready) })
	case sse.EventMessage:
		if !json.Valid(ev.Data) {
			c.log.Warn("sse.message.invalid_json")
			return
		}
		select {
		case c.messages <- json.RawMessage(ev.Data):
		case <-ctx.Done():
		}
	default:
		c.log.Warn("sse.event.unknown", slog.String("key", ev.Key))
	}
}

// Send POSTs a protocol message to the resolved endpoint. In streamable mode
// the session header is attached and a JSON reply body, if any, is delivered
// on Messages; in legacy mode replies arrive on the event stream instead.
func (c *Client) Send(ctx context.Context, payload json.RawMessage) error {
	c.mu.Lock()
	endpoint := c.endpoint
	mode := c.mode
	sessionID := c.sessionID
	c.mu.Unlock()

	if endpoint == nil {
		return ErrNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if mode == sessions.ModeStreamable {
		req.Header.Set(mcpSessionIDHeader, sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send message: unexpected status %d", resp.StatusCode)
	}

	if mode == sessions.ModeStreamable && resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read reply body: %w", err)
		}
		if len(body) > 0 {
			if !json.Valid(body) {
				c.log.Warn("reply.invalid_json")
				return nil
			}
			select {
			case c.messages <- json.RawMessage(body):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// Notify sends a one-way message. Both transports send notifications the
// same way as regular messages; the streamable server acknowledges them with
// 202 and no body.
func (c *Client) Notify(ctx context.Context, payload json.RawMessage) error {
	return c.Send(ctx, payload)
}

// Messages returns the channel of decoded inbound messages. In legacy mode
// it is closed when the event stream ends; in streamable mode it stays open
// for the client's lifetime.
func (c *Client) Messages() <-chan json.RawMessage {
	return c.messages
}

// Mode returns the resolved transport mode, or "" before Connect completes.
func (c *Client) Mode() sessions.Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SessionID returns the negotiated session token. Legacy sessions carry no
// token on the client; their identity is implicit in the message endpoint.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Close tears down the legacy event stream, ending message delivery.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancelStream
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.httpClient.CloseIdleConnections()
	return nil
}
