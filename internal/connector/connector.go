package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corvid-systems/mcpgate/internal/protocol"
)

// RequestHandler answers a server-initiated request. It must return
// either a result or an error, never both.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (result json.RawMessage, rpcErr *protocol.RPCError)

// NotificationHandler observes a server-initiated notification.
type NotificationHandler func(method string, params json.RawMessage)

// Options configures a Connector at construction time.
type Options struct {
	Name         string
	ClientInfo   protocol.ClientInfo
	Capabilities protocol.ClientCapabilities

	OnRequest      RequestHandler
	OnNotification NotificationHandler

	Logger *slog.Logger
}

type pendingEntry struct {
	method    string
	startedAt time.Time
	resultCh  chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// Connector is a single client-side JSON-RPC endpoint bound to one server
// via one Transport. At most one Connector exists per name within an
// Aggregator (see internal/aggregator).
type Connector struct {
	name         string
	clientInfo   protocol.ClientInfo
	capabilities protocol.ClientCapabilities
	transport    Transport
	log          *slog.Logger

	onRequest      RequestHandler
	onNotification NotificationHandler

	mu              sync.Mutex
	state           State
	pending         map[string]*pendingEntry
	nextID          atomic.Int64
	serverInfo      *protocol.ServerInfo
	serverCaps      *protocol.ServerCapabilities
	protocolVersion string
	connectFuture   *connectFuture
	pumpDone        chan struct{}

	lastCursor map[string]string // method -> last-seen nextCursor, for cursor-loop detection
}

type connectFuture struct {
	done   chan struct{}
	result *protocol.InitializeResult
	err    error
}

// New constructs a disconnected Connector bound to transport.
func New(opts Options, transport Transport) *Connector {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Connector{
		name:           opts.Name,
		clientInfo:     opts.ClientInfo,
		capabilities:   opts.Capabilities,
		transport:      transport,
		log:            log.With("connector", opts.Name),
		onRequest:      opts.OnRequest,
		onNotification: opts.OnNotification,
		state:          StateDisconnected,
		pending:        make(map[string]*pendingEntry),
		lastCursor:     make(map[string]string),
	}
}

// Name returns the connector's name.
func (c *Connector) Name() string { return c.name }

// Status returns a snapshot of the connector's externally observable state.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{Name: c.name, Status: c.state.String(), ProtocolVersion: c.protocolVersion}
}

// ServerInfo returns the negotiated server info, or nil if never connected.
func (c *Connector) ServerInfo() *protocol.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the negotiated server capabilities, or nil.
func (c *Connector) ServerCapabilities() *protocol.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// Connect performs the initialize handshake. Concurrent calls while a
// connect is already in flight return the same pending future
// (one-flight); this yields exactly one initialize request on the wire.
func (c *Connector) Connect(ctx context.Context) (*protocol.InitializeResult, error) {
	c.mu.Lock()
	switch c.state {
	case StateConnected:
		res := &protocol.InitializeResult{
			ProtocolVersion: c.protocolVersion,
			ServerInfo:      *c.serverInfo,
			Capabilities:    *c.serverCaps,
		}
		c.mu.Unlock()
		return res, nil
	case StateConnecting:
		future := c.connectFuture
		c.log.Warn("connect called while already connecting; joining in-flight attempt")
		c.mu.Unlock()
		<-future.done
		return future.result, future.err
	}
	c.state = StateConnecting
	future := &connectFuture{done: make(chan struct{})}
	c.connectFuture = future
	c.mu.Unlock()

	result, err := c.doConnect(ctx)

	c.mu.Lock()
	future.result, future.err = result, err
	if err != nil {
		c.state = StateDisconnected
	} else {
		c.state = StateConnected
	}
	c.connectFuture = nil
	c.mu.Unlock()
	close(future.done)

	return result, err
}

func (c *Connector) doConnect(ctx context.Context) (*protocol.InitializeResult, error) {
	inbound, err := c.transport.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open transport: %w", err)
	}

	c.mu.Lock()
	c.pumpDone = make(chan struct{})
	c.mu.Unlock()
	go c.pump(inbound)

	initParams := protocol.InitializeParams{
		ProtocolVersion: protocol.SupportedVersions[0],
		Capabilities:    c.capabilities,
		ClientInfo:      c.clientInfo,
	}
	raw, err := c.call(ctx, protocol.MethodInitialize, initParams, true)
	if err != nil {
		c.abortMidHandshake()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var initResult protocol.InitializeResult
	if err := json.Unmarshal(raw, &initResult); err != nil {
		c.abortMidHandshake()
		return nil, fmt.Errorf("unmarshal initialize result: %w", err)
	}
	if !protocol.IsSupportedVersion(initResult.ProtocolVersion) {
		c.abortMidHandshake()
		return nil, fmt.Errorf("%w: server negotiated unsupported protocol version %q (supported: %v)",
			protocol.NewError(protocol.CodeInvalidParams, "unsupported protocol version", nil),
			initResult.ProtocolVersion, protocol.SortedSupportedVersions())
	}

	c.mu.Lock()
	c.serverInfo = &initResult.ServerInfo
	c.serverCaps = &initResult.Capabilities
	c.protocolVersion = initResult.ProtocolVersion
	c.mu.Unlock()

	if err := c.SendNotification(ctx, protocol.MethodInitialized, nil); err != nil {
		c.abortMidHandshake()
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	return &initResult, nil
}

// abortMidHandshake is called when connect() fails or is interrupted by a
// concurrent disconnect while the handshake is still in flight.
func (c *Connector) abortMidHandshake() {
	_ = c.transport.Close(context.Background())
}

// Disconnect is idempotent: it cancels all pending requests with a
// terminal error, transitions to disconnected, and closes the transport.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	wasConnecting := c.state == StateConnecting
	future := c.connectFuture
	c.state = StateDisconnecting
	c.mu.Unlock()

	if wasConnecting && future != nil {
		// Let the in-flight connect() observe the disconnect explicitly
		// rather than racing it; it will see transport.Close() below and
		// its pending call rejected by rejectAllPending.
	}

	c.rejectAllPending(fmt.Errorf("connector disconnected"))

	err := c.transport.Close(ctx)

	c.mu.Lock()
	c.state = StateDisconnected
	c.serverInfo = nil
	c.serverCaps = nil
	c.protocolVersion = ""
	c.mu.Unlock()

	if wasConnecting && future != nil {
		select {
		case <-future.done:
		default:
			// doConnect's in-flight call() will itself fail once pending
			// is rejected above, and Connect()'s goroutine will close
			// future.done; nothing further to do here.
		}
	}

	return err
}

func (c *Connector) rejectAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.mu.Unlock()

	for _, entry := range pending {
		entry.resultCh <- pendingResult{err: err}
	}
}

// SendRequest sends method/params and waits for the correlated response.
// It rejects immediately if the connector is not connected.
func (c *Connector) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateConnected {
		return nil, fmt.Errorf("sendRequest on %s: not connected (state=%s)", c.name, state)
	}
	return c.call(ctx, method, params, false)
}

// call is the shared implementation behind the initialize handshake and
// SendRequest. It performs no state check itself and ignores its bool
// argument; SendRequest rejects calls before StateConnected, while the
// handshake calls it directly for "initialize".
func (c *Connector) call(ctx context.Context, method string, params any, _ bool) (json.RawMessage, error) {
	id := c.nextID.Add(1) - 1
	idRaw := json.RawMessage(strconv.FormatInt(id, 10))

	raw, err := protocol.EncodeRequest(idRaw, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	entry := &pendingEntry{method: method, startedAt: time.Now(), resultCh: make(chan pendingResult, 1)}
	key := string(idRaw)

	c.mu.Lock()
	c.pending[key] = entry
	c.mu.Unlock()

	if err := c.transport.Send(ctx, raw); err != nil {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, fmt.Errorf("transport send: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res := <-entry.resultCh:
		return res.result, res.err
	}
}

// SendNotification fires a one-way message. It rejects only on transport
// failure.
func (c *Connector) SendNotification(ctx context.Context, method string, params any) error {
	raw, err := protocol.EncodeNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if err := c.transport.Send(ctx, raw); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// pump is the connector's single inbound-dispatch goroutine. Inbound
// messages are observed and dispatched in arrival order, preserving
// causal order between responses and notifications on the same
// transport (spec.md §5).
func (c *Connector) pump(inbound <-chan []byte) {
	defer func() {
		c.mu.Lock()
		done := c.pumpDone
		c.pumpDone = nil
		c.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	for raw := range inbound {
		msg, rpcErr := protocol.ValidateMessage(raw)
		if rpcErr != nil {
			c.log.Warn("received malformed JSON-RPC message", "error", rpcErr, "line", truncate(raw, 200))
			continue
		}
		c.dispatch(msg)
	}

	// Transport closed: the remote side is gone. If we were connected,
	// reject pending requests and drop to disconnected; no further
	// callbacks fire.
	c.mu.Lock()
	wasConnected := c.state == StateConnected || c.state == StateConnecting
	c.state = StateDisconnected
	c.mu.Unlock()
	if wasConnected {
		c.rejectAllPending(fmt.Errorf("transport closed"))
	}
}

func (c *Connector) dispatch(msg *protocol.Message) {
	switch msg.Kind {
	case protocol.KindResponse:
		c.resolvePending(string(msg.ID), pendingResult{result: msg.Result})
	case protocol.KindErrorResponse:
		c.resolvePending(string(msg.ID), pendingResult{err: msg.Err})
	case protocol.KindRequest:
		c.handleInboundRequest(msg)
	case protocol.KindNotification:
		if c.onNotification != nil {
			c.onNotification(msg.Method, msg.Params)
		} else {
			c.log.Info("dropped notification with no handler configured", "method", msg.Method)
		}
	}
}

func (c *Connector) resolvePending(key string, res pendingResult) {
	c.mu.Lock()
	entry, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.log.Warn("received response for unknown request id", "id", key)
		return
	}
	entry.resultCh <- res
}

func (c *Connector) handleInboundRequest(msg *protocol.Message) {
	ctx := context.Background()
	var result json.RawMessage
	var rpcErr *protocol.RPCError

	if c.onRequest != nil {
		result, rpcErr = c.onRequest(ctx, msg.Method, msg.Params)
	} else {
		rpcErr = protocol.NewError(protocol.CodeMethodNotFound, fmt.Sprintf("%s not enabled", msg.Method), nil)
	}

	var raw []byte
	var err error
	if rpcErr != nil {
		raw, err = protocol.EncodeError(msg.ID, rpcErr)
	} else {
		raw, err = protocol.EncodeResult(msg.ID, result)
	}
	if err != nil {
		c.log.Error("encode reply to inbound request", "error", err)
		return
	}
	if err := c.transport.Send(ctx, raw); err != nil {
		c.log.Error("send reply to inbound request", "error", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "...(truncated)"
}
