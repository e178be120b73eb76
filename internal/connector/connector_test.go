package connector

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/corvid-systems/mcpgate/internal/protocol"
)

// fakeTransport is an in-memory Transport for exercising the connector's
// state machine and request correlation without a real process or socket.
type fakeTransport struct {
	mu      sync.Mutex
	out     chan []byte
	sent    [][]byte
	onSend  func(data []byte) // test hook: respond synchronously to a sent frame
	closed  bool
	openErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{out: make(chan []byte, 16)}
}

func (f *fakeTransport) Open(ctx context.Context) (<-chan []byte, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f.out, nil
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	if f.onSend != nil {
		f.onSend(data)
	}
	return nil
}

func (f *fakeTransport) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.out)
	}
	return nil
}

func (f *fakeTransport) reply(id json.RawMessage, result any) {
	raw, _ := protocol.EncodeResult(id, result)
	f.out <- raw
}

// autoInitReply wires onSend to answer the initialize request
// automatically, as a real server would.
func autoInitReply(f *fakeTransport) {
	f.onSend = func(data []byte) {
		msg, rpcErr := protocol.ValidateMessage(data)
		if rpcErr != nil || msg.Kind != protocol.KindRequest {
			return
		}
		if msg.Method == protocol.MethodInitialize {
			f.reply(msg.ID, protocol.InitializeResult{
				ProtocolVersion: protocol.SupportedVersions[0],
				ServerInfo:      protocol.ServerInfo{Name: "fake", Version: "0.0.1"},
				Capabilities:    protocol.ServerCapabilities{Tools: &protocol.ListChangedCapability{ListChanged: true}},
			})
		}
	}
}

func newTestConnector(ft *fakeTransport) *Connector {
	return New(Options{Name: "test", ClientInfo: protocol.ClientInfo{Name: "mcpgate", Version: "test"}}, ft)
}

func TestConnectLifecycle(t *testing.T) {
	ft := newFakeTransport()
	autoInitReply(ft)
	c := newTestConnector(ft)

	if got := c.Status().Status; got != "disconnected" {
		t.Fatalf("initial status = %s, want disconnected", got)
	}

	res, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if res.ServerInfo.Name != "fake" {
		t.Fatalf("unexpected server info: %+v", res.ServerInfo)
	}
	if got := c.Status().Status; got != "connected" {
		t.Fatalf("status after connect = %s, want connected", got)
	}

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if got := c.Status().Status; got != "disconnected" {
		t.Fatalf("status after disconnect = %s, want disconnected", got)
	}

	// Idempotent disconnect.
	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("second disconnect should be a no-op, got: %v", err)
	}
}

func TestConnectOneFlight(t *testing.T) {
	ft := newFakeTransport()
	var initCount int
	var mu sync.Mutex
	ft.onSend = func(data []byte) {
		msg, rpcErr := protocol.ValidateMessage(data)
		if rpcErr != nil || msg.Method != protocol.MethodInitialize {
			return
		}
		mu.Lock()
		initCount++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		ft.reply(msg.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.SupportedVersions[0],
			ServerInfo:      protocol.ServerInfo{Name: "fake"},
		})
	}
	c := newTestConnector(ft)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Connect(context.Background()); err != nil {
				t.Errorf("connect: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if initCount != 1 {
		t.Fatalf("expected exactly one initialize request on the wire, got %d", initCount)
	}
}

func TestSendRequestRejectsWhenNotConnected(t *testing.T) {
	ft := newFakeTransport()
	c := newTestConnector(ft)
	if _, err := c.SendRequest(context.Background(), "tools/list", nil); err == nil {
		t.Fatal("expected error sending request while disconnected")
	}
}

func TestDisconnectRejectsPendingRequests(t *testing.T) {
	ft := newFakeTransport()
	autoInitReply(ft)
	c := newTestConnector(ft)
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Don't auto-reply to tools/list; it should be rejected by Disconnect.
	errCh := make(chan error, 1)
	go func() {
		_, err := c.SendRequest(context.Background(), "tools/list", nil)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected pending request to be rejected on disconnect")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending request rejection")
	}
}

func TestPaginationConcatenatesPages(t *testing.T) {
	ft := newFakeTransport()
	page := 0
	ft.onSend = func(data []byte) {
		msg, rpcErr := protocol.ValidateMessage(data)
		if rpcErr != nil {
			return
		}
		switch msg.Method {
		case protocol.MethodInitialize:
			ft.reply(msg.ID, protocol.InitializeResult{ProtocolVersion: protocol.SupportedVersions[0], ServerInfo: protocol.ServerInfo{Name: "fake"}})
		case protocol.MethodToolsList:
			page++
			if page == 1 {
				ft.reply(msg.ID, protocol.ListToolsResult{Tools: []protocol.Tool{{Name: "tool1"}}, NextCursor: "c1"})
			} else {
				ft.reply(msg.ID, protocol.ListToolsResult{Tools: []protocol.Tool{{Name: "tool2"}}})
			}
		}
	}
	c := newTestConnector(ft)
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	tools, err := c.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 2 || tools[0].Name != "tool1" || tools[1].Name != "tool2" {
		t.Fatalf("unexpected pagination result: %+v", tools)
	}
}

func TestPaginationCursorLoopFails(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(data []byte) {
		msg, rpcErr := protocol.ValidateMessage(data)
		if rpcErr != nil {
			return
		}
		switch msg.Method {
		case protocol.MethodInitialize:
			ft.reply(msg.ID, protocol.InitializeResult{ProtocolVersion: protocol.SupportedVersions[0], ServerInfo: protocol.ServerInfo{Name: "fake"}})
		case protocol.MethodToolsList:
			ft.reply(msg.ID, protocol.ListToolsResult{Tools: []protocol.Tool{{Name: "tool1"}}, NextCursor: "stuck"})
		}
	}
	c := newTestConnector(ft)
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ListTools(context.Background()); err == nil {
		t.Fatal("expected cursor loop error")
	}
}

func TestUnsupportedProtocolVersionFailsInitialize(t *testing.T) {
	ft := newFakeTransport()
	ft.onSend = func(data []byte) {
		msg, rpcErr := protocol.ValidateMessage(data)
		if rpcErr != nil || msg.Method != protocol.MethodInitialize {
			return
		}
		ft.reply(msg.ID, protocol.InitializeResult{ProtocolVersion: "1999-01-01", ServerInfo: protocol.ServerInfo{Name: "fake"}})
	}
	c := newTestConnector(ft)
	if _, err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected failure for unsupported protocol version")
	}
}

func TestServerInitiatedRequestWithNoHandler(t *testing.T) {
	ft := newFakeTransport()
	autoInitReply(ft)
	c := newTestConnector(ft)
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	reqRaw, _ := protocol.EncodeRequest(json.RawMessage(`"srv-1"`), "sampling/createMessage", nil)
	ft.out <- reqRaw

	deadline := time.After(time.Second)
	for {
		ft.mu.Lock()
		n := len(ft.sent)
		ft.mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for reply to server-initiated request")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ft.mu.Lock()
	last := ft.sent[len(ft.sent)-1]
	ft.mu.Unlock()
	msg, rpcErr := protocol.ValidateMessage(last)
	if rpcErr != nil {
		t.Fatalf("unexpected parse error: %v", rpcErr)
	}
	if msg.Kind != protocol.KindErrorResponse {
		t.Fatalf("expected error response for unhandled server request, got %+v", msg)
	}
}

func TestDropsUnknownResponseID(t *testing.T) {
	ft := newFakeTransport()
	autoInitReply(ft)
	c := newTestConnector(ft)
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	ft.reply(json.RawMessage(`999`), map[string]string{"unexpected": "true"})
	time.Sleep(10 * time.Millisecond) // no crash, no hang is the assertion
}
