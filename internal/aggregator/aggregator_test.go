package aggregator

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/corvid-systems/mcpgate/internal/connector"
	"github.com/corvid-systems/mcpgate/internal/protocol"
)

// stubTransport answers initialize immediately and tools/list with a
// fixed, server-specific tool name; it never replies to anything else.
type stubTransport struct {
	out      chan []byte
	toolName string
	fail     bool
}

func newStubTransport(toolName string, fail bool) *stubTransport {
	return &stubTransport{out: make(chan []byte, 8), toolName: toolName, fail: fail}
}

func (s *stubTransport) Open(ctx context.Context) (<-chan []byte, error) { return s.out, nil }

func (s *stubTransport) Send(ctx context.Context, data []byte) error {
	msg, rpcErr := protocol.ValidateMessage(data)
	if rpcErr != nil || msg.Kind != protocol.KindRequest {
		return nil
	}
	switch msg.Method {
	case protocol.MethodInitialize:
		raw, _ := protocol.EncodeResult(msg.ID, protocol.InitializeResult{
			ProtocolVersion: protocol.SupportedVersions[0],
			ServerInfo:      protocol.ServerInfo{Name: s.toolName},
		})
		s.out <- raw
	case protocol.MethodToolsList:
		if s.fail {
			raw, _ := protocol.EncodeError(msg.ID, protocol.NewError(protocol.CodeInternalError, "boom", nil))
			s.out <- raw
			return nil
		}
		raw, _ := protocol.EncodeResult(msg.ID, protocol.ListToolsResult{Tools: []protocol.Tool{{Name: s.toolName}}})
		s.out <- raw
	}
	return nil
}

func (s *stubTransport) Close(ctx context.Context) error {
	close(s.out)
	return nil
}

func connectedConnector(t *testing.T, name string, fail bool) *connector.Connector {
	t.Helper()
	tr := newStubTransport(name, fail)
	c := connector.New(connector.Options{Name: name, ClientInfo: protocol.ClientInfo{Name: "mcpgate"}}, tr)
	if _, err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", name, err)
	}
	return c
}

func TestListToolsFanOutTagsServerName(t *testing.T) {
	a := New(nil, time.Minute)
	a.Add("alpha", connectedConnector(t, "alpha", false))
	a.Add("beta", connectedConnector(t, "beta", false))

	results, err := a.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 tagged results, got %d", len(results))
	}
	servers := map[string]bool{}
	for _, r := range results {
		servers[r.Server] = true
		if r.Value.Name != r.Server {
			t.Fatalf("tool not tagged with its own server: %+v", r)
		}
	}
	if !servers["alpha"] || !servers["beta"] {
		t.Fatalf("missing expected servers: %+v", servers)
	}
}

func TestListToolsElidesFailedServer(t *testing.T) {
	a := New(nil, time.Minute)
	a.Add("good", connectedConnector(t, "good", false))
	a.Add("bad", connectedConnector(t, "bad", true))

	results, err := a.ListTools(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Server != "good" {
		t.Fatalf("expected only the good server's tools, got %+v", results)
	}
}

func TestListToolsFailsWhenEveryServerFails(t *testing.T) {
	a := New(nil, time.Minute)
	a.Add("bad1", connectedConnector(t, "bad1", true))
	a.Add("bad2", connectedConnector(t, "bad2", true))

	if _, err := a.ListTools(context.Background()); err == nil {
		t.Fatal("expected an error when every server fails")
	}
}

func TestAddRootDuplicateRejected(t *testing.T) {
	a := New(nil, time.Minute)
	root := protocol.Root{URI: "file:///workspace", Name: "workspace"}
	if !a.AddRoot(context.Background(), root) {
		t.Fatal("expected first AddRoot to succeed")
	}
	if a.AddRoot(context.Background(), root) {
		t.Fatal("expected duplicate AddRoot to return false")
	}
	if len(a.Roots()) != 1 {
		t.Fatalf("expected 1 root, got %d", len(a.Roots()))
	}
}

func TestRemoveRootUnknownReturnsFalse(t *testing.T) {
	a := New(nil, time.Minute)
	if a.RemoveRoot(context.Background(), "file:///nope") {
		t.Fatal("expected RemoveRoot on unknown uri to return false")
	}
}

func TestResolveToolFindsOwningServerAndSchema(t *testing.T) {
	a := New(nil, time.Minute)
	a.Add("alpha", connectedConnector(t, "alpha", false))
	a.Add("beta", connectedConnector(t, "beta", false))

	if _, err := a.ListTools(context.Background()); err != nil {
		t.Fatal(err)
	}

	c, server, cached, ok := a.ResolveTool("", "beta")
	if !ok || c == nil {
		t.Fatal("expected to resolve the tool exposed by beta")
	}
	if server != "beta" {
		t.Fatalf("expected resolved server beta, got %q", server)
	}
	if cached != nil {
		t.Fatal("expected no cached result on first call")
	}
	if _, ok := a.ToolInputSchema(server, "beta"); !ok {
		t.Fatal("expected the owning server's cached tool entry to be found for schema lookup")
	}
}

func TestOrderedNamesIsDeterministicAcrossCalls(t *testing.T) {
	a := New(nil, time.Minute)
	a.Add("zeta", connectedConnector(t, "zeta", false))
	a.Add("alpha", connectedConnector(t, "alpha", false))
	a.Add("mu", connectedConnector(t, "mu", false))

	for i := 0; i < 5; i++ {
		got := orderedNames(a.snapshot())
		want := []string{"alpha", "mu", "zeta"}
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("expected %v, got %v", want, got)
			}
		}
	}
}

func TestIsMutatingMatchesConfiguredPatterns(t *testing.T) {
	a := New(nil, time.Minute)
	a.MutationPatterns = []*regexp.Regexp{regexp.MustCompile(`^(delete|write)_`)}
	if !a.IsMutating("delete_file") {
		t.Fatal("expected delete_file to match a mutation pattern")
	}
	if a.IsMutating("read_file") {
		t.Fatal("expected read_file to not match a mutation pattern")
	}
}
