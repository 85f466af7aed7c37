package stdio

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/toolscope/toolscope/internal/port/inbound"
	"github.com/toolscope/toolscope/internal/port/outbound"
	"github.com/toolscope/toolscope/internal/service"
)

var _ inbound.Frontend = (*StdioTransport)(nil)

// noSessions is a SessionProvider with nothing registered.
type noSessions struct{}

func (noSessions) Get(name string) (outbound.MCPClient, error) {
	return nil, errors.New("no such server")
}
func (noSessions) IsConnected(name string) bool { return false }
func (noSessions) ConnectedNames() []string     { return nil }
func (noSessions) RegisteredNames() []string    { return nil }

// memStore is an in-memory outbound.Store.
type memStore struct {
	mu      sync.Mutex
	records map[string]map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]map[string][]byte)}
}

func (s *memStore) Put(kind, id string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[kind] == nil {
		s.records[kind] = make(map[string][]byte)
	}
	s.records[kind][id] = append([]byte(nil), blob...)
	return nil
}

func (s *memStore) Get(kind, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.records[kind][id]
	if !ok {
		return nil, outbound.ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

func (s *memStore) List(kind string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.records[kind] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) Delete(kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[kind], id)
	return nil
}

func (s *memStore) Close() error { return nil }

func newTestTransport(t *testing.T) *StdioTransport {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	discovery := service.NewDiscoveryService(service.DiscoveryOptions{}, noSessions{}, nil, logger)
	t.Cleanup(discovery.Stop)

	router := service.NewRouter(service.RouterOptions{}, discovery, noSessions{}, nil, logger)
	router.SetReady(true)

	toolsets := service.NewToolsetManager(service.ToolsetManagerOptions{}, newMemStore(), discovery, logger)
	t.Cleanup(toolsets.Stop)

	frontend := service.NewFrontend(service.FrontendOptions{}, router, discovery, toolsets, nil, logger)
	return NewStdioTransport(frontend)
}

func TestNewStdioTransport(t *testing.T) {
	transport := newTestTransport(t)
	if transport == nil {
		t.Fatal("expected non-nil transport")
	}
	if transport.frontend == nil {
		t.Error("expected frontend to be set")
	}
}

func TestStdioTransportClose(t *testing.T) {
	transport := newTestTransport(t)
	if err := transport.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}

// TestStdioTransportServesHandshake swaps os.Stdin/os.Stdout for pipes and
// drives an initialize round trip through Start.
func TestStdioTransportServesHandshake(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	transport := newTestTransport(t)

	origStdin, origStdout := os.Stdin, os.Stdout
	defer func() { os.Stdin, os.Stdout = origStdin, origStdout }()

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatalf("stdin pipe: %v", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("stdout pipe: %v", err)
	}
	os.Stdin = stdinR
	os.Stdout = stdoutW

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.Start(ctx)
	}()

	request := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"0"}}}` + "\n"
	if _, err := stdinW.Write([]byte(request)); err != nil {
		t.Fatalf("write to stdin: %v", err)
	}

	lineCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 0, 4096)
		tmp := make([]byte, 1024)
		for {
			n, err := stdoutR.Read(tmp)
			if err != nil {
				lineCh <- buf
				return
			}
			buf = append(buf, tmp[:n]...)
			if len(buf) > 0 && buf[len(buf)-1] == '\n' {
				lineCh <- buf
				return
			}
		}
	}()

	var line []byte
	select {
	case line = <-lineCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initialize response")
	}

	var resp struct {
		ID     int `json:"id"`
		Result struct {
			ServerInfo struct {
				Name string `json:"name"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		t.Fatalf("parse response %q: %v", line, err)
	}
	if resp.ID != 1 {
		t.Errorf("response id = %d, want 1", resp.ID)
	}
	if resp.Result.ServerInfo.Name != "toolscope" {
		t.Errorf("serverInfo.name = %q, want toolscope", resp.Result.ServerInfo.Name)
	}

	// Closing stdin ends the session.
	_ = stdinW.Close()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for transport to stop")
	}

	_ = stdinR.Close()
	_ = stdoutR.Close()
	_ = stdoutW.Close()
}
