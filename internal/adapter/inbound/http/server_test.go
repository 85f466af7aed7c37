package http

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"
)

// freeAddr reserves a localhost port and releases it for the server.
func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestObservabilityServerServesMetricsAndHealth(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "toolscope",
		Name:      "test_events_total",
		Help:      "Test counter.",
	})
	reg.MustRegister(counter)
	counter.Add(3)

	addr := freeAddr(t)
	srv := NewObservabilityServer(reg,
		WithAddr(addr),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithHealthChecker(NewHealthChecker(fakeSessions{}, fakeCatalog{}, fakeRouter{ready: true}, "test")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	get := func(path string) (int, string) {
		t.Helper()
		var resp *http.Response
		var err error
		deadline := time.Now().Add(2 * time.Second)
		for {
			resp, err = http.Get(fmt.Sprintf("http://%s%s", addr, path))
			if err == nil {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("GET %s: %v", path, err)
			}
			time.Sleep(10 * time.Millisecond)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Errorf("/metrics status = %d", code)
	}
	if !strings.Contains(body, "toolscope_test_events_total 3") {
		t.Errorf("/metrics missing registered counter:\n%s", body)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("/metrics missing runtime collector output")
	}

	code, body = get("/health")
	if code != http.StatusOK {
		t.Errorf("/health status = %d", code)
	}
	if !strings.Contains(body, `"status":"healthy"`) {
		t.Errorf("/health body = %s", body)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for server shutdown")
	}
}
