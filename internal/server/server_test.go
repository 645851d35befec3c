package server

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tigerwill90/kvdb/internal/command"
	"github.com/tigerwill90/kvdb/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// testServer starts a Server on an ephemeral loopback port and returns
// it along with its backing store; shutdown is registered via t.Cleanup.
func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st := store.New(store.WithLogger(discardLogger()))
	disp := command.New(st, discardLogger())
	srv := New(disp, WithHost("127.0.0.1"), WithPort("0"), WithLogger(discardLogger()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv.addr = ln.Addr().String()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		st.Close()
	})

	return srv, st
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	return nc, bufio.NewReader(nc)
}

func sendLine(t *testing.T, nc net.Conn, r *bufio.Reader, line string) string {
	t.Helper()
	_, err := nc.Write([]byte(line + "\n"))
	require.NoError(t, err)
	resp, err := r.ReadString('\n')
	require.NoError(t, err)
	return resp
}

func TestServerBasicSetGetOverTCP(t *testing.T) {
	srv, _ := testServer(t)
	nc, r := dial(t, srv.Addr())

	require.Equal(t, "OK\n", sendLine(t, nc, r, "SET foo bar"))
	require.Equal(t, "OK bar\n", sendLine(t, nc, r, "GET foo"))
	require.Equal(t, "ERROR Key not found\n", sendLine(t, nc, r, "GET missing"))
}

func TestServerHandlesMultipleConnectionsIndependently(t *testing.T) {
	srv, _ := testServer(t)

	nc1, r1 := dial(t, srv.Addr())
	nc2, r2 := dial(t, srv.Addr())

	require.Equal(t, "OK\n", sendLine(t, nc1, r1, "SET a 1"))
	require.Equal(t, "OK 1\n", sendLine(t, nc2, r2, "GET a"))
}

func TestServerWatchNotificationAcrossConnections(t *testing.T) {
	srv, _ := testServer(t)

	watcher, wr := dial(t, srv.Addr())
	setter, sr := dial(t, srv.Addr())

	require.Equal(t, "OK Watching foo for ALL operations\n", sendLine(t, watcher, wr, "WATCH foo ALL"))
	require.Equal(t, "OK\n", sendLine(t, setter, sr, "SET foo bar"))

	_ = watcher.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := wr.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "NOTIFICATION SET foo bar\n", line)
}

func TestServerRecoversFromPanicInDispatcher(t *testing.T) {
	st := store.New(store.WithLogger(discardLogger()))
	t.Cleanup(st.Close)
	disp := command.New(panickingStore{st}, discardLogger())
	srv := New(disp, WithHost("127.0.0.1"), WithPort("0"), WithLogger(discardLogger()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.addr = ln.Addr().String()
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	nc, r := dial(t, srv.Addr())
	require.Equal(t, "ERROR internal error\n", sendLine(t, nc, r, "GET boom"))
	// connection survives the panic and keeps serving subsequent commands
	require.Equal(t, "OK\n", sendLine(t, nc, r, "SET a 1"))
}

// panickingStore wraps a real command.Store but panics on Get, to
// exercise dispatchLoop's recover path deterministically.
type panickingStore struct {
	command.Store
}

func (panickingStore) Get(key string) (string, bool) {
	panic("boom")
}
