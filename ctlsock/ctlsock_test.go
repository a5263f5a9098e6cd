package ctlsock

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/go-eventloop"
	"github.com/openrelayd/relayd/internal/rlog"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	hosts   map[string]bool
	tables  map[string]bool
	reload  string
	reset   string
	verbose bool
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{hosts: map[string]bool{}, tables: map[string]bool{}}
}

func (f *fakeHandler) Show(kind string) ([]string, error) {
	if kind == "hosts" {
		return []string{"host1 up", "host2 down"}, nil
	}
	return nil, nil
}

func (f *fakeHandler) HostEnable(id string, enable bool) error {
	f.hosts[id] = enable
	return nil
}

func (f *fakeHandler) TableEnable(id string, enable bool) error {
	f.tables[id] = enable
	return nil
}

func (f *fakeHandler) Reload(file string) error {
	f.reload = file
	return nil
}

func (f *fakeHandler) Reset(scope string) error {
	f.reset = scope
	return nil
}

func (f *fakeHandler) SetLogLevel(verbose bool) error {
	f.verbose = verbose
	return nil
}

func newTestServer(t *testing.T) (*Server, *fakeHandler, string) {
	t.Helper()
	loop, err := eventloop.New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	log := rlog.New(rlog.Config{Role: "ctlsock-test", Instance: -1})
	handler := newFakeHandler()
	srv := New(loop, log, handler)

	sock := filepath.Join(t.TempDir(), "ctl.sock")
	require.NoError(t, srv.Listen(sock))
	t.Cleanup(func() { srv.Close() })

	return srv, handler, sock
}

func sendCommand(t *testing.T, sock, line string) []string {
	t.Helper()
	conn, err := net.DialTimeout("unix", sock, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(line + "\n"))
	require.NoError(t, err)

	var lines []string
	scanner := bufio.NewScanner(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for scanner.Scan() {
		l := scanner.Text()
		if l == "END" {
			break
		}
		lines = append(lines, l)
	}
	return lines
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("host enable 3")
	require.NoError(t, err)
	require.Equal(t, "HOST", cmd.Verb)
	require.Equal(t, []string{"enable", "3"}, cmd.Args)

	_, err = ParseCommand("   ")
	require.Error(t, err)
}

func TestServerShow(t *testing.T) {
	_, _, sock := newTestServer(t)
	lines := sendCommand(t, sock, "SHOW hosts")
	require.Equal(t, []string{"host1 up", "host2 down"}, lines)
}

func TestServerHostEnable(t *testing.T) {
	_, handler, sock := newTestServer(t)
	lines := sendCommand(t, sock, "HOST enable 7")
	require.Empty(t, lines)
	require.True(t, handler.hosts["7"])

	sendCommand(t, sock, "HOST disable 7")
	require.False(t, handler.hosts["7"])
}

func TestServerReloadAndReset(t *testing.T) {
	_, handler, sock := newTestServer(t)
	sendCommand(t, sock, "RELOAD /etc/relayd.conf")
	require.Equal(t, "/etc/relayd.conf", handler.reload)

	sendCommand(t, sock, "RESET hosts")
	require.Equal(t, "hosts", handler.reset)
}

func TestServerLog(t *testing.T) {
	_, handler, sock := newTestServer(t)
	sendCommand(t, sock, "LOG verbose")
	require.True(t, handler.verbose)
	sendCommand(t, sock, "LOG brief")
	require.False(t, handler.verbose)
}

func TestServerUnknownCommandFails(t *testing.T) {
	conn, handler, sock := func() (net.Conn, *fakeHandler, string) {
		_, h, s := newTestServer(t)
		c, err := net.DialTimeout("unix", s, time.Second)
		require.NoError(t, err)
		return c, h, s
	}()
	_ = handler
	defer conn.Close()

	_, err := conn.Write([]byte("BOGUS\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.True(t, scanner.Scan())
	require.Contains(t, scanner.Text(), "CTL_FAIL")
	_ = sock
}
