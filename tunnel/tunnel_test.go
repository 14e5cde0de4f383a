package tunnel

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// testServer is an ssh server supporting password auth, port forwarding
// and an echoing "shell".
type testServer struct {
	addr  string
	dials atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "user" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := &testServer{addr: ln.Addr().String()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(conn, config)
		}
	}()
	return srv
}

func (s *testServer) handle(conn net.Conn, config *ssh.ServerConfig) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		switch newCh.ChannelType() {
		case "direct-tcpip":
			var target struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(newCh.ExtraData(), &target); err != nil {
				_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			remote, err := net.Dial("tcp", net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port))))
			if err != nil {
				_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
				continue
			}
			s.dials.Add(1)
			ch, chReqs, err := newCh.Accept()
			if err != nil {
				_ = remote.Close()
				continue
			}
			go ssh.DiscardRequests(chReqs)
			go func() {
				defer ch.Close()
				defer remote.Close()
				go func() { _, _ = io.Copy(remote, ch) }()
				_, _ = io.Copy(ch, remote)
			}()
		case "session":
			ch, chReqs, err := newCh.Accept()
			if err != nil {
				continue
			}
			go func() {
				for req := range chReqs {
					_ = req.Reply(true, nil)
				}
			}()
			go func() {
				defer ch.Close()
				_, _ = io.Copy(ch, ch)
			}()
		default:
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
		}
	}
}

func (s *testServer) config(t *testing.T) *Config {
	host, port, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return &Config{Host: host, Port: p, User: "user", Password: "secret", Timeout: time.Second}
}

// newEchoServer answers every line with "echo: <line>".
func newEchoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					_, _ = fmt.Fprintf(conn, "echo: %s\n", scanner.Text())
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func roundTrip(t *testing.T, addr, line string) string {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = fmt.Fprintf(conn, "%s\n", line)
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return reply
}

func TestTunnel_Forward(t *testing.T) {
	r := require.New(t)
	srv := newTestServer(t)
	remote := newEchoServer(t)

	tun, err := Open(context.Background(), srv.config(t), remote, nil)
	r.NoError(err)
	defer tun.Close()

	r.True(tun.Alive())
	r.Equal("echo: hello\n", roundTrip(t, tun.LocalAddr(), "hello"))
	r.Equal("echo: again\n", roundTrip(t, tun.LocalAddr(), "again"))
	r.EqualValues(2, srv.dials.Load())

	r.NoError(tun.Close())
	r.False(tun.Alive())
	tun.Wait()
}

func TestTunnel_AuthFailure(t *testing.T) {
	r := require.New(t)
	srv := newTestServer(t)

	cfg := srv.config(t)
	cfg.Password = "wrong"
	_, err := Open(context.Background(), cfg, "127.0.0.1:1", nil)
	r.ErrorContains(err, "ssh.NewClientConn")
}

func TestRegistry_Get(t *testing.T) {
	r := require.New(t)
	srv := newTestServer(t)
	remote := newEchoServer(t)
	reg := NewRegistry(nil)
	ctx := context.Background()

	first, err := reg.Get(ctx, "conn-1", srv.config(t), remote)
	r.NoError(err)
	second, err := reg.Get(ctx, "conn-1", srv.config(t), remote)
	r.NoError(err)
	r.Same(first, second)

	other, err := reg.Get(ctx, "conn-2", srv.config(t), remote)
	r.NoError(err)
	r.NotSame(first, other)

	// a dead tunnel is replaced
	r.NoError(first.Close())
	third, err := reg.Get(ctx, "conn-1", srv.config(t), remote)
	r.NoError(err)
	r.NotSame(first, third)
	r.Equal("echo: x\n", roundTrip(t, third.LocalAddr(), "x"))

	r.NoError(reg.Close("conn-1"))
	r.False(third.Alive())
	r.NoError(reg.CloseAll())
	r.False(other.Alive())
}

func TestShell(t *testing.T) {
	r := require.New(t)
	srv := newTestServer(t)

	sh, err := OpenShell(context.Background(), srv.config(t), 80, 24)
	r.NoError(err)

	r.NoError(sh.Resize(120, 40))
	_, err = sh.Write([]byte("ls\n"))
	r.NoError(err)

	select {
	case out := <-sh.Output():
		r.Equal("ls\n", string(out))
	case <-time.After(2 * time.Second):
		r.Fail("no shell output")
	}

	r.NoError(sh.Close())
}
