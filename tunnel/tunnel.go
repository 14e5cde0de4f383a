// Package tunnel forwards database connections and terminal sessions over ssh.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const defaultTimeout = 10 * time.Second

var ErrClosed = errors.New("tunnel is closed")

// Config describes an ssh endpoint.
type Config struct {
	Host          string        `koanf:"host" json:"host"`
	Port          int           `koanf:"port" json:"port"`
	User          string        `koanf:"user" json:"user"`
	Password      string        `koanf:"password" json:"-"`
	KeyFile       string        `koanf:"key_file" json:"key_file"`
	KeyPassphrase string        `koanf:"key_passphrase" json:"-"`
	KnownHosts    string        `koanf:"known_hosts" json:"known_hosts"`
	Timeout       time.Duration `koanf:"timeout" json:"timeout"`
}

// Enabled reports whether the config points at a server.
func (c *Config) Enabled() bool {
	return c != nil && c.Host != ""
}

func (c *Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c *Config) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.KeyFile != "" {
		key, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("os.ReadFile: %w", err)
		}

		var signer ssh.Signer
		if c.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(c.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(key)
		}
		if err != nil {
			return nil, fmt.Errorf("ssh.ParsePrivateKey: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		auth = append(auth, ssh.Password(c.Password))
	}

	// unknown hosts are accepted unless a known_hosts file is configured
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHosts != "" {
		cb, err := knownhosts.New(c.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("knownhosts.New: %w", err)
		}
		hostKeyCallback = cb
	}

	timeout := c.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// Dial connects and authenticates to the ssh server of cfg.
func Dial(ctx context.Context, cfg *Config) (*ssh.Client, error) {
	clientConfig, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: clientConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, fmt.Errorf("net.Dial: %w", err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, cfg.addr(), clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh.NewClientConn: %w", err)
	}
	return ssh.NewClient(c, chans, reqs), nil
}

// Tunnel listens on a local port and forwards every accepted connection
// to a remote address through an ssh client.
type Tunnel struct {
	client   *ssh.Client
	listener net.Listener
	remote   string
	log      *slog.Logger

	wg        sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// Open starts a tunnel to remote ("host:port" as seen from the ssh server).
func Open(ctx context.Context, cfg *Config, remote string, logger *slog.Logger) (*Tunnel, error) {
	client, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("net.Listen: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	t := &Tunnel{
		client:   client,
		listener: listener,
		remote:   remote,
		log:      logger.With("remote", remote, "ssh", cfg.addr()),
		closed:   make(chan struct{}),
	}

	t.wg.Add(1)
	go t.serve()

	// the ssh connection dying takes the tunnel with it
	go func() {
		_ = client.Wait()
		_ = t.Close()
	}()

	return t, nil
}

// LocalAddr is the "127.0.0.1:port" clients should connect to.
func (t *Tunnel) LocalAddr() string {
	return t.listener.Addr().String()
}

// Alive reports whether the tunnel still forwards connections.
func (t *Tunnel) Alive() bool {
	select {
	case <-t.closed:
		return false
	default:
	}
	_, _, err := t.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (t *Tunnel) serve() {
	defer t.wg.Done()

	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.log.Warn("tunnel accept failed", "error", err)
			}
			return
		}

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.forward(local)
		}()
	}
}

func (t *Tunnel) forward(local net.Conn) {
	defer local.Close()

	remote, err := t.client.Dial("tcp", t.remote)
	if err != nil {
		t.log.Warn("tunnel dial failed", "error", err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-t.closed:
	}
}

func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = errors.Join(t.listener.Close(), t.client.Close())
	})
	return err
}

// Wait blocks until all forwarded connections ended after Close.
func (t *Tunnel) Wait() {
	t.wg.Wait()
}
