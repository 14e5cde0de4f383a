package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Shell is an interactive ssh session with a pseudo terminal.
type Shell struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	output  chan []byte
	done    chan struct{}

	closeOnce sync.Once
}

// OpenShell starts a login shell on the server of cfg.
func OpenShell(ctx context.Context, cfg *Config, cols, rows int) (*Shell, error) {
	client, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("client.NewSession: %w", err)
	}

	s, err := startShell(client, session, cols, rows)
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func startShell(client *ssh.Client, session *ssh.Session, cols, rows int) (*Shell, error) {
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", rows, cols, modes); err != nil {
		return nil, fmt.Errorf("session.RequestPty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("session.StdinPipe: %w", err)
	}
	// with a pty stderr arrives on stdout
	stdout, err := session.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("session.StdoutPipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		return nil, fmt.Errorf("session.Shell: %w", err)
	}

	s := &Shell{
		client:  client,
		session: session,
		stdin:   stdin,
		output:  make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	go s.read(stdout)
	return s, nil
}

func (s *Shell) read(r io.Reader) {
	defer close(s.output)

	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.output <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Shell) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Output yields raw terminal output. It is closed when the shell exits.
func (s *Shell) Output() <-chan []byte {
	return s.output
}

func (s *Shell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
		err = errors.Join(err, s.client.Close())
	})
	return err
}
