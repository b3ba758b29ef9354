// Package bundle starts and stops the Spacedeck binary shipped for local
// mode.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
)

const (
	BinaryName = "spacedeck.pkg.bin"
	LogName    = "spacedeck.log"
)

var ErrNoBinary = errors.New("spacedeck binary not found")

type Options struct {
	// Dir holds the binary; the process runs there and logs to LogName.
	Dir string
	// BaseURL is probed to decide whether Spacedeck already runs.
	BaseURL      string
	StartTimeout time.Duration
}

type Launcher struct {
	dir     string
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func New(opts Options) (*Launcher, error) {
	parsed, err := url.Parse(opts.BaseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid spacedeck url %q", opts.BaseURL)
	}
	addr := parsed.Host
	if parsed.Port() == "" {
		port := "80"
		if parsed.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(parsed.Hostname(), port)
	}
	timeout := opts.StartTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Launcher{dir: opts.Dir, addr: addr, timeout: timeout}, nil
}

// EnsureRunning starts Spacedeck unless something already listens on its
// address, then waits until it accepts connections.
func (l *Launcher) EnsureRunning(ctx context.Context) error {
	if l.reachable(ctx) {
		return nil
	}

	l.mu.Lock()
	if l.cmd == nil {
		if err := l.start(); err != nil {
			l.mu.Unlock()
			return err
		}
	}
	done := l.done
	l.mu.Unlock()

	deadline := time.NewTimer(l.timeout)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
			return errors.New("spacedeck exited during startup, see " + filepath.Join(l.dir, LogName))
		case <-deadline.C:
			return fmt.Errorf("spacedeck did not start listening on %s within %s", l.addr, l.timeout)
		case <-tick.C:
			if l.reachable(ctx) {
				return nil
			}
		}
	}
}

// start must be called with l.mu held.
func (l *Launcher) start() error {
	binary := filepath.Join(l.dir, BinaryName)
	if _, err := os.Stat(binary); err != nil {
		return fmt.Errorf("%w: %s", ErrNoBinary, binary)
	}
	logFile, err := os.OpenFile(filepath.Join(l.dir, LogName), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open spacedeck log: %w", err)
	}

	cmd := exec.Command("nice", "-n19", "./"+BinaryName)
	cmd.Dir = l.dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("start spacedeck: %w", err)
	}
	log.Printf("bundle: started spacedeck pid=%d", cmd.Process.Pid)

	done := make(chan struct{})
	l.cmd = cmd
	l.done = done
	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		log.Printf("bundle: spacedeck exited: %v", err)
		l.mu.Lock()
		if l.cmd == cmd {
			l.cmd = nil
		}
		l.mu.Unlock()
		close(done)
	}()
	return nil
}

// Stop terminates a process started by this launcher. A Spacedeck that
// was already running elsewhere is left alone.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	cmd, done := l.cmd, l.done
	l.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		return cmd.Process.Kill()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		return ctx.Err()
	}
}

func (l *Launcher) reachable(ctx context.Context) bool {
	dialer := net.Dialer{Timeout: 500 * time.Millisecond}
	conn, err := dialer.DialContext(ctx, "tcp", l.addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
