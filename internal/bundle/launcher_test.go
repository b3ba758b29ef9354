package bundle

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestNewDerivesAddress(t *testing.T) {
	cases := map[string]string{
		"http://localhost:9666":   "localhost:9666",
		"http://deck.example":     "deck.example:80",
		"https://deck.example/x/": "deck.example:443",
	}
	for raw, want := range cases {
		l, err := New(Options{BaseURL: raw})
		if err != nil {
			t.Fatalf("New(%q) failed: %v", raw, err)
		}
		if l.addr != want {
			t.Fatalf("New(%q) addr = %q, want %q", raw, l.addr, want)
		}
	}
	if _, err := New(Options{BaseURL: "not a url"}); err == nil {
		t.Fatalf("expected invalid url error")
	}
}

func TestEnsureRunningSkipsWhenListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	l, err := New(Options{BaseURL: "http://" + ln.Addr().String(), Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("expected running server to be detected, got %v", err)
	}
	if l.cmd != nil {
		t.Fatalf("no process should be started")
	}
}

func TestEnsureRunningWithoutBinary(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	l, err := New(Options{BaseURL: "http://" + addr, Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.EnsureRunning(context.Background()); !errors.Is(err, ErrNoBinary) {
		t.Fatalf("expected ErrNoBinary, got %v", err)
	}
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop without process failed: %v", err)
	}
}
