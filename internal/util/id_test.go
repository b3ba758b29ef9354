package util

import (
	"regexp"
	"strings"
	"testing"
)

func TestNewTokenIsThirtyTwoHexChars(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9a-f]{32}$`)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		token, err := NewToken()
		if err != nil {
			t.Fatalf("NewToken() error = %v", err)
		}
		if !pattern.MatchString(token) {
			t.Fatalf("unexpected token format: %q", token)
		}
		if seen[token] {
			t.Fatalf("duplicate token %q", token)
		}
		seen[token] = true
	}
}

func TestNewIDPrefix(t *testing.T) {
	id := NewID("req")
	if !strings.HasPrefix(id, "req_") || len(id) != len("req_")+32 {
		t.Fatalf("unexpected id: %q", id)
	}
}
