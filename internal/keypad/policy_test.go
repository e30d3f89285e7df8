package keypad

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestOPAPolicy_DefaultRules(t *testing.T) {
	ctx := context.Background()
	p, err := NewOPAPolicy(ctx, "", nil)
	if err != nil {
		t.Fatalf("NewOPAPolicy: %v", err)
	}
	tests := []struct {
		name string
		in   Input
		want Action
	}{
		{"one without operator", Input{Digit: "1"}, ActionAcknowledge},
		{"one with operator", Input{Digit: "1", OperatorConfigured: true}, ActionAcknowledgeBridge},
		{"two", Input{Digit: "2", OperatorConfigured: true}, ActionAcknowledgeSMS},
		{"other digit", Input{Digit: "9"}, ActionRetry},
		{"star", Input{Digit: "*"}, ActionRetry},
		{"no input", Input{}, ActionRetry},
		{"padded", Input{Digit: " 1 "}, ActionAcknowledge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(ctx, tt.in); got != tt.want {
				t.Errorf("Decide = %q, want %q", got, tt.want)
			}
			if got := DefaultAction(tt.in); got != tt.want {
				t.Errorf("DefaultAction = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOPAPolicy_CustomModule(t *testing.T) {
	module := `package escalation.keypad

default action := "retry"

action := "acknowledge" if {
	input.digit == "9"
}
`
	p, err := NewOPAPolicy(context.Background(), module, nil)
	if err != nil {
		t.Fatalf("NewOPAPolicy: %v", err)
	}
	if got := p.Decide(context.Background(), Input{Digit: "9"}); got != ActionAcknowledge {
		t.Errorf("Decide(9) = %q", got)
	}
	if got := p.Decide(context.Background(), Input{Digit: "1"}); got != ActionRetry {
		t.Errorf("Decide(1) = %q", got)
	}
}

func TestOPAPolicy_UnknownActionFallsBack(t *testing.T) {
	module := `package escalation.keypad

action := "explode"
`
	p, err := NewOPAPolicy(context.Background(), module, nil)
	if err != nil {
		t.Fatalf("NewOPAPolicy: %v", err)
	}
	if got := p.Decide(context.Background(), Input{Digit: "1"}); got != ActionAcknowledge {
		t.Errorf("Decide = %q, want built-in acknowledge", got)
	}
	if err := p.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck should report the unknown action")
	}
}

func TestNewOPAPolicy_InvalidModule(t *testing.T) {
	if _, err := NewOPAPolicy(context.Background(), "package broken\n\naction := ", nil); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestLoadOPAPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keypad.rego")
	if err := os.WriteFile(path, []byte(DefaultRego), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadOPAPolicy(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("LoadOPAPolicy: %v", err)
	}
	if err := p.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
	if _, err := LoadOPAPolicy(context.Background(), filepath.Join(t.TempDir(), "missing.rego"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}
