// Package keypad decides what a DTMF key press means for an escalation. The decision is a
// Rego policy evaluated with OPA so operators can remap keys without a rebuild; a built-in Go
// policy with the same rules is used when OPA evaluation fails.
package keypad

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"
)

// Action is the escalation step a key press maps to.
type Action string

const (
	// ActionAcknowledgeBridge acknowledges and bridges the caller to the operator line.
	ActionAcknowledgeBridge Action = "acknowledge_bridge"
	ActionAcknowledge       Action = "acknowledge"
	// ActionAcknowledgeSMS texts the summary to the dialed contact and acknowledges.
	ActionAcknowledgeSMS Action = "acknowledge_sms"
	// ActionRetry escalates to the next contact.
	ActionRetry Action = "retry"
)

func (a Action) valid() bool {
	switch a {
	case ActionAcknowledgeBridge, ActionAcknowledge, ActionAcknowledgeSMS, ActionRetry:
		return true
	}
	return false
}

// Input is the policy input document.
type Input struct {
	Digit              string `json:"digit"`
	Provider           string `json:"provider"`
	OperatorConfigured bool   `json:"operator_configured"`
}

// Policy maps a key press to an Action.
type Policy interface {
	Decide(ctx context.Context, in Input) Action
}

const defaultQuery = "data.escalation.keypad.action"

// DefaultRego is the built-in policy: 1 acknowledges (bridging when an operator line is
// configured), 2 sends an SMS summary and acknowledges, anything else retries.
const DefaultRego = `package escalation.keypad

default action := "retry"

action := "acknowledge_bridge" if {
	input.digit == "1"
	input.operator_configured
}

action := "acknowledge" if {
	input.digit == "1"
	not input.operator_configured
}

action := "acknowledge_sms" if {
	input.digit == "2"
}
`

// DefaultAction applies DefaultRego's rules in Go.
func DefaultAction(in Input) Action {
	switch strings.TrimSpace(in.Digit) {
	case "1":
		if in.OperatorConfigured {
			return ActionAcknowledgeBridge
		}
		return ActionAcknowledge
	case "2":
		return ActionAcknowledgeSMS
	}
	return ActionRetry
}

// OPAPolicy evaluates a prepared Rego query.
type OPAPolicy struct {
	query  rego.PreparedEvalQuery
	logger *zap.Logger
}

// NewOPAPolicy compiles module (DefaultRego when empty) and prepares the action query.
func NewOPAPolicy(ctx context.Context, module string, logger *zap.Logger) (*OPAPolicy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(module) == "" {
		module = DefaultRego
	}
	q, err := rego.New(
		rego.Query(defaultQuery),
		rego.Module("keypad.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("keypad: compile policy: %w", err)
	}
	return &OPAPolicy{query: q, logger: logger}, nil
}

// LoadOPAPolicy reads a Rego module from path (KEYPAD_POLICY_FILE). An empty path loads DefaultRego.
func LoadOPAPolicy(ctx context.Context, path string, logger *zap.Logger) (*OPAPolicy, error) {
	if path == "" {
		return NewOPAPolicy(ctx, "", logger)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keypad: read policy %s: %w", path, err)
	}
	return NewOPAPolicy(ctx, string(b), logger)
}

func (p *OPAPolicy) eval(ctx context.Context, in Input) (Action, error) {
	rs, err := p.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"digit":               strings.TrimSpace(in.Digit),
		"provider":            in.Provider,
		"operator_configured": in.OperatorConfigured,
	}))
	if err != nil {
		return "", err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return "", fmt.Errorf("keypad: policy returned no result")
	}
	s, ok := rs[0].Expressions[0].Value.(string)
	if !ok || !Action(s).valid() {
		return "", fmt.Errorf("keypad: policy returned unknown action %v", rs[0].Expressions[0].Value)
	}
	return Action(s), nil
}

// Decide evaluates the policy, falling back to DefaultAction on any evaluation problem.
func (p *OPAPolicy) Decide(ctx context.Context, in Input) Action {
	a, err := p.eval(ctx, in)
	if err != nil {
		p.logger.Warn("keypad: policy evaluation failed, using built-in rules", zap.Error(err))
		return DefaultAction(in)
	}
	return a
}

// HealthCheck evaluates a probe input.
func (p *OPAPolicy) HealthCheck(ctx context.Context) error {
	_, err := p.eval(ctx, Input{Digit: "1"})
	return err
}

// FuncPolicy adapts a function to Policy.
type FuncPolicy func(Input) Action

func (f FuncPolicy) Decide(_ context.Context, in Input) Action { return f(in) }
