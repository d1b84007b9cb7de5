package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
)

// Behavior is the verdict returned to the agent.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Outcome causes reported to the Recorder.
const (
	CausePolicy   = "policy"
	CauseDecision = "decision"
	CauseTimeout  = "timeout"
	CauseMissing  = "missing"
)

// Outcome is the result of RequestApproval.
type Outcome struct {
	Behavior Behavior
	Message  string
	// EntryID is set when the call went through review.
	EntryID string
	Action  policy.Action
	RuleID  string
	// TimedOut is set when the review budget ran out.
	TimedOut bool
}

// Recorder receives approval metrics.
type Recorder interface {
	ObservePolicyDecision(action policy.Action)
	ObserveOutcome(behavior Behavior, cause string)
}

type nopRecorder struct{}

func (nopRecorder) ObservePolicyDecision(policy.Action) {}
func (nopRecorder) ObserveOutcome(Behavior, string)     {}

// ApprovalService decides tool calls: rules settle approve and deny
// directly, review requests wait in the ledger for a human.
type ApprovalService struct {
	policies *PolicyService
	ledger   approval.Ledger
	recorder Recorder
	logger   *slog.Logger
}

// NewApprovalService creates an ApprovalService. recorder may be nil.
func NewApprovalService(policies *PolicyService, ledger approval.Ledger, recorder Recorder, logger *slog.Logger) *ApprovalService {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalService{
		policies: policies,
		ledger:   ledger,
		recorder: recorder,
		logger:   logger,
	}
}

// RequestApproval resolves call and, for review, blocks until a human
// decides, the review timeout elapses or ctx is done.
func (s *ApprovalService) RequestApproval(ctx context.Context, call policy.ToolCall) (*Outcome, error) {
	res := s.policies.GetActionForToolCall(call)
	s.recorder.ObservePolicyDecision(res.Action)

	out := &Outcome{Action: res.Action}
	if res.Rule != nil {
		out.RuleID = res.Rule.ID
	}

	switch res.Action {
	case policy.ActionApprove:
		out.Behavior = BehaviorAllow
		out.Message = res.Reason
		s.finish(out, CausePolicy, call)
		return out, nil
	case policy.ActionDeny:
		out.Behavior = BehaviorDeny
		out.Message = denyMessage(res)
		s.finish(out, CausePolicy, call)
		return out, nil
	}

	entry, err := s.ledger.AddEntry(call.ToolName, call.Input, call.AgentIdentity)
	if err != nil {
		return nil, fmt.Errorf("queue approval request: %w", err)
	}
	out.EntryID = entry.ID
	s.logger.Info("tool call awaiting review",
		"id", entry.ID, "tool", call.ToolName, "agent", call.AgentIdentity, "timeout", res.Timeout)

	waitCtx, cancel := context.WithTimeout(ctx, res.Timeout)
	defer cancel()

	final, err := s.ledger.Await(waitCtx, entry.ID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		final, err = s.ledger.TimeoutEntry(entry.ID, timeoutState(res.TimeoutAction))
		if err != nil {
			return nil, fmt.Errorf("time out approval request: %w", err)
		}
	default:
		return nil, err
	}

	cause := CauseDecision
	switch {
	case final == nil || !final.State.IsTerminal():
		cause = CauseMissing
		out.TimedOut = true
		out.Behavior = behaviorFor(res.TimeoutAction)
		out.Message = fmt.Sprintf("Approval request %s is no longer available; applied %s", entry.ID, res.TimeoutAction)
	case timedOut(final):
		cause = CauseTimeout
		out.TimedOut = true
		out.Behavior = behaviorForState(final.State)
		out.Message = fmt.Sprintf("No decision within %s; applied %s", res.Timeout, res.TimeoutAction)
		if final.DecisionBy == approval.DecisionByAutoDeny {
			out.Message = "Request auto-denied: no decision before the review deadline"
		}
	default:
		out.Behavior = behaviorForState(final.State)
		if out.Behavior == BehaviorAllow {
			out.Message = "Approved by " + final.DecisionBy
		} else {
			out.Message = "Denied by " + final.DecisionBy
		}
	}
	s.finish(out, cause, call)
	return out, nil
}

func (s *ApprovalService) finish(out *Outcome, cause string, call policy.ToolCall) {
	s.recorder.ObserveOutcome(out.Behavior, cause)
	s.logger.Info("tool call decided",
		"tool", call.ToolName,
		"agent", call.AgentIdentity,
		"behavior", out.Behavior,
		"cause", cause,
		"rule", out.RuleID,
		"entry", out.EntryID,
	)
}

func denyMessage(res policy.Resolution) string {
	if res.Rule != nil {
		return fmt.Sprintf("Denied by rule %q", res.Rule.Name)
	}
	return "Denied by default policy"
}

// timedOut relies on the ledger refusing reserved identities for manual
// decisions.
func timedOut(e *approval.Entry) bool {
	return e.DeniedByTimeout || approval.IsReservedIdentity(e.DecisionBy)
}

func timeoutState(a policy.Action) approval.State {
	if a == policy.ActionApprove {
		return approval.StateApproved
	}
	return approval.StateDenied
}

func behaviorFor(a policy.Action) Behavior {
	if a == policy.ActionApprove {
		return BehaviorAllow
	}
	return BehaviorDeny
}

func behaviorForState(st approval.State) Behavior {
	if st == approval.StateApproved {
		return BehaviorAllow
	}
	return BehaviorDeny
}
