package operator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/aegis-sre/aegis/pkg/types"
)

// Decision is the outcome of an approval request.
type Decision int

const (
	DecisionRejected Decision = iota
	DecisionApproved
	DecisionTimedOut
)

func (d Decision) String() string {
	switch d {
	case DecisionApproved:
		return "approved"
	case DecisionTimedOut:
		return "timed-out"
	default:
		return "rejected"
	}
}

// Approver requests a human decision for a pending production apply. A nil
// response channel close or a context deadline both resolve to
// DecisionTimedOut (spec.md §4.6 "On no or timeout, the incident moves to
// rejected").
type Approver interface {
	RequestApproval(ctx context.Context, incident types.Incident, fix types.FixProposal) Decision
}

// ApprovalGate auto-grants non-production, risk-free fixes and otherwise
// defers to the configured Approver (DESIGN.md Open Question: approval
// auto-grant default is "require approval for production only").
type ApprovalGate struct {
	approver             Approver
	productionNamespaces map[string]bool
	logger               *logrus.Logger
}

// NewApprovalGate builds an ApprovalGate. approver may be nil, in which case
// every proposal requiring approval is rejected (fail-closed — no silent
// auto-apply to production without a configured approval channel).
func NewApprovalGate(approver Approver, productionNamespaces map[string]bool, logger *logrus.Logger) *ApprovalGate {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ApprovalGate{approver: approver, productionNamespaces: productionNamespaces, logger: logger}
}

// RequiresApproval reports whether incident/fix must pass through an
// approver before being applied (spec.md §4.6, §9 "no silent production
// writes").
func (g *ApprovalGate) RequiresApproval(incident types.Incident, fix types.FixProposal, plan *types.VerificationPlan) bool {
	if plan != nil && plan.ApprovalRequired {
		return true
	}
	if g.productionNamespaces[incident.Resource.Namespace] {
		return true
	}
	return len(fix.Risks) > 0
}

// Decide resolves the approval decision for incident/fix, auto-granting when
// RequiresApproval is false.
func (g *ApprovalGate) Decide(ctx context.Context, incident types.Incident, fix types.FixProposal, plan *types.VerificationPlan) Decision {
	if !g.RequiresApproval(incident, fix, plan) {
		return DecisionApproved
	}
	if g.approver == nil {
		g.logger.WithField("incident_id", incident.ID).Warn("approval required but no approver configured, rejecting")
		return DecisionRejected
	}
	return g.approver.RequestApproval(ctx, incident, fix)
}

// TerminalApprover prompts on an io.Writer/io.Reader pair (stdout/stdin in
// production), blocking for a yes/no answer up to its configured timeout.
type TerminalApprover struct {
	In      *bufio.Reader
	Out     io.Writer
	Timeout time.Duration
}

// NewTerminalApprover builds a TerminalApprover.
func NewTerminalApprover(in io.Reader, out io.Writer, timeout time.Duration) *TerminalApprover {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &TerminalApprover{In: bufio.NewReader(in), Out: out, Timeout: timeout}
}

func (a *TerminalApprover) RequestApproval(ctx context.Context, incident types.Incident, fix types.FixProposal) Decision {
	fmt.Fprintf(a.Out, "approve fix for %s/%s (%s): %s? [y/N] ", incident.Resource.Namespace, incident.Resource.Name, fix.Kind, fix.Description)

	answered := make(chan string, 1)
	go func() {
		line, _ := a.In.ReadString('\n')
		answered <- strings.TrimSpace(strings.ToLower(line))
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	select {
	case line := <-answered:
		if line == "y" || line == "yes" {
			return DecisionApproved
		}
		return DecisionRejected
	case <-timeoutCtx.Done():
		return DecisionTimedOut
	}
}

// SlackApprover posts an approval request with interactive buttons to a
// configured channel and blocks on Decisions fed back from the approval
// webhook (pkg/httpapi).
type SlackApprover struct {
	client  *slack.Client
	channel string
	timeout time.Duration
	mu      sync.Mutex
	pending map[string]chan Decision
	logger  *logrus.Logger
}

// NewSlackApprover builds a SlackApprover.
func NewSlackApprover(token, channel string, timeout time.Duration, logger *logrus.Logger) *SlackApprover {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &SlackApprover{
		client:  slack.New(token),
		channel: channel,
		timeout: timeout,
		pending: make(map[string]chan Decision),
		logger:  logger,
	}
}

func (a *SlackApprover) RequestApproval(ctx context.Context, incident types.Incident, fix types.FixProposal) Decision {
	ch := make(chan Decision, 1)
	a.mu.Lock()
	a.pending[incident.ID] = ch
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, incident.ID)
		a.mu.Unlock()
	}()

	attachment := slack.Attachment{
		Text:       fmt.Sprintf("%s/%s: %s", incident.Resource.Namespace, incident.Resource.Name, fix.Description),
		CallbackID: "aegis_approval_" + incident.ID,
		Actions: []slack.AttachmentAction{
			{Name: "decision", Text: "Approve", Type: "button", Value: "approve", Style: "primary"},
			{Name: "decision", Text: "Reject", Type: "button", Value: "reject", Style: "danger"},
		},
	}

	_, _, err := a.client.PostMessageContext(ctx, a.channel, slack.MsgOptionText(
		fmt.Sprintf("Approval requested for incident %s", incident.ID), false), slack.MsgOptionAttachments(attachment))
	if err != nil {
		a.logger.WithError(err).Warn("failed to post slack approval request")
		return DecisionRejected
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	select {
	case decision := <-ch:
		return decision
	case <-timeoutCtx.Done():
		return DecisionTimedOut
	}
}

// Resolve is called by the approval webhook handler (pkg/httpapi) when a
// Slack interactive button fires, delivering the decision to whichever
// RequestApproval call is blocked on incidentID.
func (a *SlackApprover) Resolve(incidentID string, decision Decision) bool {
	a.mu.Lock()
	ch, ok := a.pending[incidentID]
	a.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decision
	return true
}
