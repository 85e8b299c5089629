package jobs

import (
	"context"
	"fmt"

	"pkt.systems/chaosdeck/schema"
)

// OnApproval handles an approval gate from the stream. Gated agents wait for the
// operator; every other request is approved in the background.
func (c *Controller) OnApproval(req schema.ApprovalRequest) {
	c.mu.Lock()
	if req.JobID == "" {
		req.JobID = c.job.JobID
	}
	if req.JobID == "" || req.JobID != c.job.JobID || c.closed {
		c.mu.Unlock()
		c.log.Debug("approval request ignored", "agent", req.Agent, "job", req.JobID)
		return
	}
	c.gateSeq++
	seq := c.gateSeq
	gate := c.gatedLocked(req.Agent)
	if gate {
		pending := req
		c.pending = &pending
	} else {
		c.pending = nil
		c.approvals.Add(1)
	}
	c.mu.Unlock()

	if gate {
		c.log.Info("approval requested", "job", req.JobID, "agent", req.Agent, "phase", req.Phase)
		c.listener.OnApproval(req)
		c.notify(schema.NotifyInfo, fmt.Sprintf("Approval requested: %s", req.Agent))
		return
	}
	go c.autoApprove(req, seq)
}

// OnApprovalClosed drops a gate the stream has moved past.
func (c *Controller) OnApprovalClosed(req schema.ApprovalRequest) {
	c.mu.Lock()
	if req.JobID == "" {
		req.JobID = c.job.JobID
	}
	c.gateSeq++
	cleared := c.pending != nil && sameGate(*c.pending, req)
	if cleared {
		c.pending = nil
	}
	c.mu.Unlock()
	if cleared {
		c.log.Info("approval gate passed", "job", req.JobID, "agent", req.Agent, "phase", req.Phase)
	}
}

func sameGate(a, b schema.ApprovalRequest) bool {
	return a.JobID == b.JobID && a.Agent == b.Agent && a.Phase == b.Phase
}

func (c *Controller) gatedLocked(agent schema.AgentName) bool {
	if c.mode != schema.ModeInteractive {
		return false
	}
	_, ok := c.gated[agent]
	return ok
}

func (c *Controller) autoApprove(req schema.ApprovalRequest, seq uint64) {
	defer c.approvals.Done()
	c.mu.Lock()
	live := c.gateSeq == seq && !c.closed && c.job.JobID == req.JobID
	c.mu.Unlock()
	if !live {
		c.log.Debug("auto approval skipped", "job", req.JobID, "agent", req.Agent)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.approvalTO)
	defer cancel()
	if err := c.api.SubmitApproval(ctx, req.JobID, schema.ApprovalResponse{Action: schema.ApprovalApprove}); err != nil {
		c.log.Warn("auto approval failed", "job", req.JobID, "agent", req.Agent, "err", err)
		return
	}
	c.log.Debug("auto approval ok", "job", req.JobID, "agent", req.Agent)
}

// RespondApproval answers the pending gate with approve, retry or cancel.
func (c *Controller) RespondApproval(ctx context.Context, action schema.ApprovalAction, message string) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", schema.ErrInvalidApproval, action)
	}
	c.mu.Lock()
	if c.pending == nil {
		c.mu.Unlock()
		return schema.ErrNoApprovalPending
	}
	req := *c.pending
	c.pending = nil
	c.mu.Unlock()

	err := c.api.SubmitApproval(ctx, req.JobID, schema.ApprovalResponse{Action: action, Message: message})
	if err != nil {
		c.mu.Lock()
		if c.pending == nil && c.job.JobID == req.JobID {
			c.pending = &req
		}
		c.mu.Unlock()
		c.log.Warn("approval response failed", "job", req.JobID, "agent", req.Agent, "action", action, "err", err)
		c.notify(schema.NotifyError, "Failed to submit approval")
		return fmt.Errorf("submit approval: %w", err)
	}
	c.log.Info("approval response ok", "job", req.JobID, "agent", req.Agent, "action", action)
	return nil
}

// PendingApproval returns the gate waiting for the operator.
func (c *Controller) PendingApproval() (schema.ApprovalRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return schema.ApprovalRequest{}, false
	}
	return *c.pending, true
}
