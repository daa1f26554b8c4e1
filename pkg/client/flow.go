package client

import (
	"context"
	"fmt"
)

// FlowInput is the input of a complete prescription run
type FlowInput struct {
	PrescriberToken    string
	DispenserToken     string
	SignedPrescription []byte
	Medication         Medication
}

// FlowResult collects the phase results of a run. Phases after the first
// one that produced no resource are nil.
type FlowResult struct {
	SessionID string
	Create    *CreateResult
	Activate  *ActivateResult
	Accept    *AcceptResult
	Close     *CloseResult
}

// Completed reports whether all four phases produced their resource
func (r *FlowResult) Completed() bool {
	return r.Close != nil && r.Close.Present
}

// RunFlow opens a session and drives one prescription through all phases.
// The session is left open for inspection.
func (c *Client) RunFlow(ctx context.Context, in FlowInput) (*FlowResult, error) {
	id, err := c.NewSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening session: %w", err)
	}
	res := &FlowResult{SessionID: id}

	if res.Create, err = c.Create(ctx, id, in.PrescriberToken); err != nil {
		return res, fmt.Errorf("create: %w", err)
	}
	if !res.Create.Present {
		return res, nil
	}

	if res.Activate, err = c.Activate(ctx, id, in.SignedPrescription); err != nil {
		return res, fmt.Errorf("activate: %w", err)
	}
	if !res.Activate.Present {
		return res, nil
	}

	accepted, ok, err := c.Accept(ctx, id, in.DispenserToken)
	if err != nil {
		return res, fmt.Errorf("accept: %w", err)
	}
	if !ok {
		return res, fmt.Errorf("accept: refused with task %s", res.Activate.Status)
	}
	res.Accept = accepted
	if !accepted.Present {
		return res, nil
	}

	if res.Close, err = c.Close(ctx, id, in.Medication); err != nil {
		return res, fmt.Errorf("close: %w", err)
	}
	return res, nil
}
