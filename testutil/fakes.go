package testutil

import (
	"context"
	"fmt"
	"sync"

	"challenge-engine/events"
	"challenge-engine/payments"
)

// FakeProcessor is an in-memory payment processor. Like a real processor it
// replays the stored result for a repeated idempotency key.
type FakeProcessor struct {
	mu sync.Mutex

	// DefaultMethods maps customer ref to payment method id.
	DefaultMethods map[string]string
	// Outcome is the status of new charges. Defaults to succeeded.
	Outcome payments.ChargeStatus
	// ChargeErr, when set, is returned with every new charge.
	ChargeErr error
	// ConfirmOutcome is the status a confirmed charge moves to.
	ConfirmOutcome payments.ChargeStatus

	byKey       map[string]*payments.Charge
	byID        map[string]*payments.Charge
	errByKey    map[string]error
	createCalls int
	confirms    int
	requests    []payments.ChargeRequest
}

func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{
		DefaultMethods: map[string]string{},
		Outcome:        payments.ChargeSucceeded,
		ConfirmOutcome: payments.ChargeSucceeded,
		byKey:          map[string]*payments.Charge{},
		byID:           map[string]*payments.Charge{},
		errByKey:       map[string]error{},
	}
}

func (p *FakeProcessor) SetDefaultMethod(customerRef, methodID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DefaultMethods[customerRef] = methodID
}

func (p *FakeProcessor) SetOutcome(status payments.ChargeStatus, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Outcome = status
	p.ChargeErr = err
}

func (p *FakeProcessor) DefaultPaymentMethod(_ context.Context, customerRef string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DefaultMethods[customerRef], nil
}

func (p *FakeProcessor) CreateCharge(_ context.Context, req payments.ChargeRequest) (*payments.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if c, ok := p.byKey[req.IdempotencyKey]; ok {
		cp := *c
		return &cp, p.errByKey[req.IdempotencyKey]
	}

	c := &payments.Charge{ID: fmt.Sprintf("pi_%d", len(p.byID)+1), Status: p.Outcome}
	p.byKey[req.IdempotencyKey] = c
	p.byID[c.ID] = c
	p.errByKey[req.IdempotencyKey] = p.ChargeErr
	p.requests = append(p.requests, req)
	cp := *c
	return &cp, p.ChargeErr
}

func (p *FakeProcessor) RetrieveCharge(_ context.Context, chargeID string) (*payments.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[chargeID]
	if !ok {
		return nil, fmt.Errorf("no such charge %s", chargeID)
	}
	cp := *c
	return &cp, nil
}

func (p *FakeProcessor) ConfirmCharge(_ context.Context, chargeID, _, _ string) (*payments.Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[chargeID]
	if !ok {
		return nil, fmt.Errorf("no such charge %s", chargeID)
	}
	p.confirms++
	c.Status = p.ConfirmOutcome
	cp := *c
	return &cp, nil
}

// SetChargeStatus changes a stored charge, as if the processor settled it.
func (p *FakeProcessor) SetChargeStatus(chargeID string, status payments.ChargeStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.byID[chargeID]; ok {
		c.Status = status
	}
}

// Charges is the number of distinct charges created.
func (p *FakeProcessor) Charges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// CreateCalls counts every CreateCharge call, including replays.
func (p *FakeProcessor) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

func (p *FakeProcessor) Confirms() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.confirms
}

// Requests returns the requests that created new charges.
func (p *FakeProcessor) Requests() []payments.ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]payments.ChargeRequest(nil), p.requests...)
}

// RecordingPublisher captures published events.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *RecordingPublisher) Publish(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *RecordingPublisher) Events() []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*events.Event(nil), r.events...)
}

// OfType returns the captured events of type t.
func (r *RecordingPublisher) OfType(t events.Type) []*events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
