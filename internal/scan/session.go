package scan

import (
	"context"
	"fmt"
)

type State int

const (
	StateScanning State = iota
	StateAwaitingRetry
	StateConfirmQuantity
	StateConfirmed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateAwaitingRetry:
		return "awaiting_retry"
	case StateConfirmQuantity:
		return "confirm_quantity"
	case StateConfirmed:
		return "confirmed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Quantity is a counter clamped to [1, max].
type Quantity struct {
	value int
	max   int
}

func NewQuantity(limit int) Quantity {
	if limit < 1 {
		limit = 1
	}
	return Quantity{value: 1, max: limit}
}

func (q Quantity) Value() int { return q.value }
func (q Quantity) Max() int   { return q.max }

func (q *Quantity) Increase() { q.Set(q.value + 1) }
func (q *Quantity) Decrease() { q.Set(q.value - 1) }

func (q *Quantity) Set(n int) {
	switch {
	case n < 1:
		n = 1
	case n > q.max:
		n = q.max
	}
	q.value = n
}

// Session tracks one confirmation attempt for a single item. It is not safe
// for concurrent use.
type Session struct {
	req      Request
	state    State
	qty      Quantity
	last     Result
	lastOut  Outcome
	attempts int
}

func NewSession(req Request) (*Session, error) {
	if req.ExpectedBarcode == "" {
		return nil, fmt.Errorf("%w: expected barcode is empty", ErrInvalidRequest)
	}
	if req.RequiredQuantity < 1 {
		req.RequiredQuantity = 1
	}
	return &Session{
		req:   req,
		state: StateScanning,
		qty:   NewQuantity(req.RequiredQuantity),
	}, nil
}

func (s *Session) State() State       { return s.state }
func (s *Session) Request() Request   { return s.req }
func (s *Session) Attempts() int      { return s.attempts }
func (s *Session) Quantity() Quantity { return s.qty }

func (s *Session) LastOutcome() Outcome { return s.lastOut }

// Submit evaluates a scanner read. Unsupported symbologies are reported
// separately from mismatches; both leave the session awaiting a retry.
func (s *Session) Submit(res Result) (Outcome, error) {
	if s.state != StateScanning {
		return 0, fmt.Errorf("%w: submit in %s", ErrUnexpectedState, s.state)
	}
	s.attempts++
	s.last = res

	if !Supported(res.Symbology) {
		s.lastOut = OutcomeUnsupported
		s.state = StateAwaitingRetry
		return s.lastOut, nil
	}
	if res.Value != s.req.ExpectedBarcode {
		s.lastOut = OutcomeMismatch
		s.state = StateAwaitingRetry
		return s.lastOut, nil
	}

	s.lastOut = OutcomeMatched
	if s.req.RequiredQuantity == 1 {
		s.state = StateConfirmed
	} else {
		s.state = StateConfirmQuantity
	}
	return s.lastOut, nil
}

// Retry re-arms the scanner after a rejected read.
func (s *Session) Retry() error {
	if s.state != StateAwaitingRetry {
		return fmt.Errorf("%w: retry in %s", ErrUnexpectedState, s.state)
	}
	s.state = StateScanning
	return nil
}

func (s *Session) Cancel() {
	if s.state != StateConfirmed {
		s.state = StateCancelled
	}
}

func (s *Session) Increase() { s.qty.Increase() }
func (s *Session) Decrease() { s.qty.Decrease() }
func (s *Session) SetQuantity(n int) { s.qty.Set(n) }

// Confirm finishes the quantity step.
func (s *Session) Confirm() (Confirmation, error) {
	switch s.state {
	case StateConfirmQuantity:
		s.state = StateConfirmed
	case StateConfirmed:
	default:
		return Confirmation{}, fmt.Errorf("%w: confirm in %s", ErrUnexpectedState, s.state)
	}
	return s.Confirmation()
}

// Confirmation returns the confirmed barcode and quantity once the session
// reached StateConfirmed.
func (s *Session) Confirmation() (Confirmation, error) {
	if s.state != StateConfirmed {
		return Confirmation{}, fmt.Errorf("%w: not confirmed (%s)", ErrUnexpectedState, s.state)
	}
	qty := s.qty.Value()
	if s.req.RequiredQuantity == 1 {
		qty = 1
	}
	return Confirmation{Barcode: s.last.Value, Quantity: qty}, nil
}

// Scanner reads one barcode, blocking until a code is seen or ctx ends.
type Scanner interface {
	Scan(ctx context.Context) (Result, error)
}

// Prompter is the picker's side of the protocol.
type Prompter interface {
	// Retry is asked after a rejected read; false cancels the session.
	Retry(ctx context.Context, outcome Outcome, message string) bool
	// ChooseQuantity is asked after a match when more than one unit is
	// required. The answer is clamped to [1, required].
	ChooseQuantity(ctx context.Context, req Request) int
}

// Run drives a session to completion. It returns ErrCancelled when the
// picker gives up.
func Run(ctx context.Context, sc Scanner, p Prompter, req Request) (Confirmation, error) {
	s, err := NewSession(req)
	if err != nil {
		return Confirmation{}, err
	}

	for {
		res, err := sc.Scan(ctx)
		if err != nil {
			return Confirmation{}, fmt.Errorf("scan: read barcode: %w", err)
		}

		outcome, err := s.Submit(res)
		if err != nil {
			return Confirmation{}, err
		}

		switch s.State() {
		case StateConfirmed:
			return s.Confirmation()
		case StateConfirmQuantity:
			s.SetQuantity(p.ChooseQuantity(ctx, s.Request()))
			return s.Confirm()
		}

		if !p.Retry(ctx, outcome, outcome.Message(s.Request(), res)) {
			s.Cancel()
			return Confirmation{}, ErrCancelled
		}
		if err := s.Retry(); err != nil {
			return Confirmation{}, err
		}
	}
}
