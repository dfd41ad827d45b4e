package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"nft_market/internal/domain"

	"github.com/shopspring/decimal"
)

// CommandKind selects the ledger mutation a Command performs.
type CommandKind int

const (
	CmdCreateListing CommandKind = iota + 1
	CmdBuy
	CmdResell
	CmdUpdateFee
	CmdWithdraw
)

// String returns the string representation of CommandKind
func (k CommandKind) String() string {
	switch k {
	case CmdCreateListing:
		return OpCreate
	case CmdBuy:
		return OpBuy
	case CmdResell:
		return OpResell
	case CmdUpdateFee:
		return OpUpdateFee
	case CmdWithdraw:
		return OpWithdraw
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by its operation name.
func (k CommandKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts an operation name such as "buy".
func (k *CommandKind) UnmarshalText(b []byte) error {
	for c := CmdCreateListing; c <= CmdWithdraw; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown command %q", b)
}

// Command is one mutating request. Value is the amount attached to the call:
// the listing fee for create/resell, the payment for buy, the new rate for
// update_fee and the amount for withdraw.
type Command struct {
	Kind           CommandKind     `json:"kind"`
	Caller         domain.Account  `json:"caller"`
	ItemID         domain.ItemID   `json:"item_id,omitempty"`
	ContentPointer string          `json:"content_pointer,omitempty"`
	Price          decimal.Decimal `json:"price"`
	Value          decimal.Decimal `json:"value"`
}

// Result is the outcome of a Command.
type Result struct {
	ItemID domain.ItemID // set by create
	Err    error
}

type request struct {
	ctx   context.Context
	cmd   Command
	reply chan Result
}

// ErrSequencerStopped is returned by Submit once Run has returned.
var ErrSequencerStopped = errors.New("sequencer stopped")

// Sequencer is the single-threaded command processor in front of a Ledger.
// Collaborators submit commands; the sequencer applies them one at a time in
// arrival order.
type Sequencer struct {
	inbox  chan request
	ledger *Ledger
	done   chan struct{}

	// Boundary: used to notify other systems of applied commands
	onResult func(Command, Result)
}

// NewSequencer creates a new sequencer instance.
func NewSequencer(inboxSize int, ledger *Ledger, onResult func(Command, Result)) *Sequencer {
	return &Sequencer{
		inbox:    make(chan request, inboxSize),
		ledger:   ledger,
		done:     make(chan struct{}),
		onResult: onResult,
	}
}

// Submit enqueues cmd and waits for its result or for ctx to end.
// A command abandoned after being queued may still be applied.
func (s *Sequencer) Submit(ctx context.Context, cmd Command) (Result, error) {
	req := request{ctx: ctx, cmd: cmd, reply: make(chan Result, 1)}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-s.done:
		return Result{}, ErrSequencerStopped
	case s.inbox <- req:
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-req.reply:
		return res, nil
	case <-s.done:
		select {
		case res := <-req.reply:
			return res, nil
		default:
			return Result{}, ErrSequencerStopped
		}
	}
}

// Run starts the main command loop. This MUST be run in a single goroutine.
func (s *Sequencer) Run(ctx context.Context) {
	slog.Info("Sequencer started")

	defer func() {
		close(s.done)
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r))
			s.DumpState("panic_dump.json")
			// An invariant broke; halt after dump.
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sequencer stopping...")
			return
		case req := <-s.inbox:
			s.process(req)
		}
	}
}

func (s *Sequencer) process(req request) {
	res := s.apply(req.ctx, req.cmd)
	req.reply <- res

	if s.onResult != nil {
		s.onResult(req.cmd, res)
	}
}

func (s *Sequencer) apply(ctx context.Context, cmd Command) Result {
	if err := ctx.Err(); err != nil {
		return Result{Err: err}
	}

	switch cmd.Kind {
	case CmdCreateListing:
		id, err := s.ledger.CreateListing(ctx, cmd.Caller, cmd.ContentPointer, cmd.Price, cmd.Value)
		return Result{ItemID: id, Err: err}
	case CmdBuy:
		return Result{ItemID: cmd.ItemID, Err: s.ledger.Buy(ctx, cmd.Caller, cmd.ItemID, cmd.Value)}
	case CmdResell:
		return Result{ItemID: cmd.ItemID, Err: s.ledger.Resell(ctx, cmd.Caller, cmd.ItemID, cmd.Price, cmd.Value)}
	case CmdUpdateFee:
		return Result{Err: s.ledger.UpdateListingFeeRate(ctx, cmd.Caller, cmd.Value)}
	case CmdWithdraw:
		return Result{Err: s.ledger.Withdraw(ctx, cmd.Caller, cmd.Value)}
	default:
		slog.Warn("Unknown command kind", slog.Int("kind", int(cmd.Kind)))
		return Result{Err: fmt.Errorf("unknown command kind %d", cmd.Kind)}
	}
}

// DumpState writes the entire ledger state to a file (for post-mortem).
func (s *Sequencer) DumpState(filename string) {
	slog.Info("Dumping internal state...", slog.String("file", filename))

	b, err := json.MarshalIndent(s.ledger.Snapshot(), "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	err = os.WriteFile(filename, b, 0644)
	if err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
