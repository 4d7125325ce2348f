// Package ledger is the only component allowed to mutate balances.
//
// Every mutation goes through Adapter, which validates input, enforces
// idempotency keys and hands an all-or-nothing batch to a Backend. The
// Backend checks the compare-and-swap precondition and the balance
// invariants inside its own transaction scope.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"liveeconomy/internal/apperr"
	"liveeconomy/internal/model"
	"liveeconomy/pkg/idgen"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrBalanceChanged      = errors.New("balance changed since it was read")
	ErrAccountNotFound     = errors.New("account not found")
	// ErrDuplicateIdempotencyKey is returned by a Backend when a concurrent request
	// committed the same key first. Adapter turns it into a replay.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// Balance is a point-in-time view of one account.
type Balance struct {
	Current   int64 `json:"current"`
	Held      int64 `json:"held"`
	Available int64 `json:"available"`
}

// Delta describes one balance mutation.
//
// Amount moves the current balance, HeldDelta moves the held part of it.
// When ExpectedBefore is set the mutation only applies if the current
// balance still equals it.
type Delta struct {
	ActorID        int64
	Amount         int64
	HeldDelta      int64
	ExpectedBefore *int64
	Type           string
	Reference      string
	IdempotencyKey string
	Remark         string
}

// Change is the before/after pair produced by one Delta.
type Change struct {
	ActorID       int64  `json:"actor_id"`
	Reference     string `json:"reference"`
	Before        int64  `json:"before"`
	After         int64  `json:"after"`
	HeldBefore    int64  `json:"held_before"`
	HeldAfter     int64  `json:"held_after"`
	TransactionNo string `json:"transaction_no"`
	Replayed      bool   `json:"replayed"`
}

type TransferRequest struct {
	From           int64
	To             int64
	Amount         int64
	Reference      string
	IdempotencyKey string
	Remark         string
}

// TransferResult carries the sender's debit and the receiver's credit.
// Replayed is true when the idempotency key had already been committed and nothing was written.
type TransferResult struct {
	Sender   Change `json:"sender"`
	Receiver Change `json:"receiver"`
	Replayed bool   `json:"replayed"`
}

// Entry is a Delta with its assigned history number.
type Entry struct {
	Delta
	TransactionNo string
}

// Backend is the balance store. Commit must apply all entries or none.
type Backend interface {
	// Account returns ErrAccountNotFound for unknown actors.
	Account(ctx context.Context, actorID int64) (*model.Account, error)
	// Commit applies entries in order and returns one history row per entry.
	Commit(ctx context.Context, entries []Entry) ([]*model.AccountTransaction, error)
	// FindByIdempotencyKey returns nil, nil when the key was never committed.
	FindByIdempotencyKey(ctx context.Context, key string) (*model.AccountTransaction, error)
}

type Adapter struct {
	backend  Backend
	nextTxNo func() string
	logger   *slog.Logger
}

func NewAdapter(backend Backend, logger *slog.Logger) *Adapter {
	return &Adapter{
		backend:  backend,
		nextTxNo: idgen.GenerateTransactionNo,
		logger:   logger.With(slog.String("module", "ledger")),
	}
}

// GetBalance returns a zero balance for actors that have no account yet.
func (a *Adapter) GetBalance(ctx context.Context, actorID int64) (Balance, error) {
	if actorID <= 0 {
		return Balance{}, apperr.Invalid("actorId", "must be positive")
	}
	acc, err := a.backend.Account(ctx, actorID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return Balance{}, nil
		}
		return Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return Balance{Current: acc.Balance, Held: acc.HeldAmount, Available: acc.Available()}, nil
}

// ApplyDelta applies a single mutation.
func (a *Adapter) ApplyDelta(ctx context.Context, d Delta) (Change, error) {
	if err := validateDelta(d); err != nil {
		return Change{}, err
	}

	if d.IdempotencyKey != "" {
		prev, err := a.Lookup(ctx, d.IdempotencyKey)
		if err != nil {
			return Change{}, err
		}
		if prev != nil {
			return *prev, nil
		}
	}

	rows, err := a.backend.Commit(ctx, []Entry{{Delta: d, TransactionNo: a.nextTxNo()}})
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return a.replayDelta(ctx, d.IdempotencyKey)
		}
		return Change{}, fmt.Errorf("apply delta: %w", err)
	}
	return changeFromRow(rows[0], false), nil
}

// Transfer debits From and credits To in one commit.
// The credit row is keyed IdempotencyKey + ":credit".
func (a *Adapter) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if err := validateTransfer(req); err != nil {
		return TransferResult{}, err
	}

	if req.IdempotencyKey != "" {
		res, ok, err := a.replayTransfer(ctx, req.IdempotencyKey)
		if err != nil {
			return TransferResult{}, err
		}
		if ok {
			return res, nil
		}
	}

	debit := Delta{
		ActorID:        req.From,
		Amount:         -req.Amount,
		Type:           model.TransactionTypeTransferOut,
		Reference:      req.Reference,
		IdempotencyKey: req.IdempotencyKey,
		Remark:         req.Remark,
	}
	credit := Delta{
		ActorID:        req.To,
		Amount:         req.Amount,
		Type:           model.TransactionTypeTransferIn,
		Reference:      req.Reference,
		IdempotencyKey: creditKey(req.IdempotencyKey),
		Remark:         req.Remark,
	}

	rows, err := a.backend.Commit(ctx, []Entry{
		{Delta: debit, TransactionNo: a.nextTxNo()},
		{Delta: credit, TransactionNo: a.nextTxNo()},
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			res, ok, rerr := a.replayTransfer(ctx, req.IdempotencyKey)
			if rerr != nil {
				return TransferResult{}, rerr
			}
			if ok {
				return res, nil
			}
		}
		return TransferResult{}, fmt.Errorf("transfer: %w", err)
	}

	return TransferResult{
		Sender:   changeFromRow(rows[0], false),
		Receiver: changeFromRow(rows[1], false),
	}, nil
}

// Lookup returns the change committed under key, or nil when none was.
func (a *Adapter) Lookup(ctx context.Context, key string) (*Change, error) {
	row, err := a.backend.FindByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	c := changeFromRow(row, true)
	return &c, nil
}

func (a *Adapter) replayDelta(ctx context.Context, key string) (Change, error) {
	prev, err := a.Lookup(ctx, key)
	if err != nil {
		return Change{}, err
	}
	if prev == nil {
		return Change{}, fmt.Errorf("apply delta: %w", ErrDuplicateIdempotencyKey)
	}
	a.logger.Info("idempotent replay", slog.String("operation", "apply_delta"), slog.String("idempotency_key", key))
	return *prev, nil
}

func (a *Adapter) replayTransfer(ctx context.Context, key string) (TransferResult, bool, error) {
	sender, err := a.Lookup(ctx, key)
	if err != nil || sender == nil {
		return TransferResult{}, false, err
	}
	receiver, err := a.Lookup(ctx, creditKey(key))
	if err != nil {
		return TransferResult{}, false, err
	}
	if receiver == nil {
		// the key was used by a non-transfer mutation
		return TransferResult{}, false, apperr.Invalid("idempotencyKey", "already used by another operation")
	}
	a.logger.Info("idempotent replay", slog.String("operation", "transfer"), slog.String("idempotency_key", key))
	return TransferResult{Sender: *sender, Receiver: *receiver, Replayed: true}, true, nil
}

func creditKey(key string) string {
	if key == "" {
		return ""
	}
	return key + ":credit"
}

func validateDelta(d Delta) error {
	if d.ActorID <= 0 {
		return apperr.Invalid("actorId", "must be positive")
	}
	if d.Amount == 0 && d.HeldDelta == 0 {
		return apperr.Invalid("amount", "delta must change the balance or the held amount")
	}
	if d.Type == "" {
		return apperr.Invalid("type", "is required")
	}
	if d.ExpectedBefore != nil && *d.ExpectedBefore < 0 {
		return apperr.Invalid("expectedBefore", "must not be negative")
	}
	return nil
}

func validateTransfer(req TransferRequest) error {
	if req.From <= 0 {
		return apperr.Invalid("from", "must be positive")
	}
	if req.To <= 0 {
		return apperr.Invalid("to", "must be positive")
	}
	if req.From == req.To {
		return apperr.Invalid("to", "must differ from sender")
	}
	if req.Amount <= 0 {
		return apperr.Invalid("amount", "must be positive")
	}
	return nil
}

// step applies e to acc in place and returns the history row it produces.
// Backends call it while holding whatever lock protects acc.
func step(acc *model.Account, e Entry) (*model.AccountTransaction, error) {
	if e.ExpectedBefore != nil && *e.ExpectedBefore != acc.Balance {
		return nil, ErrBalanceChanged
	}

	balance := acc.Balance + e.Amount
	held := acc.HeldAmount + e.HeldDelta
	if balance < 0 || held < 0 || held > balance {
		return nil, ErrInsufficientBalance
	}

	row := &model.AccountTransaction{
		TransactionNo: e.TransactionNo,
		UserID:        acc.UserID,
		Reference:     e.Reference,
		Amount:        e.Amount,
		HeldDelta:     e.HeldDelta,
		Type:          e.Type,
		BalanceBefore: acc.Balance,
		BalanceAfter:  balance,
		HeldBefore:    acc.HeldAmount,
		HeldAfter:     held,
		Remark:        e.Remark,
	}
	if e.IdempotencyKey != "" {
		key := e.IdempotencyKey
		row.IdempotencyKey = &key
	}

	acc.Balance = balance
	acc.HeldAmount = held
	return row, nil
}

// creates reports whether e may open a new account: it only adds funds.
func creates(e Entry) bool {
	return e.Amount >= 0 && e.HeldDelta >= 0
}

func changeFromRow(row *model.AccountTransaction, replayed bool) Change {
	return Change{
		ActorID:       row.UserID,
		Reference:     row.Reference,
		Before:        row.BalanceBefore,
		After:         row.BalanceAfter,
		HeldBefore:    row.HeldBefore,
		HeldAfter:     row.HeldAfter,
		TransactionNo: row.TransactionNo,
		Replayed:      replayed,
	}
}
