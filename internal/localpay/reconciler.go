// Package localpay confirms out-of-band QR payments into a session ledger.
// Nothing here touches the chain.
package localpay

import (
	"context"
	"sync"
	"time"

	"staychain/internal/amount"
	"staychain/internal/metrics"
	"staychain/pkg/apperror"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	UnknownMerchant = "Unknown Merchant"
	DefaultAmount   = "100"
	DefaultCurrency = "cKES"
)

type State string

const (
	StateIdle                 State = "idle"
	StateScanning             State = "scanning"
	StateAwaitingConfirmation State = "awaiting_confirmation"
)

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// Record is one confirmed ledger entry.
type Record struct {
	ID        string    `json:"id"`
	Merchant  string    `json:"merchant"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency"`
	Reference string    `json:"reference,omitempty"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Defaults fill in what an unstructured payload cannot provide.
type Defaults struct {
	Merchant string
	Amount   string
	Currency string
}

// Snapshot is the reconciler's externally visible state.
type Snapshot struct {
	State   State   `json:"state"`
	Pending *Intent `json:"pending,omitempty"`
}

// Notification is one scanner callback: a decoded text or the close signal.
type Notification struct {
	Text   string
	Closed bool
}

// Reconciler owns a single scan session and its ledger.
type Reconciler struct {
	defaults Defaults
	codec    amount.Codec
	metrics  *metrics.Registry
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	state   State
	pending *Intent
	ledger  []Record
}

func New(defaults Defaults, m *metrics.Registry, log zerolog.Logger) *Reconciler {
	if defaults.Merchant == "" {
		defaults.Merchant = UnknownMerchant
	}
	if defaults.Amount == "" {
		defaults.Amount = DefaultAmount
	}
	if defaults.Currency == "" {
		defaults.Currency = DefaultCurrency
	}
	return &Reconciler{
		defaults: defaults,
		// Local amounts are display values; the registry scale bounds precision.
		codec:   amount.Registry,
		metrics: m,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		state:   StateIdle,
	}
}

// StartScan opens a scan session.
func (r *Reconciler) StartScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return apperror.ErrScanInProgress()
	}
	r.state = StateScanning
	r.metrics.IncLocalPayment("scanning")
	r.log.Debug().Msg("scan started")
	return nil
}

// OnDecoded applies the first decode of a scan session. Later decodes, and
// decodes outside a session, are ignored and report false.
func (r *Reconciler) OnDecoded(text string) (Intent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateScanning {
		r.log.Debug().Str("state", string(r.state)).Msg("ignoring decode")
		return Intent{}, false
	}
	in := r.Parse(text)
	r.pending = &in
	r.state = StateAwaitingConfirmation
	r.metrics.IncLocalPayment("awaiting_confirmation")
	r.log.Info().
		Str("merchant", in.Merchant).
		Str("amount", in.Amount).
		Str("currency", in.Currency).
		Bool("structured", in.Structured).
		Msg("payment awaiting confirmation")
	return in, true
}

// OnClosed ends a scan session that produced nothing.
func (r *Reconciler) OnClosed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateScanning {
		r.state = StateIdle
		r.log.Debug().Msg("scan closed without a payload")
	}
}

// Consume runs one scan session fed by a scanner channel. It returns once
// the scanner closes or ctx is done; a session still scanning at that point
// is abandoned.
func (r *Reconciler) Consume(ctx context.Context, scanner <-chan Notification) error {
	if err := r.StartScan(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			r.OnClosed()
			return ctx.Err()
		case n, ok := <-scanner:
			if !ok || n.Closed {
				r.OnClosed()
				return nil
			}
			r.OnDecoded(n.Text)
		}
	}
}

// Scan is the single-shot form used by request handlers.
func (r *Reconciler) Scan(payload string) (Intent, error) {
	if err := r.StartScan(); err != nil {
		return Intent{}, err
	}
	in, _ := r.OnDecoded(payload)
	return in, nil
}

// Confirm records the pending payment, timestamped now.
func (r *Reconciler) Confirm() (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateAwaitingConfirmation || r.pending == nil {
		return Record{}, apperror.ErrNoPendingPayment()
	}
	rec := Record{
		ID:        uuid.NewString(),
		Merchant:  r.pending.Merchant,
		Amount:    r.pending.Amount,
		Currency:  r.pending.Currency,
		Reference: r.pending.Reference,
		Status:    StatusConfirmed,
		Timestamp: r.now(),
	}
	r.ledger = append(r.ledger, rec)
	r.pending = nil
	r.state = StateIdle
	r.metrics.IncLocalPayment(string(StatusConfirmed))
	r.log.Info().Str("id", rec.ID).Str("merchant", rec.Merchant).Str("amount", rec.Amount).Msg("local payment confirmed")
	return rec, nil
}

// Cancel discards the pending payment or an open scan.
func (r *Reconciler) Cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateIdle {
		return apperror.ErrNoPendingPayment()
	}
	r.pending = nil
	r.state = StateIdle
	r.metrics.IncLocalPayment(string(StatusCancelled))
	r.log.Info().Msg("local payment cancelled")
	return nil
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{State: r.state}
	if r.pending != nil {
		p := *r.pending
		s.Pending = &p
	}
	return s
}

// Ledger returns confirmed records, oldest first.
func (r *Reconciler) Ledger() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.ledger...)
}
