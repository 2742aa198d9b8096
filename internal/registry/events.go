package registry

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"staychain/internal/chain"
	"staychain/internal/contracts"
	"staychain/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
)

type EventKind string

const (
	EventPropertyListed EventKind = "property_listed"
	EventRentPaid       EventKind = "rent_paid"
)

// Event is one decoded registry log.
type Event struct {
	Kind        EventKind                 `json:"kind"`
	PropertyID  uint64                    `json:"property_id"`
	TxHash      common.Hash               `json:"tx_hash"`
	LogIndex    uint                      `json:"log_index"`
	BlockNumber uint64                    `json:"block_number"`
	Listed      *contracts.PropertyListed `json:"listed,omitempty"`
	Rent        *contracts.RentPaid       `json:"rent,omitempty"`
}

type FeedOptions struct {
	FromBlock    uint64
	PollInterval time.Duration
	Buffer       int
	Metrics      *metrics.Registry
	Logger       zerolog.Logger
}

type logKey struct {
	tx    common.Hash
	index uint
}

// seenWindow is how many blocks of (tx, index) keys are kept for de-duplication.
const seenWindow = 128

// EventFeed polls registry logs and publishes them on a bounded channel.
// A full channel drops the event rather than stalling the poller.
type EventFeed struct {
	backend  chain.Reader
	address  common.Address
	abi      abi.ABI
	bound    *bind.BoundContract
	interval time.Duration
	out      chan Event
	metrics  *metrics.Registry
	log      zerolog.Logger

	next uint64
	seen map[logKey]uint64
}

func NewEventFeed(backend chain.Reader, address common.Address, opts FeedOptions) *EventFeed {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	parsed := contracts.MustRegistry()
	return &EventFeed{
		backend:  backend,
		address:  address,
		abi:      parsed,
		bound:    bind.NewBoundContract(address, parsed, nil, nil, nil),
		interval: opts.PollInterval,
		out:      make(chan Event, opts.Buffer),
		metrics:  opts.Metrics,
		log:      opts.Logger,
		next:     opts.FromBlock,
		seen:     make(map[logKey]uint64),
	}
}

// Events is closed when Run returns.
func (f *EventFeed) Events() <-chan Event {
	return f.out
}

// Run polls until ctx is done. Poll errors are logged and retried next tick.
func (f *EventFeed) Run(ctx context.Context) {
	defer close(f.out)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		if _, err := f.Poll(ctx); err != nil && ctx.Err() == nil {
			f.log.Warn().Err(err).Uint64("from_block", f.next).Msg("event poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches logs from the next unseen block up to head and returns how
// many new events were published. Not safe for concurrent use with Run.
func (f *EventFeed) Poll(ctx context.Context) (int, error) {
	head, err := f.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	if head < f.next {
		return 0, nil
	}

	logs, err := f.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(f.next),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{f.address},
		Topics: [][]common.Hash{{
			f.abi.Events[contracts.EventPropertyListed].ID,
			f.abi.Events[contracts.EventRentPaid].ID,
		}},
	})
	if err != nil {
		return 0, fmt.Errorf("filter logs: %w", err)
	}

	published := 0
	for _, l := range logs {
		key := logKey{tx: l.TxHash, index: l.Index}
		if _, dup := f.seen[key]; dup || l.Removed {
			continue
		}
		f.seen[key] = l.BlockNumber

		ev, err := f.decode(l)
		if err != nil {
			f.log.Warn().Err(err).Str("tx_hash", l.TxHash.Hex()).Msg("undecodable registry log")
			continue
		}
		select {
		case f.out <- ev:
			published++
		default:
			f.metrics.IncEventDropped()
			f.log.Warn().Str("kind", string(ev.Kind)).Uint64("property_id", ev.PropertyID).Msg("event dropped, consumer too slow")
		}
	}

	f.next = head + 1
	f.prune(head)
	return published, nil
}

func (f *EventFeed) decode(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return Event{}, fmt.Errorf("log without topics")
	}
	ev := Event{TxHash: l.TxHash, LogIndex: l.Index, BlockNumber: l.BlockNumber}
	switch l.Topics[0] {
	case f.abi.Events[contracts.EventPropertyListed].ID:
		var listed contracts.PropertyListed
		if err := f.bound.UnpackLog(&listed, contracts.EventPropertyListed, l); err != nil {
			return Event{}, err
		}
		ev.Kind = EventPropertyListed
		ev.Listed = &listed
		ev.PropertyID = idOf(listed.PropertyId)
	case f.abi.Events[contracts.EventRentPaid].ID:
		var paid contracts.RentPaid
		if err := f.bound.UnpackLog(&paid, contracts.EventRentPaid, l); err != nil {
			return Event{}, err
		}
		ev.Kind = EventRentPaid
		ev.Rent = &paid
		ev.PropertyID = idOf(paid.PropertyId)
	default:
		return Event{}, fmt.Errorf("unexpected topic %s", l.Topics[0].Hex())
	}
	return ev, nil
}

func (f *EventFeed) prune(head uint64) {
	if head < seenWindow {
		return
	}
	floor := head - seenWindow
	for k, block := range f.seen {
		if block < floor {
			delete(f.seen, k)
		}
	}
}

func idOf(x *big.Int) uint64 {
	if x == nil || !x.IsUint64() {
		return 0
	}
	return x.Uint64()
}
