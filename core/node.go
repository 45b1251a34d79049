package core

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"swapvault/core/escrow"
	"swapvault/core/events"
	"swapvault/core/ledger"
	"swapvault/crypto"
	"swapvault/observability"
	"swapvault/storage"
)

var genesisMarkerKey = []byte("swapvault/genesis/seeded")

// GenesisAsset declares a token that exists from first boot.
type GenesisAsset struct {
	Symbol   string
	Name     string
	Decimals uint8
}

// GenesisAllocation credits an address at first boot.
type GenesisAllocation struct {
	Asset   string
	Address [20]byte
	Amount  *big.Int
}

// Node wires the escrow engine, the token ledger and the event journal over
// a single database handle and fans settled events out to live subscribers.
// Construct it once per process; everything it exposes is safe for
// concurrent use.
type Node struct {
	db      storage.Database
	journal *events.Journal
	ledger  *ledger.Ledger
	engine  *escrow.Engine

	streamMu     sync.Mutex
	streamSubs   map[uint64]chan events.JournalEntry
	streamNextID uint64
}

// NewNode assembles a node over db with the supplied journal and ledger
// authority. The engine and ledger publish through the journal first, then
// to live subscribers, so stream order always matches commit order.
func NewNode(db storage.Database, journal *events.Journal, authority [20]byte) *Node {
	n := &Node{
		db:         db,
		journal:    journal,
		streamSubs: make(map[uint64]chan events.JournalEntry),
	}
	n.ledger = ledger.NewLedger(db, authority)
	n.engine = escrow.NewEngine(escrow.NewStore(db), n.ledger)

	emitter := nodeEmitter{node: n}
	n.engine.SetEmitter(emitter)
	n.ledger.SetEmitter(emitter)
	return n
}

// Escrow exposes the escrow engine.
func (n *Node) Escrow() *escrow.Engine { return n.engine }

// Ledger exposes the token ledger.
func (n *Node) Ledger() *ledger.Ledger { return n.ledger }

// Journal exposes the durable event journal.
func (n *Node) Journal() *events.Journal { return n.journal }

// Close releases the journal. The database handle belongs to the caller.
func (n *Node) Close() error {
	if n.journal != nil {
		return n.journal.Close()
	}
	return nil
}

// SeedGenesis registers assets and credits allocations exactly once: a
// marker key makes reruns no-ops, so restarting the daemon never double
// credits.
func (n *Node) SeedGenesis(assets []GenesisAsset, allocs []GenesisAllocation) error {
	seeded, err := n.db.Has(genesisMarkerKey)
	if err != nil {
		return fmt.Errorf("core: check genesis marker: %w", err)
	}
	if seeded {
		return nil
	}
	for _, asset := range assets {
		if err := n.ledger.RegisterAsset(n.ledger.Authority(), asset.Symbol, asset.Name, asset.Decimals); err != nil {
			return fmt.Errorf("core: register genesis asset %s: %w", asset.Symbol, err)
		}
	}
	for _, alloc := range allocs {
		if err := n.ledger.Seed(alloc.Asset, alloc.Address, alloc.Amount); err != nil {
			return fmt.Errorf("core: seed genesis allocation: %w", err)
		}
	}
	if err := n.db.Put(genesisMarkerKey, []byte{1}); err != nil {
		return fmt.Errorf("core: write genesis marker: %w", err)
	}
	return nil
}

// --- escrow operations ---

// CreateEscrow locks funds into a new escrow on behalf of the signing maker.
func (n *Node) CreateEscrow(caller crypto.Principal, params escrow.CreateParams) ([32]byte, error) {
	return n.engine.Create(caller, params)
}

// WithdrawEscrow settles an escrow to its taker given the hashlock preimage.
func (n *Node) WithdrawEscrow(id [32]byte, secret []byte) error {
	return n.engine.Withdraw(id, secret)
}

// CancelEscrow returns expired escrow funds to the signing maker.
func (n *Node) CancelEscrow(caller crypto.Principal, id [32]byte) error {
	return n.engine.Cancel(caller, id)
}

// GetEscrow loads a full escrow record.
func (n *Node) GetEscrow(id [32]byte) (*escrow.Escrow, error) {
	return n.engine.Get(id)
}

// EscrowStatus loads just the lifecycle status of an escrow.
func (n *Node) EscrowStatus(id [32]byte) (escrow.Status, error) {
	return n.engine.StatusOf(id)
}

// ListEvents pages through the journal in commit order.
func (n *Node) ListEvents(after uint64, limit int) ([]events.JournalEntry, error) {
	return n.journal.List(after, limit)
}

// --- token operations ---

// TokenBalance reads an account balance.
func (n *Node) TokenBalance(asset string, addr [20]byte) (*big.Int, error) {
	return n.ledger.BalanceOf(asset, addr)
}

// TokenTransfer moves funds between two accounts.
func (n *Node) TokenTransfer(asset string, from, to [20]byte, amount *big.Int) error {
	return n.ledger.Transfer(asset, from, to, amount)
}

// TokenMint grows supply into an account; the principal must be the ledger
// authority.
func (n *Node) TokenMint(caller crypto.Principal, asset string, to [20]byte, amount *big.Int) error {
	return n.ledger.Mint(caller, asset, to, amount)
}

// TokenAsset reads registered asset metadata together with current supply.
func (n *Node) TokenAsset(symbol string) (*ledger.Asset, *big.Int, error) {
	asset, err := n.ledger.Asset(symbol)
	if err != nil {
		return nil, nil, err
	}
	supply, err := n.ledger.Supply(asset.Symbol)
	if err != nil {
		return nil, nil, err
	}
	return asset, supply, nil
}

// --- event stream ---

// SubscribeEvents registers a live subscriber and returns the journal
// backlog after the supplied sequence. Slow subscribers drop events from
// their channel rather than stalling commits; the journal remains the
// source of truth for replay. Entries may straddle the backlog/channel
// boundary, so consumers should skip sequences they have already seen.
func (n *Node) SubscribeEvents(after uint64) (<-chan events.JournalEntry, func(), []events.JournalEntry, error) {
	updates := make(chan events.JournalEntry, 64)

	n.streamMu.Lock()
	id := n.streamNextID
	n.streamNextID++
	n.streamSubs[id] = updates
	n.streamMu.Unlock()

	backlog, err := n.journal.List(after, 0)
	if err != nil {
		n.streamMu.Lock()
		delete(n.streamSubs, id)
		n.streamMu.Unlock()
		return nil, nil, nil, err
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.streamMu.Lock()
			sub, ok := n.streamSubs[id]
			if ok {
				delete(n.streamSubs, id)
				close(sub)
			}
			n.streamMu.Unlock()
		})
	}
	return updates, cancel, backlog, nil
}

// publish appends the event to the journal, then broadcasts the committed
// entry. Journal failures are logged and skip the broadcast so subscribers
// never see an event the journal did not durably record.
func (n *Node) publish(evt events.Event) {
	if evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	seq, err := n.journal.Append(payload)
	if err != nil {
		slog.Error("journal append failed", "type", payload.Type, "error", err)
		return
	}
	entries, err := n.journal.List(seq-1, 1)
	if err != nil || len(entries) == 0 {
		slog.Error("journal readback failed", "sequence", seq, "error", err)
		return
	}
	entry := entries[0]

	n.recordMetrics(entry)

	n.streamMu.Lock()
	for _, ch := range n.streamSubs {
		select {
		case ch <- entry:
		default:
		}
	}
	n.streamMu.Unlock()
}

func (n *Node) recordMetrics(entry events.JournalEntry) {
	asset := entry.Attributes["asset"]
	switch entry.Type {
	case events.TypeEscrowCreated:
		observability.EscrowMetrics().RecordCreated(asset)
	case events.TypeEscrowWithdrawn:
		observability.EscrowMetrics().RecordSettled(asset, "withdrawn", n.escrowOpenFor(entry))
	case events.TypeEscrowCancelled:
		observability.EscrowMetrics().RecordSettled(asset, "cancelled", n.escrowOpenFor(entry))
	}
}

func (n *Node) escrowOpenFor(entry events.JournalEntry) time.Duration {
	raw, err := hex.DecodeString(entry.Attributes["id"])
	if err != nil || len(raw) != 32 {
		return 0
	}
	var id [32]byte
	copy(id[:], raw)
	record, err := n.engine.Get(id)
	if err != nil {
		return 0
	}
	open := entry.CommitTime - record.CreatedAt
	if open <= 0 {
		return 0
	}
	return time.Duration(open) * time.Second
}

type nodeEmitter struct{ node *Node }

func (e nodeEmitter) Emit(evt events.Event) { e.node.publish(evt) }
