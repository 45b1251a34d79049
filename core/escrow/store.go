package escrow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"swapvault/storage"
)

var (
	recordPrefix = []byte("escrow/record/")
	noncePrefix  = []byte("escrow/nonce/")
)

func recordKey(id [32]byte) []byte {
	buf := make([]byte, len(recordPrefix)+len(id))
	copy(buf, recordPrefix)
	copy(buf[len(recordPrefix):], id[:])
	return ethcrypto.Keccak256(buf)
}

func nonceKey(maker [20]byte) []byte {
	buf := make([]byte, len(noncePrefix)+len(maker))
	copy(buf, noncePrefix)
	copy(buf[len(noncePrefix):], maker[:])
	return ethcrypto.Keccak256(buf)
}

// storedEscrow is the RLP wire form of an escrow record. Signed integers are
// carried as big.Ints because RLP has no native signed encoding.
type storedEscrow struct {
	ID          [32]byte
	Maker       [20]byte
	Taker       [20]byte
	Asset       string
	Amount      *big.Int
	Hashlock    [32]byte
	WindowStart *big.Int
	WindowEnd   *big.Int
	CreatedAt   *big.Int
	Status      uint8
}

func newStoredEscrow(e *Escrow) *storedEscrow {
	if e == nil {
		return nil
	}
	amount := big.NewInt(0)
	if e.Amount != nil {
		amount = new(big.Int).Set(e.Amount)
	}
	return &storedEscrow{
		ID:          e.ID,
		Maker:       e.Maker,
		Taker:       e.Taker,
		Asset:       e.Asset,
		Amount:      amount,
		Hashlock:    e.Hashlock,
		WindowStart: big.NewInt(e.WindowStart),
		WindowEnd:   big.NewInt(e.WindowEnd),
		CreatedAt:   big.NewInt(e.CreatedAt),
		Status:      uint8(e.Status),
	}
}

func (s *storedEscrow) toEscrow() (*Escrow, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow: nil storage record")
	}
	out := &Escrow{
		ID:       s.ID,
		Maker:    s.Maker,
		Taker:    s.Taker,
		Asset:    s.Asset,
		Amount:   big.NewInt(0),
		Hashlock: s.Hashlock,
		Status:   Status(s.Status),
	}
	if s.Amount != nil {
		out.Amount = new(big.Int).Set(s.Amount)
	}
	if s.WindowStart != nil {
		out.WindowStart = s.WindowStart.Int64()
	}
	if s.WindowEnd != nil {
		out.WindowEnd = s.WindowEnd.Int64()
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	if !out.Status.Valid() {
		return nil, fmt.Errorf("escrow: corrupt status %d for %x", s.Status, s.ID)
	}
	return out, nil
}

// Store persists escrow records and per-maker ID nonces in a key-value
// database. It is deliberately dumb: transition legality and window checks
// belong to the engine, not here.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

// PutRecord persists a freshly created escrow. It refuses to overwrite an
// existing ID since records are immutable after creation.
func (s *Store) PutRecord(e *Escrow) error {
	if e == nil {
		return fmt.Errorf("escrow: nil record")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("escrow: invalid status %d", e.Status)
	}
	key := recordKey(e.ID)
	exists, err := s.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("escrow: record %x already exists", e.ID)
	}
	return s.writeRecord(key, e)
}

func (s *Store) writeRecord(key []byte, e *Escrow) error {
	encoded, err := rlp.EncodeToBytes(newStoredEscrow(e))
	if err != nil {
		return err
	}
	return s.db.Put(key, encoded)
}

// GetRecord loads the escrow for id. The boolean reports presence; absent IDs
// are not an error at this layer.
func (s *Store) GetRecord(id [32]byte) (*Escrow, bool, error) {
	data, err := s.db.Get(recordKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	stored := new(storedEscrow)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false, fmt.Errorf("escrow: decode record %x: %w", id, err)
	}
	record, err := stored.toEscrow()
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// GetStatus loads just the lifecycle status for id.
func (s *Store) GetStatus(id [32]byte) (Status, bool, error) {
	record, ok, err := s.GetRecord(id)
	if err != nil || !ok {
		return 0, ok, err
	}
	return record.Status, true, nil
}

// SetStatus rewrites the stored record with the new status. The caller is
// responsible for transition legality.
func (s *Store) SetStatus(id [32]byte, next Status) error {
	if !next.Valid() {
		return fmt.Errorf("escrow: invalid status %d", next)
	}
	record, ok, err := s.GetRecord(id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	record.Status = next
	return s.writeRecord(recordKey(id), record)
}

// NextID derives a fresh collision-resistant escrow ID from the creation
// parameters and the maker's persisted nonce, then advances the nonce. The
// returned nonce lets the caller RevertNonce if creation aborts.
func (s *Store) NextID(p CreateParams) ([32]byte, uint64, error) {
	key := nonceKey(p.Maker)
	current, err := s.loadNonce(key)
	if err != nil {
		return [32]byte{}, 0, err
	}

	buf := make([]byte, 0, 160)
	buf = append(buf, p.Maker[:]...)
	buf = append(buf, p.Taker[:]...)
	buf = appendDelimited(buf, []byte(p.Asset))
	buf = appendDelimited(buf, p.Amount.Bytes())
	buf = append(buf, p.Hashlock[:]...)
	buf = appendUint64(buf, uint64(p.WindowStart))
	buf = appendUint64(buf, uint64(p.WindowEnd))
	buf = appendUint64(buf, current)

	var id [32]byte
	copy(id[:], ethcrypto.Keccak256(buf))

	if err := s.writeNonce(key, current+1); err != nil {
		return [32]byte{}, 0, err
	}
	return id, current, nil
}

// RevertNonce restores the maker's nonce after an aborted creation.
func (s *Store) RevertNonce(maker [20]byte, nonce uint64) {
	_ = s.writeNonce(nonceKey(maker), nonce)
}

func (s *Store) loadNonce(key []byte) (uint64, error) {
	raw, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("escrow: corrupt nonce state")
	}
	return binary.BigEndian.Uint64(raw), nil
}

func (s *Store) writeNonce(key []byte, nonce uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, nonce)
	return s.db.Put(key, buf)
}

func appendDelimited(buf, data []byte) []byte {
	buf = appendUint64(buf, uint64(len(data)))
	return append(buf, data...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
