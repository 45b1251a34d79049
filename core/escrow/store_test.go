package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"swapvault/storage"
)

func testAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func testParams() CreateParams {
	return CreateParams{
		Maker:       testAddress(0x01),
		Taker:       testAddress(0x02),
		Asset:       "SVT",
		Amount:      big.NewInt(1000),
		Hashlock:    CommitSecret([]byte("orca")),
		WindowStart: 1000,
		WindowEnd:   2000,
	}
}

func testRecord(id [32]byte) *Escrow {
	p := testParams()
	return &Escrow{
		ID:          id,
		Maker:       p.Maker,
		Taker:       p.Taker,
		Asset:       p.Asset,
		Amount:      new(big.Int).Set(p.Amount),
		Hashlock:    p.Hashlock,
		WindowStart: p.WindowStart,
		WindowEnd:   p.WindowEnd,
		CreatedAt:   1_700_000_000,
		Status:      StatusActive,
	}
}

func TestStoreRecordRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	id, _, err := store.NextID(testParams())
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	record := testRecord(id)
	if err := store.PutRecord(record); err != nil {
		t.Fatalf("put record: %v", err)
	}

	loaded, ok, err := store.GetRecord(id)
	if err != nil || !ok {
		t.Fatalf("get record ok=%v err=%v", ok, err)
	}
	if loaded.Maker != record.Maker || loaded.Taker != record.Taker {
		t.Fatal("parties did not round trip")
	}
	if loaded.Asset != "SVT" || loaded.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("terms did not round trip: %s %s", loaded.Asset, loaded.Amount)
	}
	if loaded.WindowStart != 1000 || loaded.WindowEnd != 2000 {
		t.Fatalf("window did not round trip: [%d, %d]", loaded.WindowStart, loaded.WindowEnd)
	}
	if loaded.Hashlock != record.Hashlock {
		t.Fatal("hashlock did not round trip")
	}
	if loaded.Status != StatusActive {
		t.Fatalf("expected active status, got %s", loaded.Status)
	}
}

func TestStoreRefusesOverwrite(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	id, _, err := store.NextID(testParams())
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if err := store.PutRecord(testRecord(id)); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := store.PutRecord(testRecord(id)); err == nil {
		t.Fatal("expected second put of the same ID to fail")
	}
}

func TestStoreMissingRecord(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	var id [32]byte
	id[0] = 0xFF

	if _, ok, err := store.GetRecord(id); err != nil || ok {
		t.Fatalf("expected absent record, ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.GetStatus(id); err != nil || ok {
		t.Fatalf("expected absent status, ok=%v err=%v", ok, err)
	}
	if err := store.SetStatus(id, StatusWithdrawn); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreSetStatus(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	id, _, err := store.NextID(testParams())
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if err := store.PutRecord(testRecord(id)); err != nil {
		t.Fatalf("put record: %v", err)
	}
	if err := store.SetStatus(id, StatusWithdrawn); err != nil {
		t.Fatalf("set status: %v", err)
	}
	status, ok, err := store.GetStatus(id)
	if err != nil || !ok {
		t.Fatalf("get status ok=%v err=%v", ok, err)
	}
	if status != StatusWithdrawn {
		t.Fatalf("expected withdrawn, got %s", status)
	}
	record, ok, err := store.GetRecord(id)
	if err != nil || !ok {
		t.Fatalf("get record ok=%v err=%v", ok, err)
	}
	if record.Amount.Cmp(big.NewInt(1000)) != 0 {
		t.Fatal("status write disturbed the immutable terms")
	}
	if err := store.SetStatus(id, Status(99)); err == nil {
		t.Fatal("expected invalid status value to be rejected")
	}
}

func TestStoreNonceAdvancesIDs(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	params := testParams()

	first, nonce1, err := store.NextID(params)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	second, nonce2, err := store.NextID(params)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if first == second {
		t.Fatal("identical params must still derive distinct IDs")
	}
	if nonce2 != nonce1+1 {
		t.Fatalf("expected nonce to advance by one, got %d then %d", nonce1, nonce2)
	}
}

func TestStoreNonceRevert(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	params := testParams()

	first, nonce, err := store.NextID(params)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	store.RevertNonce(params.Maker, nonce)

	again, _, err := store.NextID(params)
	if err != nil {
		t.Fatalf("next id after revert: %v", err)
	}
	if first != again {
		t.Fatal("reverted nonce should reproduce the same ID")
	}
}

func TestStoreNoncePerMaker(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	a := testParams()
	b := testParams()
	b.Maker = testAddress(0x09)

	idA, nonceA, err := store.NextID(a)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	idB, nonceB, err := store.NextID(b)
	if err != nil {
		t.Fatalf("next id: %v", err)
	}
	if nonceA != 0 || nonceB != 0 {
		t.Fatalf("expected independent counters, got %d and %d", nonceA, nonceB)
	}
	if idA == idB {
		t.Fatal("different makers must derive different IDs")
	}
}
