package events

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"lukechampine.com/blake3"

	"swapvault/core/types"
)

var (
	bucketJournal = []byte("journal")
	bucketMeta    = []byte("meta")
	keyLastSeq    = []byte("lastSequence")
	keyLastHash   = []byte("lastHash")

	// ErrChainBroken reports a journal whose hash chain does not verify.
	ErrChainBroken = errors.New("events: journal hash chain broken")
)

// JournalEntry is a committed event plus its position and chain hash.
type JournalEntry struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	PrevHash   [32]byte          `json:"prevHash"`
	Hash       [32]byte          `json:"hash"`
	CommitTime int64             `json:"commitTime"`
}

// Journal is an append-only, hash-chained event log backed by BoltDB. It
// implements Emitter so the engine can be pointed straight at it; append
// failures surface through Err() since Emit cannot return one.
type Journal struct {
	db    *bolt.DB
	nowFn func() int64

	errMu   sync.Mutex
	lastErr error
}

// OpenJournal opens (and migrates) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJournal, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db, nowFn: func() int64 { return time.Now().Unix() }}, nil
}

// SetNowFunc overrides the commit-time clock. Intended for tests.
func (j *Journal) SetNowFunc(now func() int64) {
	if now != nil {
		j.nowFn = now
	}
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Emit implements Emitter. The first failed append latches into Err.
func (j *Journal) Emit(evt Event) {
	if j == nil || evt == nil {
		return
	}
	if _, err := j.Append(evt.Event()); err != nil {
		j.errMu.Lock()
		if j.lastErr == nil {
			j.lastErr = err
		}
		j.errMu.Unlock()
	}
}

// Err returns the first append failure observed through Emit, if any.
func (j *Journal) Err() error {
	if j == nil {
		return nil
	}
	j.errMu.Lock()
	defer j.errMu.Unlock()
	return j.lastErr
}

// Append commits the event and returns its sequence number. Sequences start
// at 1 and are strictly increasing in commit order.
func (j *Journal) Append(evt *types.Event) (uint64, error) {
	if j == nil || j.db == nil {
		return 0, errors.New("events: journal not open")
	}
	if evt == nil {
		return 0, errors.New("events: nil event")
	}
	var seq uint64
	err := j.db.Update(func(tx *bolt.Tx) error {
		journal := tx.Bucket(bucketJournal)
		meta := tx.Bucket(bucketMeta)

		last := readUint64(meta.Get(keyLastSeq))
		seq = last + 1

		var prev [32]byte
		if raw := meta.Get(keyLastHash); len(raw) == len(prev) {
			copy(prev[:], raw)
		}

		entry := JournalEntry{
			Sequence:   seq,
			Type:       evt.Type,
			Attributes: cloneAttributes(evt.Attributes),
			PrevHash:   prev,
			CommitTime: j.nowFn(),
		}
		entry.Hash = chainHash(prev, seq, evt.Type, entry.Attributes)

		encoded, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("encode journal entry: %w", err)
		}
		if err := journal.Put(sequenceKey(seq), encoded); err != nil {
			return err
		}
		if err := meta.Put(keyLastSeq, uint64Bytes(seq)); err != nil {
			return err
		}
		return meta.Put(keyLastHash, entry.Hash[:])
	})
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// List returns up to limit entries with sequence strictly greater than after,
// in commit order. A non-positive limit means no cap.
func (j *Journal) List(after uint64, limit int) ([]JournalEntry, error) {
	if j == nil || j.db == nil {
		return nil, errors.New("events: journal not open")
	}
	var entries []JournalEntry
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketJournal).Cursor()
		for k, v := cursor.Seek(sequenceKey(after + 1)); k != nil; k, v = cursor.Next() {
			var entry JournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			entries = append(entries, entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// LastSequence reports the sequence of the most recent entry (0 when empty).
func (j *Journal) LastSequence() (uint64, error) {
	if j == nil || j.db == nil {
		return 0, errors.New("events: journal not open")
	}
	var last uint64
	err := j.db.View(func(tx *bolt.Tx) error {
		last = readUint64(tx.Bucket(bucketMeta).Get(keyLastSeq))
		return nil
	})
	return last, err
}

// VerifyChain walks the journal front to back recomputing every chain hash.
func (j *Journal) VerifyChain() error {
	if j == nil || j.db == nil {
		return errors.New("events: journal not open")
	}
	return j.db.View(func(tx *bolt.Tx) error {
		var prev [32]byte
		var expectSeq uint64 = 1
		cursor := tx.Bucket(bucketJournal).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var entry JournalEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			if entry.Sequence != expectSeq {
				return fmt.Errorf("%w: gap at sequence %d", ErrChainBroken, expectSeq)
			}
			if entry.PrevHash != prev {
				return fmt.Errorf("%w: prev hash mismatch at sequence %d", ErrChainBroken, entry.Sequence)
			}
			if chainHash(prev, entry.Sequence, entry.Type, entry.Attributes) != entry.Hash {
				return fmt.Errorf("%w: hash mismatch at sequence %d", ErrChainBroken, entry.Sequence)
			}
			prev = entry.Hash
			expectSeq++
		}
		return nil
	})
}

func chainHash(prev [32]byte, seq uint64, eventType string, attrs map[string]string) [32]byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(prev[:])
	buf.Write(uint64Bytes(seq))
	writeDelimited(buf, []byte(eventType))
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeDelimited(buf, []byte(k))
		writeDelimited(buf, []byte(attrs[k]))
	}
	return blake3.Sum256(buf.Bytes())
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(data)))
	buf.Write(length[:])
	buf.Write(data)
}

func sequenceKey(seq uint64) []byte {
	return uint64Bytes(seq)
}

func uint64Bytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func readUint64(raw []byte) uint64 {
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func cloneAttributes(attrs map[string]string) map[string]string {
	cloned := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cloned[k] = v
	}
	return cloned
}
