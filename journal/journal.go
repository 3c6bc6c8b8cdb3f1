// Package journal persists the lifecycle of rooms, spawners and spawn tasks
// to BadgerDB, so operators can reconstruct what the master did after the
// fact. Writes are best-effort: a journaling failure is logged, never
// surfaced to the protocol flow that triggered it.
package journal

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"masterkit/protocol"
)

type EntryKind byte

const (
	RoomRegistered EntryKind = iota + 1
	RoomDestroyed
	PlayerJoined
	PlayerLeft
	SpawnerRegistered
	SpawnerDestroyed
	SpawnQueued
	SpawnStatusChanged
)

func (k EntryKind) String() string {
	switch k {
	case RoomRegistered:
		return "RoomRegistered"
	case RoomDestroyed:
		return "RoomDestroyed"
	case PlayerJoined:
		return "PlayerJoined"
	case PlayerLeft:
		return "PlayerLeft"
	case SpawnerRegistered:
		return "SpawnerRegistered"
	case SpawnerDestroyed:
		return "SpawnerDestroyed"
	case SpawnQueued:
		return "SpawnQueued"
	case SpawnStatusChanged:
		return "SpawnStatusChanged"
	default:
		return "Unknown"
	}
}

// Entry is one journaled lifecycle event. Ids that do not apply to the kind
// stay zero.
type Entry struct {
	Kind      EntryKind
	At        time.Time
	RoomID    int32
	SpawnerID int32
	SpawnID   int32
	PeerID    int32
	Detail    string
}

// Recorder is the sink interface the master's modules write through.
type Recorder interface {
	Append(e Entry) error
}

const keyPrefix = "journal:"

// Journal is the Badger-backed Recorder.
type Journal struct {
	db  *badger.DB
	log *slog.Logger
	seq atomic.Uint64
}

func New(db *badger.DB, log *slog.Logger) *Journal {
	return &Journal{db: db, log: log}
}

// Append persists one entry. Keys order by timestamp, with a sequence number
// breaking ties between entries within the same nanosecond.
func (j *Journal) Append(e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	key := fmt.Sprintf("%s%020d:%012d", keyPrefix, e.At.UnixNano(), j.seq.Add(1))

	w := protocol.NewWriter()
	w.WriteUint8(byte(e.Kind))
	w.WriteInt64(e.At.UnixNano())
	w.WriteInt32(e.RoomID)
	w.WriteInt32(e.SpawnerID)
	w.WriteInt32(e.SpawnID)
	w.WriteInt32(e.PeerID)
	w.WriteString(e.Detail)

	err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), w.Bytes())
	})
	if err != nil {
		return fmt.Errorf("journaling %s: %w", e.Kind, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]Entry, error) {
	var entries []Entry

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// A reverse iteration starts past the end of the prefix range.
		seek := append([]byte(keyPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(keyPrefix)) && len(entries) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				e, err := decodeEntry(val)
				if err != nil {
					return err
				}
				entries = append(entries, e)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	return entries, nil
}

// DecodeEntry parses a stored journal value, used by inspection tooling.
func DecodeEntry(val []byte) (Entry, error) {
	return decodeEntry(val)
}

func decodeEntry(val []byte) (Entry, error) {
	r := protocol.NewReader(val)
	e := Entry{
		Kind: EntryKind(r.ReadUint8()),
		At:   time.Unix(0, r.ReadInt64()),
	}
	e.RoomID = r.ReadInt32()
	e.SpawnerID = r.ReadInt32()
	e.SpawnID = r.ReadInt32()
	e.PeerID = r.ReadInt32()
	e.Detail = r.ReadString()
	return e, r.Err()
}

// Discard swallows journal entries; used where persistence is disabled.
type Discard struct{}

func (Discard) Append(Entry) error { return nil }
