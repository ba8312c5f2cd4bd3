package store

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	. "github.com/elves/evald/pkg/store/storedefs"
)

const bucketEntries = "entries"

func init() {
	initDB["initialize evaluation history"] = func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketEntries))
		return err
	}
}

// NextSeq returns the next sequence number of the history.
func (s *dbStore) NextSeq() (int, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEntries))
		seq = b.Sequence() + 1
		return nil
	})
	return int(seq), err
}

// AddEntry adds an entry to the history. The Seq and Digest fields of the
// argument are ignored and assigned by the store.
func (s *dbStore) AddEntry(e Entry) (int, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEntries))
		var err error
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		data, err := marshalEntry(e)
		if err != nil {
			return err
		}
		return b.Put(marshalSeq(seq), data)
	})
	return int(seq), err
}

// DelEntry deletes the entry with the given sequence number.
func (s *dbStore) DelEntry(seq int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEntries))
		return b.Delete(marshalSeq(uint64(seq)))
	})
}

// Entry queries the entry with the given sequence number.
func (s *dbStore) Entry(seq int) (Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEntries))
		v := b.Get(marshalSeq(uint64(seq)))
		if v == nil {
			return ErrNoMatchingEntry
		}
		var err error
		e, err = unmarshalEntry(uint64(seq), v)
		return err
	})
	return e, err
}

// IterateEntries iterates all the entries in the specified range, and calls
// the callback with each entry sequentially.
func (s *dbStore) IterateEntries(from, upto int, f func(Entry)) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEntries))
		c := b.Cursor()
		for k, v := c.Seek(marshalSeq(uint64(from))); k != nil && unmarshalSeq(k) < uint64(upto); k, v = c.Next() {
			e, err := unmarshalEntry(unmarshalSeq(k), v)
			if err != nil {
				return err
			}
			f(e)
		}
		return nil
	})
}

// Entries returns all entries within the specified range.
func (s *dbStore) Entries(from, upto int) ([]Entry, error) {
	var entries []Entry
	err := s.IterateEntries(from, upto, func(e Entry) {
		entries = append(entries, e)
	})
	return entries, err
}

// Recent returns the last n entries, oldest first.
func (s *dbStore) Recent(n int) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEntries))
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(entries) < n; k, v = c.Prev() {
			e, err := unmarshalEntry(unmarshalSeq(k), v)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, err
}

func marshalSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func unmarshalSeq(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
