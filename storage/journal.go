package storage

import (
	"errors"
	"sort"
)

type journalEntry struct {
	value   []byte
	deleted bool
}

type journalChange struct {
	key     string
	prev    journalEntry
	hadPrev bool
}

// Journal buffers writes on top of a Database. Snapshots mark positions in the
// change log so that a failing nested call can discard exactly its own writes.
// Nothing reaches the underlying database until Commit.
type Journal struct {
	db      Database
	dirty   map[string]journalEntry
	changes []journalChange
}

func NewJournal(db Database) *Journal {
	return &Journal{db: db, dirty: make(map[string]journalEntry)}
}

// Get returns the current value of key and whether it exists.
func (j *Journal) Get(key []byte) ([]byte, bool, error) {
	if entry, ok := j.dirty[string(key)]; ok {
		if entry.deleted {
			return nil, false, nil
		}
		return append([]byte(nil), entry.value...), true, nil
	}
	value, err := j.db.Get(key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (j *Journal) Put(key, value []byte) {
	j.record(string(key))
	j.dirty[string(key)] = journalEntry{value: append([]byte(nil), value...)}
}

func (j *Journal) Delete(key []byte) {
	j.record(string(key))
	j.dirty[string(key)] = journalEntry{deleted: true}
}

func (j *Journal) record(key string) {
	prev, ok := j.dirty[key]
	j.changes = append(j.changes, journalChange{key: key, prev: prev, hadPrev: ok})
}

// Snapshot returns an identifier for the current position in the change log.
func (j *Journal) Snapshot() int { return len(j.changes) }

// RevertToSnapshot undoes every write recorded after the snapshot was taken.
func (j *Journal) RevertToSnapshot(id int) {
	if id < 0 {
		id = 0
	}
	for i := len(j.changes) - 1; i >= id; i-- {
		change := j.changes[i]
		if change.hadPrev {
			j.dirty[change.key] = change.prev
		} else {
			delete(j.dirty, change.key)
		}
	}
	if id < len(j.changes) {
		j.changes = j.changes[:id]
	}
}

// Dirty reports how many keys carry uncommitted writes.
func (j *Journal) Dirty() int { return len(j.dirty) }

// Commit flushes all buffered writes to the database in a single batch and
// resets the journal.
func (j *Journal) Commit() error {
	if len(j.dirty) == 0 {
		j.changes = j.changes[:0]
		return nil
	}
	keys := make([]string, 0, len(j.dirty))
	for key := range j.dirty {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := new(Batch)
	for _, key := range keys {
		entry := j.dirty[key]
		if entry.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), entry.value)
	}
	if err := j.db.Write(batch); err != nil {
		return err
	}
	j.Discard()
	return nil
}

// Discard drops all buffered writes.
func (j *Journal) Discard() {
	j.dirty = make(map[string]journalEntry)
	j.changes = j.changes[:0]
}
