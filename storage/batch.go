package storage

import "fmt"

// KV is a single pending write.
type KV struct {
	Key   []byte
	Value []byte
}

// batchWriter is implemented by backends that can apply several writes
// atomically.
type batchWriter interface {
	WriteBatch(entries []KV) error
}

// Batch buffers writes against a Database and applies them together on
// Commit. Reads observe pending writes first. A Batch is itself a Database so
// snapshot code can write through it unchanged.
type Batch struct {
	db      Database
	pending map[string]int
	entries []KV
}

func NewBatch(db Database) *Batch {
	return &Batch{db: db, pending: make(map[string]int)}
}

func (b *Batch) Put(key []byte, value []byte) error {
	entry := KV{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}
	if idx, ok := b.pending[string(key)]; ok {
		b.entries[idx] = entry
		return nil
	}
	b.pending[string(key)] = len(b.entries)
	b.entries = append(b.entries, entry)
	return nil
}

func (b *Batch) Get(key []byte) ([]byte, error) {
	if idx, ok := b.pending[string(key)]; ok {
		return append([]byte(nil), b.entries[idx].Value...), nil
	}
	return b.db.Get(key)
}

// Close discards pending writes. It does not close the underlying database.
func (b *Batch) Close() {
	b.pending = make(map[string]int)
	b.entries = nil
}

// Len reports the number of distinct pending keys.
func (b *Batch) Len() int { return len(b.entries) }

// Commit applies the pending writes. Backends without atomic batches receive
// the writes in order.
func (b *Batch) Commit() error {
	if b.db == nil {
		return fmt.Errorf("storage: database not configured")
	}
	if len(b.entries) == 0 {
		return nil
	}
	var err error
	if writer, ok := b.db.(batchWriter); ok {
		err = writer.WriteBatch(b.entries)
	} else {
		for _, entry := range b.entries {
			if err = b.db.Put(entry.Key, entry.Value); err != nil {
				break
			}
		}
	}
	if err != nil {
		return fmt.Errorf("storage: commit batch: %w", err)
	}
	b.Close()
	return nil
}
