package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	entryPrefix = []byte("e:")
	metaPrefix  = []byte("m:")
)

type levelMeta struct {
	Size       int64
	LastAccess int64
}

type levelOp struct {
	touchKey string
	evict    bool
	barrier  chan struct{}
}

// LevelDB is a persistent Backend on a local LevelDB database. Values live
// under "e:<key>" and a small access record under "m:<key>". An in-memory index
// of sizes and access times drives eviction of the least recently used tenth
// once the total exceeds maxBytes. Access-time updates and eviction run on a
// single writer goroutine.
type LevelDB struct {
	maxBytes int64
	db       *leveldb.DB
	now      func() time.Time

	mu        sync.Mutex
	index     map[string]levelMeta
	totalSize int64

	// opsMu guards closing ops against concurrent sends.
	opsMu  sync.RWMutex
	closed bool
	ops    chan levelOp
	done   chan struct{}

	health *health
	log    zerolog.Logger
}

// OpenLevelDB opens (or creates) the database at path. A maxBytes of zero or
// less disables eviction.
func OpenLevelDB(path string, maxBytes int64, logger zerolog.Logger) (*LevelDB, error) {
	if path == "" {
		return nil, ValidationError{Reason: "empty leveldb path"}
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	logger = logger.With().Str("component", "leveldb-cache").Logger()
	d := &LevelDB{
		maxBytes: maxBytes,
		db:       db,
		now:      time.Now,
		index:    map[string]levelMeta{},
		ops:      make(chan levelOp, 1024),
		done:     make(chan struct{}),
		health:   newHealth(logger),
		log:      logger,
	}
	if err := d.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go d.writerLoop()
	return d, nil
}

func (d *LevelDB) Name() string  { return "LevelDB" }
func (d *LevelDB) Healthy() bool { return d.health.healthy() }

// Close drains pending writer work and closes the database. Gets and Puts
// after Close miss and are dropped.
func (d *LevelDB) Close() error {
	d.opsMu.Lock()
	if d.closed {
		d.opsMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ops)
	d.opsMu.Unlock()
	<-d.done
	return d.db.Close()
}

func (d *LevelDB) isClosed() bool {
	d.opsMu.RLock()
	defer d.opsMu.RUnlock()
	return d.closed
}

// send queues op for the writer unless the database is closed.
func (d *LevelDB) send(op levelOp) bool {
	d.opsMu.RLock()
	defer d.opsMu.RUnlock()
	if d.closed {
		return false
	}
	d.ops <- op
	return true
}

// Sync blocks until every access update and eviction queued before the call
// has been applied.
func (d *LevelDB) Sync() {
	ch := make(chan struct{})
	if d.send(levelOp{barrier: ch}) {
		<-ch
	}
}

func (d *LevelDB) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *LevelDB) KeyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

func (d *LevelDB) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Entries: len(d.index), Bytes: d.totalSize}
}

func (d *LevelDB) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix(metaPrefix), nil)
	defer it.Release()

	var total int64
	idx := map[string]levelMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), metaPrefix))
		var meta levelMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) Get(_ context.Context, key string) ([]byte, bool) {
	if d.isClosed() {
		return nil, false
	}
	b, err := d.db.Get([]byte(string(entryPrefix)+key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			d.health.fail("get", err)
		}
		return nil, false
	}
	d.health.ok()

	d.mu.Lock()
	meta, exists := d.index[key]
	if exists {
		meta.LastAccess = d.now().UnixNano()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if exists {
		d.send(levelOp{touchKey: key})
	}
	return b, true
}

func (d *LevelDB) Put(_ context.Context, key string, value []byte) {
	if d.isClosed() {
		return
	}
	meta := levelMeta{Size: int64(len(key) + len(value)), LastAccess: d.now().UnixNano()}
	mb, err := encodeGob(meta)
	if err != nil {
		d.health.fail("put", err)
		return
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(string(entryPrefix)+key), value)
	batch.Put([]byte(string(metaPrefix)+key), mb)
	if err := d.db.Write(batch, nil); err != nil {
		d.health.fail("put", err)
		return
	}
	d.health.ok()

	d.mu.Lock()
	if old, ok := d.index[key]; ok {
		d.totalSize -= old.Size
	}
	d.index[key] = meta
	d.totalSize += meta.Size
	over := d.maxBytes > 0 && d.totalSize > d.maxBytes
	d.mu.Unlock()

	if over {
		d.send(levelOp{evict: true})
	}
}

func (d *LevelDB) Delete(_ context.Context, key string) {
	if d.isClosed() {
		return
	}
	if err := d.applyDelete(key); err != nil {
		d.health.fail("delete", err)
	}
}

func (d *LevelDB) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		switch {
		case op.barrier != nil:
			close(op.barrier)
		case op.evict:
			d.evictSome()
		case op.touchKey != "":
			d.applyTouch(op.touchKey)
		}
	}
}

func (d *LevelDB) applyTouch(key string) {
	d.mu.Lock()
	meta, ok := d.index[key]
	d.mu.Unlock()
	if !ok {
		return
	}
	mb, err := encodeGob(meta)
	if err != nil {
		return
	}
	if err := d.db.Put([]byte(string(metaPrefix)+key), mb, nil); err != nil {
		d.health.fail("touch", err)
	}
}

func (d *LevelDB) applyDelete(key string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(string(entryPrefix) + key))
	batch.Delete([]byte(string(metaPrefix) + key))
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
	return nil
}

func (d *LevelDB) evictSome() {
	type item struct {
		key string
		m   levelMeta
	}

	d.mu.Lock()
	if d.totalSize <= d.maxBytes {
		d.mu.Unlock()
		return
	}
	items := make([]item, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, item{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		if err := d.applyDelete(items[i].key); err != nil {
			d.health.fail("evict", err)
			return
		}
	}
	d.log.Debug().Int("evicted", n).Msg("leveldb over budget")
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
