package cache

import "context"

// WriteThrough layers a small fast front cache over an authoritative back
// cache. Reads try the front first and populate it on a back hit; writes go to
// both. Values larger than frontLimit bytes are kept out of the front.
type WriteThrough struct {
	front      Backend
	back       Backend
	frontLimit int64
}

// NewWriteThrough returns a WriteThrough. A frontLimit of zero or less admits
// values of any size into the front.
func NewWriteThrough(front, back Backend, frontLimit int64) *WriteThrough {
	return &WriteThrough{front: front, back: back, frontLimit: frontLimit}
}

func (w *WriteThrough) fitsFront(key string, value []byte) bool {
	return w.frontLimit <= 0 || int64(len(key)+len(value)) <= w.frontLimit
}

func (w *WriteThrough) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := w.front.Get(ctx, key); ok {
		return v, true
	}
	v, ok := w.back.Get(ctx, key)
	if !ok {
		return nil, false
	}
	if w.fitsFront(key, v) {
		w.front.Put(ctx, key, v)
	}
	return v, true
}

func (w *WriteThrough) Put(ctx context.Context, key string, value []byte) {
	if w.fitsFront(key, value) {
		w.front.Put(ctx, key, value)
	} else {
		// Drop any smaller, now stale, copy.
		w.front.Delete(ctx, key)
	}
	w.back.Put(ctx, key, value)
}

func (w *WriteThrough) Delete(ctx context.Context, key string) {
	w.front.Delete(ctx, key)
	w.back.Delete(ctx, key)
}

func (w *WriteThrough) Name() string {
	return "WriteThrough(" + w.front.Name() + "," + w.back.Name() + ")"
}

func (w *WriteThrough) Healthy() bool { return w.back.Healthy() }
