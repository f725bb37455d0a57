package index

import (
	"crypto/md5"
	"fmt"
	"hash"
	"sync"
)

// contentHasher provides pooled hashing for index blobs and model payloads,
// used to detect unchanged content and skip no-op index rewrites.
type contentHasher struct {
	hasher hash.Hash
	mu     sync.Mutex
}

var hasherPool = sync.Pool{
	New: func() interface{} {
		return &contentHasher{
			hasher: md5.New(),
		}
	},
}

func getHasher() *contentHasher {
	return hasherPool.Get().(*contentHasher)
}

func putHasher(h *contentHasher) {
	h.hasher.Reset()
	hasherPool.Put(h)
}

func (h *contentHasher) sum(data []byte) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.hasher.Reset()
	h.hasher.Write(data)
	return fmt.Sprintf("%x", h.hasher.Sum(nil))
}

// ContentHash returns the hex digest of data using a pooled hasher.
func ContentHash(data []byte) string {
	h := getHasher()
	defer putHasher(h)
	return h.sum(data)
}
