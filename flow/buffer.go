package flow

import (
	"sync"
)

// bufferSize is the read size used for inner transport reads.
const bufferSize = 8192

var bufferPool = sync.Pool{
	New: func() interface{} {
		return &buffer{}
	},
}

type buffer struct {
	buf [bufferSize]byte
}

func newBuffer() *buffer {
	return bufferPool.Get().(*buffer)
}

func freeBuffer(b *buffer) {
	bufferPool.Put(b)
}
