package pool

import (
	"bytes"
	"sync"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/pkg/types"
)

// maxPooledBuffer caps buffers kept for reuse so one huge record doesn't pin memory
const maxPooledBuffer = 64 * 1024

// AccessLogPool is a pool of AccessLog values reused across records
var AccessLogPool = sync.Pool{
	New: func() interface{} {
		return new(types.AccessLog)
	},
}

// GetAccessLog retrieves a zeroed AccessLog from the pool
func GetAccessLog() *types.AccessLog {
	entry := AccessLogPool.Get().(*types.AccessLog)
	*entry = types.AccessLog{}
	return entry
}

// PutAccessLog returns an AccessLog to the pool
func PutAccessLog(entry *types.AccessLog) {
	if entry != nil {
		AccessLogPool.Put(entry)
	}
}

// ByteBufferPool is a pool of byte buffers used for JSON and base64 encoding
var ByteBufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetByteBuffer retrieves an empty byte buffer from the pool
func GetByteBuffer() *bytes.Buffer {
	buf := ByteBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutByteBuffer returns a byte buffer to the pool
func PutByteBuffer(buf *bytes.Buffer) {
	if buf != nil && buf.Cap() < maxPooledBuffer {
		buf.Reset()
		ByteBufferPool.Put(buf)
	}
}
