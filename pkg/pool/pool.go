// Package pool provides object pooling for VRTree to reduce allocations.
//
// Object pooling reuses allocated objects instead of creating new ones,
// reducing GC pressure on the hot paths that serialize trees and frames.
//
// Pooled objects:
// - Encode buffers (document codecs, network frames, journal records)
// - Byte slices (raw property reads)
// - String builders and string slices (path building)
//
// Usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//
//	enc := yaml.NewEncoder(buf)
//	...
package pool

import (
	"bytes"
	"sync"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits the capacity of pooled slices
	MaxSize int

	// MaxBufferBytes limits the capacity of pooled buffers
	MaxBufferBytes int
}

var globalConfig = PoolConfig{
	Enabled:        true,
	MaxSize:        1000,
	MaxBufferBytes: 1024 * 1024,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	if config.MaxBufferBytes <= 0 {
		config.MaxBufferBytes = 1024 * 1024
	}
	globalConfig = config

	// Reinitialize pools to ensure New functions are set correctly
	initPools()
}

func initPools() {
	bufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4096))
		},
	}
	stringBuilderPool = sync.Pool{
		New: func() any {
			return &PooledStringBuilder{buf: make([]byte, 0, 256)}
		},
	}
	byteSlicePool = sync.Pool{
		New: func() any {
			return make([]byte, 0, 1024)
		},
	}
	stringSlicePool = sync.Pool{
		New: func() any {
			return make([]string, 0, 16)
		},
	}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// =============================================================================
// Buffer Pool (codecs and frames)
// =============================================================================

var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer returns an empty buffer from the pool.
// Call PutBuffer when done; the buffer's bytes must not be retained.
func GetBuffer() *bytes.Buffer {
	if !globalConfig.Enabled {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	}
	b := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// PutBuffer returns a buffer to the pool.
func PutBuffer(b *bytes.Buffer) {
	if !globalConfig.Enabled || b == nil {
		return
	}
	// Don't pool huge buffers (memory leak prevention)
	if b.Cap() > globalConfig.MaxBufferBytes {
		return
	}
	b.Reset()
	bufferPool.Put(b)
}

// =============================================================================
// String Builder Pool
// =============================================================================

var stringBuilderPool = sync.Pool{
	New: func() any {
		return &PooledStringBuilder{buf: make([]byte, 0, 256)}
	},
}

// PooledStringBuilder is a poolable string builder.
type PooledStringBuilder struct {
	buf []byte
}

// WriteString appends a string to the builder.
func (b *PooledStringBuilder) WriteString(s string) {
	b.buf = append(b.buf, s...)
}

// WriteByte appends a byte to the builder.
func (b *PooledStringBuilder) WriteByte(c byte) error {
	b.buf = append(b.buf, c)
	return nil
}

// String returns the built string.
func (b *PooledStringBuilder) String() string {
	return string(b.buf)
}

// Len returns current length.
func (b *PooledStringBuilder) Len() int {
	return len(b.buf)
}

// Reset clears the builder for reuse.
func (b *PooledStringBuilder) Reset() {
	b.buf = b.buf[:0]
}

// GetStringBuilder returns a string builder from the pool.
func GetStringBuilder() *PooledStringBuilder {
	if !globalConfig.Enabled {
		return &PooledStringBuilder{buf: make([]byte, 0, 256)}
	}
	b := stringBuilderPool.Get().(*PooledStringBuilder)
	b.Reset()
	return b
}

// PutStringBuilder returns a string builder to the pool.
func PutStringBuilder(b *PooledStringBuilder) {
	if !globalConfig.Enabled || b == nil {
		return
	}
	if cap(b.buf) > 64*1024 {
		return
	}
	b.Reset()
	stringBuilderPool.Put(b)
}

// =============================================================================
// Byte Slice Pool (raw property reads)
// =============================================================================

var byteSlicePool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 1024)
	},
}

// GetBytes returns a byte slice of length n, reusing pooled storage when
// it is large enough.
func GetBytes(n int) []byte {
	if !globalConfig.Enabled {
		return make([]byte, n)
	}
	buf := byteSlicePool.Get().([]byte)
	if cap(buf) < n {
		byteSlicePool.Put(buf[:0])
		return make([]byte, n)
	}
	return buf[:n]
}

// PutBytes returns a byte slice to the pool.
func PutBytes(buf []byte) {
	if !globalConfig.Enabled {
		return
	}
	if cap(buf) > globalConfig.MaxBufferBytes {
		return
	}
	byteSlicePool.Put(buf[:0])
}

// =============================================================================
// String Slice Pool
// =============================================================================

var stringSlicePool = sync.Pool{
	New: func() any {
		return make([]string, 0, 16)
	},
}

// GetStringSlice returns a string slice from the pool.
func GetStringSlice() []string {
	if !globalConfig.Enabled {
		return make([]string, 0, 16)
	}
	return stringSlicePool.Get().([]string)[:0]
}

// PutStringSlice returns a string slice to the pool.
func PutStringSlice(s []string) {
	if !globalConfig.Enabled {
		return
	}
	if cap(s) > globalConfig.MaxSize {
		return
	}
	for i := range s {
		s[i] = ""
	}
	stringSlicePool.Put(s[:0])
}
