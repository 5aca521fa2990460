package work

import (
	"sync/atomic"
	"time"
)

// TemplateSource produces headers from a block template. Each call to
// NextData yields a header with a fresh coinbase extranonce.
type TemplateSource interface {
	NextData(now time.Time) (data [HeaderSize]byte, dataID uint32, err error)
	WorkLeft(now time.Time) int
	TimeLeft(now time.Time) time.Duration
}

// Template is a reference counted handle shared by every unit derived from
// one block template. The last Release frees the source.
type Template struct {
	src  TemplateSource
	refs atomic.Int32
	free func()
}

// NewTemplate wraps src with one reference held by the caller. free, if set,
// runs when the last reference is released.
func NewTemplate(src TemplateSource, free func()) *Template {
	t := &Template{src: src, free: free}
	t.refs.Store(1)
	return t
}

// Source returns the underlying template source
func (t *Template) Source() TemplateSource { return t.src }

// Retain adds a reference
func (t *Template) Retain() *Template {
	t.refs.Add(1)
	return t
}

// Release drops a reference and reports whether the template was freed
func (t *Template) Release() bool {
	if t.refs.Add(-1) != 0 {
		return false
	}
	if t.free != nil {
		t.free()
	}
	return true
}

// Refs returns the current reference count
func (t *Template) Refs() int32 { return t.refs.Load() }

// WorkLeft returns how many more headers the template can produce before it expires
func (t *Template) WorkLeft(now time.Time) int { return t.src.WorkLeft(now) }

// TimeLeft returns the remaining template lifetime
func (t *Template) TimeLeft(now time.Time) time.Duration { return t.src.TimeLeft(now) }
