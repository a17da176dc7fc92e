package storage

import (
	"context"
	"iter"
	"time"
)

// DefaultPageSize is used when ListOptions.PageSize is unset
const DefaultPageSize = 100

// ListOptions scopes a listing
type ListOptions struct {
	Prefix   string
	PageSize int
	// Recursive lists every object below Prefix rather than one level
	Recursive bool
}

// ObjectInfo is one listed object
type ObjectInfo struct {
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	ETag         string    `json:"etag"`
}

// PageFunc fetches the page following cursor ("" for the first page). It returns
// next == "" when there are no further pages.
type PageFunc func(ctx context.Context, cursor string) (objects []ObjectInfo, next string, err error)

// ObjectIterator walks a provider listing one page at a time. It is forward-only
// and not restartable; callers may stop at any point and should Close to release
// the provider cursor.
//
//	it := svc.ListObjects(ctx, storage.ListOptions{Prefix: "prod/public/"})
//	defer it.Close()
//	for it.Next() {
//	    obj := it.Object()
//	}
//	if err := it.Err(); err != nil { ... }
type ObjectIterator struct {
	ctx    context.Context
	cancel context.CancelFunc
	fetch  PageFunc

	page   []ObjectInfo
	pos    int
	cursor string
	cur    ObjectInfo
	done   bool
	err    error
}

// NewObjectIterator wraps fetch. The iterator owns a child context of ctx that
// Close cancels.
func NewObjectIterator(ctx context.Context, fetch PageFunc) *ObjectIterator {
	cctx, cancel := context.WithCancel(ctx)
	return &ObjectIterator{ctx: cctx, cancel: cancel, fetch: fetch}
}

// ErrorIterator returns an iterator that yields nothing and reports err
func ErrorIterator(err error) *ObjectIterator {
	return &ObjectIterator{cancel: func() {}, done: true, err: err}
}

// Next advances to the next object, fetching a new page when needed
func (it *ObjectIterator) Next() bool {
	for {
		if it.pos < len(it.page) {
			it.cur = it.page[it.pos]
			it.pos++
			return true
		}
		if it.done || it.err != nil {
			return false
		}
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}

		objects, next, err := it.fetch(it.ctx, it.cursor)
		if err != nil {
			it.err = err
			it.cancel()
			return false
		}
		it.page, it.pos = objects, 0
		it.cursor = next
		if next == "" {
			it.done = true
		}
		if len(objects) == 0 && it.done {
			it.cancel()
			return false
		}
	}
}

// Object returns the current object
func (it *ObjectIterator) Object() ObjectInfo { return it.cur }

// Err returns the first error encountered. A Close before exhaustion is not an error.
func (it *ObjectIterator) Err() error { return it.err }

// Cursor returns the provider continuation cursor for the next page
func (it *ObjectIterator) Cursor() string { return it.cursor }

// Close releases provider resources. It is safe to call more than once.
func (it *ObjectIterator) Close() error {
	it.cancel()
	it.done = true
	it.page = nil
	return nil
}

// All adapts the iterator to a range-over-func sequence. Breaking out of the
// loop closes the iterator. A listing error is yielded once as the final pair.
func (it *ObjectIterator) All() iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		defer it.Close()
		for it.Next() {
			if !yield(it.Object(), nil) {
				return
			}
		}
		if it.err != nil {
			yield(ObjectInfo{}, it.err)
		}
	}
}

// Collect drains up to limit objects (limit <= 0 means all) and closes the iterator
func (it *ObjectIterator) Collect(limit int) ([]ObjectInfo, error) {
	defer it.Close()
	var out []ObjectInfo
	for it.Next() {
		out = append(out, it.Object())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, it.Err()
}

// EffectivePageSize returns PageSize or DefaultPageSize when unset
func (o ListOptions) EffectivePageSize() int {
	if o.PageSize <= 0 {
		return DefaultPageSize
	}
	return o.PageSize
}
