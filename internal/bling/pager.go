package bling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
)

// FetchFunc returns the raw body of one 1-based page. (*Client).Fetch
// satisfies it.
type FetchFunc func(ctx context.Context, kind schema.Kind, page, pageSize int) ([]byte, error)

// Walker iterates over the pages of one ledger kind until the first page
// without items.
//
//	w := bling.Walk(client.Fetch, schema.Payable, 100)
//	for w.Next(ctx) {
//	    for _, item := range w.Batch() { ... }
//	}
//	if err := w.Err(); err != nil { ... }
//
// The walker does not de-duplicate items that shift between pages while
// the remote data changes.
type Walker struct {
	fetch    FetchFunc
	kind     schema.Kind
	pageSize int

	next  int
	page  int
	batch []json.RawMessage
	shape Shape
	err   error
	done  bool
}

// Walk returns a walker positioned before page 1.
func Walk(fetch FetchFunc, kind schema.Kind, pageSize int) *Walker {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Walker{fetch: fetch, kind: kind, pageSize: pageSize, next: 1}
}

// Next fetches the next page. It returns false at the first empty page or on
// error; check Err afterwards.
func (w *Walker) Next(ctx context.Context) bool {
	if w.done {
		return false
	}
	w.batch = nil

	if err := ctx.Err(); err != nil {
		w.fail(err)
		return false
	}

	payload, err := w.fetch(ctx, w.kind, w.next, w.pageSize)
	if err != nil {
		w.fail(fmt.Errorf("failed to fetch %s page %d: %w", w.kind, w.next, err))
		return false
	}

	env := Classify(payload, w.kind)
	if len(env.Items) == 0 {
		w.done = true
		return false
	}

	w.batch = env.Items
	w.shape = env.Shape
	w.page = w.next
	w.next++
	return true
}

func (w *Walker) fail(err error) {
	w.err = err
	w.done = true
}

// Batch returns the items of the current page.
func (w *Walker) Batch() []json.RawMessage { return w.batch }

// Page returns the 1-based number of the current page.
func (w *Walker) Page() int { return w.page }

// Shape returns the envelope shape of the current page.
func (w *Walker) Shape() Shape { return w.shape }

// Pages returns how many non-empty pages have been consumed.
func (w *Walker) Pages() int { return w.next - 1 }

// Err returns the error that stopped the walk, if any.
func (w *Walker) Err() error { return w.err }
