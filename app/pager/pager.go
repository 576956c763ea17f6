// Package pager accumulates pages from any paginated fetcher, the state
// behind an infinite-scroll listing. Pages are requested one at a time and
// appended to the accumulated slice, a reset starts over from page one.
package pager

import (
	"context"
	"errors"
	"sync"
)

// sentinel errors callers branch on
var (
	ErrBusy   = errors.New("page load already in flight")
	ErrNoMore = errors.New("no more pages")
)

// PageFunc fetches one page. Pages are 1-based. It returns the page items and
// the total number of items the source currently has.
type PageFunc[T any] func(ctx context.Context, page, perPage int) (items []T, total int, err error)

// Pager accumulates pages of T. Thread safe, but only one load runs at a time.
type Pager[T any] struct {
	fn      PageFunc[T]
	perPage int

	mu      sync.Mutex
	busy    bool
	gen     int // bumped by Reset, discards results of in-flight loads
	items   []T
	next    int // next page to fetch, 1-based
	total   int
	fetched bool // at least one page seen since reset
	short   bool // a short page terminated the listing
}

// New creates a Pager over fn with the given page size
func New[T any](fn PageFunc[T], perPage int) *Pager[T] {
	if perPage <= 0 {
		perPage = 20
	}
	return &Pager[T]{fn: fn, perPage: perPage, next: 1}
}

// LoadMore fetches the next page and appends its items. Returns the number of
// items added. ErrBusy when another load is in flight, ErrNoMore when the
// listing is exhausted.
func (p *Pager[T]) LoadMore(ctx context.Context) (int, error) {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		return 0, ErrBusy
	}
	if !p.hasMoreLocked() {
		p.mu.Unlock()
		return 0, ErrNoMore
	}
	p.busy = true
	gen, page := p.gen, p.next
	p.mu.Unlock()

	items, total, err := p.fn(ctx, page, p.perPage)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy = false
	if p.gen != gen {
		return 0, nil // reset happened mid-flight, results are for the old listing
	}
	if err != nil {
		return 0, err
	}

	p.items = append(p.items, items...)
	p.next = page + 1
	p.total = total
	p.fetched = true
	if len(items) < p.perPage {
		p.short = true
	}
	return len(items), nil
}

// Reload refetches every loaded page and swaps the accumulated items in one
// shot, so readers never observe a half-refreshed listing. Pages may have
// shifted since the original fetch, whatever the source serves now wins.
// ErrBusy when a load is in flight, a fetch error leaves the old items
// in place.
func (p *Pager[T]) Reload(ctx context.Context) error {
	p.mu.Lock()
	if p.busy {
		p.mu.Unlock()
		return ErrBusy
	}
	p.busy = true
	gen, pages := p.gen, p.next-1
	p.mu.Unlock()

	if pages == 0 {
		pages = 1 // nothing loaded yet, a reload primes page one
	}

	var items []T
	var total, fetched int
	var short bool
	var err error
	for page := 1; page <= pages; page++ {
		var pageItems []T
		pageItems, total, err = p.fn(ctx, page, p.perPage)
		if err != nil {
			break
		}
		items = append(items, pageItems...)
		fetched = page
		if len(pageItems) < p.perPage {
			short = true
			break
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.busy = false
	if p.gen != gen {
		return nil // reset happened mid-flight, results are for the old listing
	}
	if err != nil {
		return err
	}

	p.items = items
	p.next = fetched + 1
	p.total = total
	p.fetched = true
	p.short = short
	return nil
}

// Reset drops accumulated items, the next LoadMore fetches page one
func (p *Pager[T]) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.items = nil
	p.next = 1
	p.total = 0
	p.fetched = false
	p.short = false
}

// Items returns a copy of the accumulated items
func (p *Pager[T]) Items() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	res := make([]T, len(p.items))
	copy(res, p.items)
	return res
}

// Total returns the source's total as of the last fetched page
func (p *Pager[T]) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Loaded returns the number of accumulated items
func (p *Pager[T]) Loaded() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Pages returns the number of pages fetched since the last reset
func (p *Pager[T]) Pages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next - 1
}

// HasMore reports whether another page may be available. True before the
// first fetch.
func (p *Pager[T]) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasMoreLocked()
}

func (p *Pager[T]) hasMoreLocked() bool {
	if !p.fetched {
		return true
	}
	if p.short {
		return false
	}
	return len(p.items) < p.total
}
