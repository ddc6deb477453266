// Package listing implements the paginated, filtered list used by every
// catalog table. One Controller serves one mounted table.
package listing

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/medidiag/internal/domain/catalog"
	"github.com/ehr/medidiag/internal/platform/apiclient"
	"github.com/ehr/medidiag/internal/platform/clock"
	"github.com/ehr/medidiag/pkg/pagination"
)

// Default debounce intervals of filter edits.
const (
	CatalogDebounce = 1000 * time.Millisecond
	TestsDebounce   = 500 * time.Millisecond
)

type Config struct {
	Path    string
	Filters []catalog.Filter
	// Debounce delays the fetch after a filter edit.
	Debounce time.Duration
	// ClientSideFiltering requests LargePageSize rows while any filter is
	// set and paginates them locally.
	ClientSideFiltering bool
	PageSize            int
}

// FromResource builds the list configuration of a catalog resource.
func FromResource(res catalog.Resource, catalogDebounce, testsDebounce time.Duration, pageSize int) Config {
	d := catalogDebounce
	if res.IsTestKind() {
		d = testsDebounce
	}
	return Config{
		Path:                res.Path,
		Filters:             res.Filters,
		Debounce:            d,
		ClientSideFiltering: res.ClientSideFilter,
		PageSize:            pageSize,
	}
}

// State is a copy of the list state at one point in time.
type State[T any] struct {
	Page       int
	PageSize   int
	Filters    map[string]string
	Items      []T
	TotalCount int
	TotalPages int
	Loading    bool
	Err        error
	// ClientSide reports whether Items were sliced from a locally held set.
	ClientSide bool
}

type options struct {
	clock    clock.Clock
	logger   zerolog.Logger
	onChange func()
	onError  func(error)
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOnChange registers a callback invoked after every state change.
func WithOnChange(fn func()) Option {
	return func(o *options) { o.onChange = fn }
}

// WithOnError registers a callback for failed fetches, typically the
// session's unauthorized handler.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

type Controller[T any] struct {
	api  apiclient.API
	cfg  Config
	opts options

	mu        sync.Mutex
	base      context.Context
	page      int
	pageSize  int
	filters   map[string]string
	items     []T
	all       []T
	local     bool
	total     int
	pages     int
	loading   bool
	err       error
	gen       int
	cancel    context.CancelFunc
	debounce  clock.Timer
	debSeq    int
	mounted   bool
	closed    bool
	inflight  sync.WaitGroup
	lastQuery string
}

func New[T any](api apiclient.API, cfg Config, opts ...Option) *Controller[T] {
	o := options{clock: clock.New(), logger: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = CatalogDebounce
	}
	filters := make(map[string]string, len(cfg.Filters))
	for _, f := range cfg.Filters {
		filters[f.Key] = ""
	}
	return &Controller[T]{
		api:      api,
		cfg:      cfg,
		opts:     o,
		base:     context.Background(),
		page:     1,
		pageSize: pagination.NormalizePageSize(cfg.PageSize),
		filters:  filters,
		pages:    1,
	}
}

// Mount issues the initial fetch for page 1. ctx bounds every request the
// controller makes until Close.
func (c *Controller[T]) Mount(ctx context.Context) {
	c.mu.Lock()
	if c.mounted || c.closed {
		c.mu.Unlock()
		return
	}
	c.mounted = true
	c.base = ctx
	c.page = 1
	c.fireLocked()
	c.mu.Unlock()
	c.changed()
}

// SetFilter changes one filter value, resets to page 1 and schedules a
// debounced fetch. A later edit within the window replaces the pending
// fetch. In client-side mode, clearing the last filter fetches at once.
func (c *Controller[T]) SetFilter(key, value string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.filters[key]; !ok {
		c.mu.Unlock()
		return false
	}
	c.filters[key] = value
	c.page = 1
	c.stopDebounceLocked()
	if c.cfg.ClientSideFiltering && !c.hasFiltersLocked() {
		c.fireLocked()
	} else {
		c.debSeq++
		seq := c.debSeq
		c.debounce = c.opts.clock.AfterFunc(c.cfg.Debounce, func() {
			c.mu.Lock()
			if seq != c.debSeq || c.closed {
				c.mu.Unlock()
				return
			}
			c.debounce = nil
			c.fireLocked()
			c.mu.Unlock()
			c.changed()
		})
	}
	c.mu.Unlock()
	c.changed()
	return true
}

// SetPage moves to page n and fetches it at once. While rows are held
// locally the page is sliced without a request.
func (c *Controller[T]) SetPage(n int) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if n < 1 {
		n = 1
	}
	c.page = n
	if c.local && c.debounce == nil && !c.loading {
		c.sliceLocked()
	} else {
		c.stopDebounceLocked()
		c.fireLocked()
	}
	c.mu.Unlock()
	c.changed()
}

// SetPageSize changes the page size, coerced to an allowed value, and
// returns to page 1.
func (c *Controller[T]) SetPageSize(n int) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pageSize = pagination.NormalizePageSize(n)
	c.page = 1
	if c.local && c.debounce == nil && !c.loading {
		c.sliceLocked()
	} else {
		c.stopDebounceLocked()
		c.fireLocked()
	}
	c.mu.Unlock()
	c.changed()
}

// Reload fetches the current page at once, typically after a mutation.
func (c *Controller[T]) Reload() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopDebounceLocked()
	c.fireLocked()
	c.mu.Unlock()
	c.changed()
}

// Close cancels any pending or in-flight fetch. Results that arrive later
// are discarded.
func (c *Controller[T]) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopDebounceLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.mu.Unlock()
}

// Wait blocks until no fetch is in flight.
func (c *Controller[T]) Wait() {
	c.inflight.Wait()
}

// State returns a copy of the current state.
func (c *Controller[T]) State() State[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	filters := make(map[string]string, len(c.filters))
	for k, v := range c.filters {
		filters[k] = v
	}
	return State[T]{
		Page:       c.page,
		PageSize:   c.pageSize,
		Filters:    filters,
		Items:      append([]T(nil), c.items...),
		TotalCount: c.total,
		TotalPages: c.pages,
		Loading:    c.loading,
		Err:        c.err,
		ClientSide: c.local,
	}
}

// LastQuery returns the path and query of the most recent request.
func (c *Controller[T]) LastQuery() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQuery
}

func (c *Controller[T]) changed() {
	if c.opts.onChange != nil {
		c.opts.onChange()
	}
}

func (c *Controller[T]) stopDebounceLocked() {
	c.debSeq++
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

func (c *Controller[T]) hasFiltersLocked() bool {
	for _, v := range c.filters {
		if v != "" {
			return true
		}
	}
	return false
}

func (c *Controller[T]) clientSideLocked() bool {
	return c.cfg.ClientSideFiltering && c.hasFiltersLocked()
}

// Query builds the request path for the given coordinates: page and
// page_size first, then every non-empty filter in schema order.
func Query(path string, page, pageSize int, filters []catalog.Filter, values map[string]string) string {
	var b strings.Builder
	b.WriteString(path)
	b.WriteString("?page=")
	b.WriteString(strconv.Itoa(page))
	b.WriteString("&page_size=")
	b.WriteString(strconv.Itoa(pageSize))
	for _, f := range filters {
		v := values[f.Key]
		if v == "" {
			continue
		}
		b.WriteByte('&')
		b.WriteString(url.QueryEscape(f.Param))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v))
	}
	return b.String()
}

func (c *Controller[T]) fireLocked() {
	if c.closed {
		return
	}
	c.gen++
	gen := c.gen
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(c.base)
	c.cancel = cancel

	local := c.clientSideLocked()
	page, size := c.page, c.pageSize
	if local {
		page, size = 1, pagination.LargePageSize
	}
	q := Query(c.cfg.Path, page, size, c.cfg.Filters, c.filters)
	c.lastQuery = q
	c.loading = true
	c.err = nil

	c.inflight.Add(1)
	go c.fetch(ctx, cancel, gen, q, local)
}

func (c *Controller[T]) fetch(ctx context.Context, cancel context.CancelFunc, gen int, q string, local bool) {
	defer c.inflight.Done()
	defer cancel()

	var env apiclient.Envelope[[]T]
	err := c.api.Get(ctx, q, &env)

	c.mu.Lock()
	if gen != c.gen || c.closed || apiclient.IsAborted(err) {
		c.mu.Unlock()
		return
	}
	c.cancel = nil
	c.loading = false
	if err != nil {
		c.err = err
		c.mu.Unlock()
		c.opts.logger.Error().Err(err).Str("query", q).Msg("list fetch failed")
		if c.opts.onError != nil {
			c.opts.onError(err)
		}
		c.changed()
		return
	}

	rows := env.Data
	if rows == nil {
		rows = []T{}
	}
	refetch := false
	if local {
		c.local = true
		c.all = rows
		c.sliceLocked()
	} else {
		c.local = false
		c.all = nil
		c.total = len(rows)
		c.pages = pagination.TotalPages(c.total, c.pageSize)
		if env.Pagination != nil {
			c.total = env.Pagination.TotalCount
			if env.Pagination.TotalPages > 0 {
				c.pages = env.Pagination.TotalPages
			}
		}
		c.items = rows
		clamped := pagination.Clamp(c.page, c.pages)
		refetch = clamped != c.page && c.total > 0
		c.page = clamped
	}
	if refetch {
		c.fireLocked()
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller[T]) sliceLocked() {
	c.total = len(c.all)
	c.pages = pagination.TotalPages(c.total, c.pageSize)
	c.page = pagination.Clamp(c.page, c.pages)
	c.items = pagination.Slice(c.all, c.page, c.pageSize)
}
