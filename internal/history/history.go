// Package history keeps the expandable per-patient diagnosis history shown
// under the patient table, with a short-lived cache per patient.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/medidiag/internal/domain/catalog"
	"github.com/ehr/medidiag/internal/domain/diagnosis"
	"github.com/ehr/medidiag/internal/listing"
	"github.com/ehr/medidiag/internal/platform/apiclient"
	"github.com/ehr/medidiag/internal/platform/clock"
)

// DefaultTTL is the age after which a cached history is refetched on the
// next expand.
const DefaultTTL = 5 * time.Minute

// ErrNoDiagnoses is returned by MostRecent for a patient without history.
var ErrNoDiagnoses = errors.New("patient has no diagnoses")

type entry struct {
	items     []diagnosis.Diagnosis
	fetchedAt time.Time
}

// Row is the rendered state of one patient's expanded area.
type Row struct {
	Expanded  bool
	Loading   bool
	Diagnoses []diagnosis.Diagnosis
}

// Empty reports whether the loaded history has no diagnoses.
func (r Row) Empty() bool { return !r.Loading && len(r.Diagnoses) == 0 }

type options struct {
	clock    clock.Clock
	logger   zerolog.Logger
	ttl      time.Duration
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

func WithTTL(d time.Duration) Option {
	return func(o *options) { o.ttl = d }
}

func WithOnChange(fn func()) Option {
	return func(o *options) { o.onChange = fn }
}

// WithOnError registers a callback for failed loads, typically the
// session's unauthorized handler.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

type Controller struct {
	svc  *diagnosis.Service
	opts options
	base context.Context

	group singleflight.Group
	wg    sync.WaitGroup

	mu       sync.Mutex
	expanded map[int64]bool
	// inflight holds the generation of the newest load running per patient.
	inflight map[int64]int
	cache    map[int64]entry
	gen      map[int64]int
}

// New returns a controller whose loads are bounded by ctx.
func New(ctx context.Context, api apiclient.API, opts ...Option) *Controller {
	o := options{clock: clock.New(), logger: zerolog.Nop(), ttl: DefaultTTL}
	for _, fn := range opts {
		fn(&o)
	}
	return &Controller{
		svc:      diagnosis.NewService(api),
		opts:     o,
		base:     ctx,
		expanded: make(map[int64]bool),
		inflight: make(map[int64]int),
		cache:    make(map[int64]entry),
		gen:      make(map[int64]int),
	}
}

// NewPatientList returns the patient table controller. It filters
// client-side over a large page while any filter is set.
func NewPatientList(api apiclient.API, debounce time.Duration, pageSize int, opts ...listing.Option) *listing.Controller[catalog.Patient] {
	cfg := listing.FromResource(catalog.Patients, debounce, listing.TestsDebounce, pageSize)
	return listing.New[catalog.Patient](api, cfg, opts...)
}

// ToggleExpand flips the expansion of a patient row and returns the new
// state. Expanding a row whose history is missing or older than the TTL
// starts a background load unless one for the current generation is in
// flight.
func (c *Controller) ToggleExpand(patientID int64) bool {
	c.mu.Lock()
	open := !c.expanded[patientID]
	if open {
		c.expanded[patientID] = true
		if c.staleLocked(patientID) && !c.loadingLocked(patientID) {
			c.startLoadLocked(patientID)
		}
	} else {
		delete(c.expanded, patientID)
	}
	c.mu.Unlock()
	c.changed()
	return open
}

func (c *Controller) staleLocked(patientID int64) bool {
	e, ok := c.cache[patientID]
	if !ok || e.fetchedAt.IsZero() {
		return true
	}
	return c.opts.clock.Now().Sub(e.fetchedAt) > c.opts.ttl
}

// loadingLocked reports whether a load started after the last Invalidate is
// still running. Loads from before it do not count.
func (c *Controller) loadingLocked(patientID int64) bool {
	g, ok := c.inflight[patientID]
	return ok && g == c.gen[patientID]
}

func (c *Controller) startLoadLocked(patientID int64) {
	gen := c.gen[patientID]
	c.inflight[patientID] = gen
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		items, err := c.fetch(c.base, patientID, gen)
		c.store(patientID, gen, items, err)
	}()
}

// fetch shares one request among callers of the same generation, so a
// caller after Invalidate never joins a request started before it.
func (c *Controller) fetch(ctx context.Context, patientID int64, gen int) ([]diagnosis.Diagnosis, error) {
	v, err, _ := c.group.Do(fmt.Sprintf("%d:%d", patientID, gen), func() (any, error) {
		return c.svc.ListForPatient(ctx, patientID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]diagnosis.Diagnosis), nil
}

// store records a load result. A failure leaves an empty list with no
// timestamp so the next expand retries. Results older than an Invalidate
// are dropped.
func (c *Controller) store(patientID int64, gen int, items []diagnosis.Diagnosis, err error) {
	c.mu.Lock()
	if g, ok := c.inflight[patientID]; ok && g == gen {
		delete(c.inflight, patientID)
	}
	if gen != c.gen[patientID] {
		c.mu.Unlock()
		c.changed()
		return
	}
	if err != nil {
		c.cache[patientID] = entry{items: []diagnosis.Diagnosis{}}
		c.mu.Unlock()
		if !apiclient.IsAborted(err) {
			c.opts.logger.Error().Err(err).Int64("patient_id", patientID).Msg("load patient diagnoses")
			if c.opts.onError != nil {
				c.opts.onError(err)
			}
		}
		c.changed()
		return
	}
	if items == nil {
		items = []diagnosis.Diagnosis{}
	}
	c.cache[patientID] = entry{items: items, fetchedAt: c.opts.clock.Now()}
	c.mu.Unlock()
	c.changed()
}

// View returns the expanded area of a patient row, newest diagnosis first.
func (c *Controller) View(patientID int64) Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := Row{Expanded: c.expanded[patientID], Loading: c.loadingLocked(patientID)}
	if e, ok := c.cache[patientID]; ok {
		row.Diagnoses = append([]diagnosis.Diagnosis(nil), e.items...)
		diagnosis.SortNewestFirst(row.Diagnoses)
	}
	return row
}

// Expanded lists the expanded patient ids.
func (c *Controller) Expanded() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.expanded))
	for id := range c.expanded {
		ids = append(ids, id)
	}
	return ids
}

// Invalidate drops the cached history of a patient. A load in flight for
// it is discarded when it completes and does not hold back a new one.
func (c *Controller) Invalidate(patientID int64) {
	c.mu.Lock()
	delete(c.cache, patientID)
	c.gen[patientID]++
	c.mu.Unlock()
	c.changed()
}

// Refresh reloads a patient's history now, bypassing the TTL.
func (c *Controller) Refresh(ctx context.Context, patientID int64) ([]diagnosis.Diagnosis, error) {
	c.mu.Lock()
	gen := c.gen[patientID]
	c.inflight[patientID] = gen
	c.mu.Unlock()
	c.changed()

	items, err := c.fetch(ctx, patientID, gen)
	c.store(patientID, gen, items, err)
	if err != nil {
		return nil, err
	}
	return c.View(patientID).Diagnoses, nil
}

// MostRecent returns the diagnosis with the latest diagnosis date, loading
// the history when it is not cached or stale.
func (c *Controller) MostRecent(ctx context.Context, patientID int64) (*diagnosis.Diagnosis, error) {
	c.mu.Lock()
	stale := c.staleLocked(patientID)
	c.mu.Unlock()

	var items []diagnosis.Diagnosis
	if stale {
		var err error
		if items, err = c.Refresh(ctx, patientID); err != nil {
			return nil, err
		}
	} else {
		items = c.View(patientID).Diagnoses
	}
	if len(items) == 0 {
		return nil, ErrNoDiagnoses
	}
	d := items[0]
	return &d, nil
}

// Diseases returns the distinct disease names in a patient's cached
// history, newest first.
func (c *Controller) Diseases(patientID int64) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range c.View(patientID).Diagnoses {
		name := d.DiseaseName
		if name == "" {
			name = d.DiseaseCode
		}
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

// Wait blocks until every background load has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) changed() {
	if c.opts.onChange != nil {
		c.opts.onChange()
	}
}
