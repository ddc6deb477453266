// Package composer assembles a diagnosis submission for one patient from
// the symptom, sign and lab-test catalogs, validates it and submits it to
// the inference endpoint.
package composer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/medidiag/internal/domain/catalog"
	"github.com/ehr/medidiag/internal/domain/diagnosis"
	"github.com/ehr/medidiag/internal/listing"
	"github.com/ehr/medidiag/internal/platform/apiclient"
	"github.com/ehr/medidiag/internal/platform/clock"
	"github.com/ehr/medidiag/pkg/pagination"
)

var (
	ErrSubmitInProgress = errors.New("a submission is already in progress")
	ErrClosed           = errors.New("composer is closed")
	ErrUnknownItem      = errors.New("item is not in the catalog")
)

// Kind identifies one of the three observation sections.
type Kind int

const (
	KindSymptom Kind = iota
	KindSign
	KindLab
)

func (k Kind) String() string {
	switch k {
	case KindSymptom:
		return "symptom"
	case KindSign:
		return "sign"
	case KindLab:
		return "lab"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Patient is the target of the composition.
type Patient struct {
	ID   int64
	Name string
}

// Selection is one chosen catalog item with its captured unit and the
// value text as the user typed it.
type Selection struct {
	ID    int64
	Name  string
	Unit  string
	Value string
	Note  string
}

// Catalogs holds the three source catalogs.
type Catalogs struct {
	Symptoms []catalog.Symptom
	Signs    []catalog.Sign
	LabTests []catalog.LabTest
}

type options struct {
	clock          clock.Clock
	logger         zerolog.Logger
	onSaved        func(patientID int64)
	onUnauthorized func(error) bool
}

type Option func(*options)

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOnSaved registers the hook run after a successful submission, used to
// invalidate the patient's cached history.
func WithOnSaved(fn func(patientID int64)) Option {
	return func(o *options) { o.onSaved = fn }
}

// WithUnauthorized registers the session's handler for rejected
// credentials. When it reports true the composer closes.
func WithUnauthorized(fn func(error) bool) Option {
	return func(o *options) { o.onUnauthorized = fn }
}

type Composer struct {
	svc     *diagnosis.Service
	patient Patient
	cat     Catalogs
	opts    options

	mu         sync.Mutex
	symptoms   []Selection
	signs      []Selection
	labs       []Selection
	notes      string
	submitting bool
	closed     bool
	pickers    [3]*picker
}

// LoadCatalogs fetches the three catalogs concurrently, each as one large
// page.
func LoadCatalogs(ctx context.Context, api apiclient.API) (Catalogs, error) {
	var cat Catalogs
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loadAll(ctx, api, catalog.Symptoms, &cat.Symptoms)
	})
	g.Go(func() error {
		return loadAll(ctx, api, catalog.Signs, &cat.Signs)
	})
	g.Go(func() error {
		return loadAll(ctx, api, catalog.LabTests, &cat.LabTests)
	})
	if err := g.Wait(); err != nil {
		return Catalogs{}, err
	}
	return cat, nil
}

func loadAll[T any](ctx context.Context, api apiclient.API, res catalog.Resource, out *[]T) error {
	var env apiclient.Envelope[[]T]
	q := listing.Query(res.Path, 1, pagination.LargePageSize, nil, nil)
	if err := api.Get(ctx, q, &env); err != nil {
		return fmt.Errorf("load %s: %w", res.Name, err)
	}
	*out = env.Data
	return nil
}

// Open loads the catalogs and returns a composer for patient.
func Open(ctx context.Context, api apiclient.API, patient Patient, opts ...Option) (*Composer, error) {
	cat, err := LoadCatalogs(ctx, api)
	if err != nil {
		return nil, err
	}
	return NewWithCatalogs(api, patient, cat, opts...), nil
}

// NewWithCatalogs returns a composer over already loaded catalogs.
func NewWithCatalogs(api apiclient.API, patient Patient, cat Catalogs, opts ...Option) *Composer {
	o := options{clock: clock.New(), logger: zerolog.Nop()}
	for _, fn := range opts {
		fn(&o)
	}
	c := &Composer{
		svc:     diagnosis.NewService(api),
		patient: patient,
		cat:     cat,
		opts:    o,
	}
	for i := range c.pickers {
		c.pickers[i] = &picker{}
	}
	return c
}

func (c *Composer) Patient() Patient { return c.patient }

func (c *Composer) Catalogs() Catalogs { return c.cat }

func (c *Composer) listLocked(k Kind) *[]Selection {
	switch k {
	case KindSymptom:
		return &c.symptoms
	case KindSign:
		return &c.signs
	default:
		return &c.labs
	}
}

// lookup finds a catalog item and the unit to capture for it: the sign's
// measurement_unit or the lab test's unit.
func (c *Composer) lookup(k Kind, id int64) (Selection, bool) {
	switch k {
	case KindSymptom:
		for _, s := range c.cat.Symptoms {
			if s.ID == id {
				return Selection{ID: id, Name: s.Name}, true
			}
		}
	case KindSign:
		for _, s := range c.cat.Signs {
			if s.ID == id {
				return Selection{ID: id, Name: s.Name, Unit: s.MeasurementUnit}, true
			}
		}
	case KindLab:
		for _, l := range c.cat.LabTests {
			if l.ID == id {
				return Selection{ID: id, Name: l.Name, Unit: l.Unit}, true
			}
		}
	}
	return Selection{}, false
}

// Add appends the catalog item unless it is already selected. It reports
// whether the item was added.
func (c *Composer) Add(k Kind, id int64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	sel, ok := c.lookup(k, id)
	if !ok {
		return false, fmt.Errorf("%s %d: %w", k, id, ErrUnknownItem)
	}
	list := c.listLocked(k)
	for _, s := range *list {
		if s.ID == id {
			return false, nil
		}
	}
	*list = append(*list, sel)
	return true, nil
}

// Remove drops the item from its section. It reports whether it was there.
func (c *Composer) Remove(k Kind, id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.listLocked(k)
	for i, s := range *list {
		if s.ID == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return true
		}
	}
	return false
}

// SetValue stores the user-entered value text verbatim.
func (c *Composer) SetValue(k Kind, id int64, text string) error {
	return c.update(k, id, func(s *Selection) { s.Value = text })
}

func (c *Composer) SetNote(k Kind, id int64, note string) error {
	return c.update(k, id, func(s *Selection) { s.Note = note })
}

func (c *Composer) update(k Kind, id int64, fn func(*Selection)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	list := c.listLocked(k)
	for i := range *list {
		if (*list)[i].ID == id {
			fn(&(*list)[i])
			return nil
		}
	}
	return fmt.Errorf("%s %d not selected: %w", k, id, ErrUnknownItem)
}

func (c *Composer) AddSymptom(id int64) (bool, error) { return c.Add(KindSymptom, id) }
func (c *Composer) AddSign(id int64) (bool, error)    { return c.Add(KindSign, id) }
func (c *Composer) AddLabTest(id int64) (bool, error) { return c.Add(KindLab, id) }

func (c *Composer) RemoveSymptom(id int64) bool { return c.Remove(KindSymptom, id) }
func (c *Composer) RemoveSign(id int64) bool    { return c.Remove(KindSign, id) }
func (c *Composer) RemoveLabTest(id int64) bool { return c.Remove(KindLab, id) }

func (c *Composer) SetSignValue(id int64, text string) error { return c.SetValue(KindSign, id, text) }
func (c *Composer) SetLabValue(id int64, text string) error  { return c.SetValue(KindLab, id, text) }

func (c *Composer) SetNotes(notes string) {
	c.mu.Lock()
	c.notes = notes
	c.mu.Unlock()
}

// Selected returns a copy of the selections of one section.
func (c *Composer) Selected(k Kind) []Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Selection(nil), *c.listLocked(k)...)
}

func (c *Composer) Notes() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notes
}

// Submitting reports whether a submission is in flight; the submit action
// is disabled while it is.
func (c *Composer) Submitting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitting
}

func (c *Composer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Build validates the current state and returns the submission.
func (c *Composer) Build() (diagnosis.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buildLocked()
}

func (c *Composer) buildLocked() (diagnosis.Submission, error) {
	if err := validate(c.signs, c.labs); err != nil {
		return diagnosis.Submission{}, err
	}
	sub := diagnosis.Submission{
		PatientID: c.patient.ID,
		Symptoms:  make([]diagnosis.PresentedSymptom, 0, len(c.symptoms)),
		Signs:     make([]diagnosis.ObservedSign, 0, len(c.signs)),
		Notes:     c.notes,
	}
	for _, s := range c.symptoms {
		sub.Symptoms = append(sub.Symptoms, diagnosis.PresentedSymptom{SymptomID: s.ID, Note: s.Note})
	}
	for _, s := range c.signs {
		num, text := splitValue(s.Value)
		sub.Signs = append(sub.Signs, diagnosis.ObservedSign{
			SignID: s.ID, ValueNumeric: num, ValueText: text, Unit: s.Unit, Note: s.Note,
		})
	}
	for _, l := range c.labs {
		num, text := splitValue(l.Value)
		sub.LabResults = append(sub.LabResults, diagnosis.LabResult{
			LabTestID: l.ID, ValueNumeric: num, ValueText: text, Unit: l.Unit, Note: l.Note,
		})
	}
	return sub, nil
}

// Submit validates and posts the submission. Validation failures issue no
// request. On success the composer closes and the saved hook runs; on a
// rejected credential the session handler runs and the composer closes;
// any other failure leaves every selection intact.
func (c *Composer) Submit(ctx context.Context) (*diagnosis.Diagnosis, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.submitting {
		c.mu.Unlock()
		return nil, ErrSubmitInProgress
	}
	sub, err := c.buildLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.submitting = true
	c.mu.Unlock()

	d, err := c.svc.Create(ctx, sub)

	c.mu.Lock()
	c.submitting = false
	c.mu.Unlock()

	if err != nil {
		if c.opts.onUnauthorized != nil && c.opts.onUnauthorized(err) {
			c.Close()
			return nil, err
		}
		c.opts.logger.Warn().Err(err).Object("submission", sub).Msg("diagnosis submission failed")
		return nil, err
	}

	c.Close()
	c.opts.logger.Info().Object("diagnosis", *d).Msg("diagnosis created")
	if c.opts.onSaved != nil {
		c.opts.onSaved(c.patient.ID)
	}
	return d, nil
}

// Close discards the composition and cancels pending picker timers.
func (c *Composer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, p := range c.pickers {
		p.cancelCloseLocked()
		p.open = false
	}
}
