package composer

import (
	"strings"
	"time"

	"github.com/ehr/medidiag/internal/domain/catalog"
	"github.com/ehr/medidiag/internal/platform/clock"
)

// MaxCandidates caps the dropdown of a picker.
const MaxCandidates = 20

// BlurDelay keeps a dropdown open long enough for a click on a candidate
// to land after the text field loses focus.
const BlurDelay = 150 * time.Millisecond

// Candidate is one catalog item offered by a picker.
type Candidate struct {
	ID       int64
	Name     string
	Code     string
	Category string
	Unit     string
}

type picker struct {
	query   string
	open    bool
	timer   clock.Timer
	timerID int
}

func (p *picker) cancelCloseLocked() {
	p.timerID++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// Focus opens the picker's dropdown and cancels a pending blur close.
func (c *Composer) Focus(k Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	p := c.pickers[k]
	p.cancelCloseLocked()
	p.open = true
}

// Blur closes the dropdown after BlurDelay unless focus returns first.
func (c *Composer) Blur(k Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	p := c.pickers[k]
	p.cancelCloseLocked()
	id := p.timerID
	p.timer = c.opts.clock.AfterFunc(BlurDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if id != p.timerID {
			return
		}
		p.timer = nil
		p.open = false
	})
}

// OutsideClick closes the dropdown at once.
func (c *Composer) OutsideClick(k Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pickers[k]
	p.cancelCloseLocked()
	p.open = false
}

// SetQuery changes the filter text and opens the dropdown.
func (c *Composer) SetQuery(k Kind, q string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	p := c.pickers[k]
	p.query = q
	p.cancelCloseLocked()
	p.open = true
}

func (c *Composer) Query(k Kind) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pickers[k].query
}

func (c *Composer) IsOpen(k Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pickers[k].open
}

// Pick adds the candidate, clears the filter text and closes the dropdown.
func (c *Composer) Pick(k Kind, id int64) (bool, error) {
	added, err := c.Add(k, id)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	p := c.pickers[k]
	p.query = ""
	p.cancelCloseLocked()
	p.open = false
	c.mu.Unlock()
	return added, nil
}

// Candidates returns up to MaxCandidates catalog items matching the
// picker's filter text, in catalog order, excluding items already
// selected. Matching ignores case and accents; symptoms also match on
// category.
func (c *Composer) Candidates(k Kind) []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := catalog.Fold(strings.TrimSpace(c.pickers[k].query))
	selected := make(map[int64]bool)
	for _, s := range *c.listLocked(k) {
		selected[s.ID] = true
	}

	var all []Candidate
	switch k {
	case KindSymptom:
		for _, s := range c.cat.Symptoms {
			all = append(all, Candidate{ID: s.ID, Name: s.Name, Code: s.Code, Category: s.Category})
		}
	case KindSign:
		for _, s := range c.cat.Signs {
			all = append(all, Candidate{ID: s.ID, Name: s.Name, Code: s.Code, Category: s.Category, Unit: s.MeasurementUnit})
		}
	case KindLab:
		for _, l := range c.cat.LabTests {
			all = append(all, Candidate{ID: l.ID, Name: l.Name, Code: l.Code, Category: l.Category, Unit: l.Unit})
		}
	}

	out := make([]Candidate, 0, MaxCandidates)
	for _, cand := range all {
		if selected[cand.ID] {
			continue
		}
		if q != "" {
			match := strings.Contains(catalog.Fold(cand.Name), q)
			if !match && k == KindSymptom {
				match = strings.Contains(catalog.Fold(cand.Category), q)
			}
			if !match {
				continue
			}
		}
		out = append(out, cand)
		if len(out) == MaxCandidates {
			break
		}
	}
	return out
}
