package devserver

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxAlternatives bounds the runner-up diseases reported with a diagnosis.
const MaxAlternatives = 5

var (
	rangeBetween = regexp.MustCompile(`^(\d+\.?\d*)\s*-\s*(\d+\.?\d*)$`)
	rangeBelow   = regexp.MustCompile(`^(?:<|≤|<=)\s*(\d+\.?\d*)$`)
	rangeAbove   = regexp.MustCompile(`^(?:>|≥|>=)\s*(\d+\.?\d*)$`)
)

// ParseRange reads a normal range such as "70-100", "<10" or ">=95". A nil
// bound is open; both nil means the range is not numeric.
func ParseRange(s string) (lo, hi *float64) {
	s = strings.TrimSpace(s)
	if s == "" || s == "Variable" {
		return nil, nil
	}
	num := func(v string) *float64 {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil
		}
		return &f
	}
	if m := rangeBetween.FindStringSubmatch(s); m != nil {
		return num(m[1]), num(m[2])
	}
	if m := rangeBelow.FindStringSubmatch(s); m != nil {
		return nil, num(m[1])
	}
	if m := rangeAbove.FindStringSubmatch(s); m != nil {
		return num(m[1]), nil
	}
	return nil, nil
}

// Abnormal reports whether v falls outside normalRange. A range that cannot
// be read counts every value as normal.
func Abnormal(v float64, normalRange string) bool {
	lo, hi := ParseRange(normalRange)
	if lo != nil && v < *lo {
		return true
	}
	if hi != nil && v > *hi {
		return true
	}
	return false
}

type rule struct {
	id     int64
	code   string
	name   string
	weight float64
	// normal is empty for symptoms.
	normal string
}

type ruleSet struct {
	code     string
	name     string
	category string
	severity string
	symptoms []rule
	signs    []rule
	labs     []rule
}

// reading is one observed sign or lab value.
type reading struct {
	numeric *float64
	text    string
	unit    string
}

type evidence struct {
	symptoms map[int64]bool
	signs    map[int64]reading
	labs     map[int64]reading
}

// Match is one piece of evidence that contributed to a score.
type Match struct {
	Code        string  `json:"code"`
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Value       any     `json:"value,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	Abnormal    bool    `json:"abnormal,omitempty"`
	Qualitative bool    `json:"qualitative,omitempty"`
}

type MatchedEvidence struct {
	Symptoms []Match `json:"symptoms"`
	Signs    []Match `json:"signs"`
	Labs     []Match `json:"labs"`
}

// Candidate is the score of one disease against the evidence.
type Candidate struct {
	DiseaseCode      string          `json:"disease_code"`
	DiseaseName      string          `json:"disease_name"`
	Category         string          `json:"category,omitempty"`
	Severity         string          `json:"severity,omitempty"`
	Score            float64         `json:"score"`
	Confidence       float64         `json:"confidence"`
	MaxPossibleScore float64         `json:"max_possible_score"`
	MatchedEvidence  MatchedEvidence `json:"matched_evidence"`
}

// Inference is the outcome of scoring every active disease.
type Inference struct {
	Primary       *Candidate  `json:"primary_diagnosis"`
	Alternatives  []Candidate `json:"alternative_diagnoses"`
	Evaluated     int         `json:"total_diseases_evaluated"`
	InferenceTime string      `json:"inference_timestamp"`
}

// infer sums the weights of the matching rules of each disease. Symptoms
// count their full weight, numeric readings only when abnormal and text
// readings half their weight. Confidence is the score over the maximum
// possible score, as a percentage.
func infer(rules []ruleSet, ev evidence, now time.Time) Inference {
	var scored []Candidate
	for _, rs := range rules {
		c := Candidate{
			DiseaseCode: rs.code,
			DiseaseName: rs.name,
			Category:    rs.category,
			Severity:    rs.severity,
			MatchedEvidence: MatchedEvidence{
				Symptoms: []Match{}, Signs: []Match{}, Labs: []Match{},
			},
		}
		var score, maxScore float64
		for _, r := range rs.symptoms {
			maxScore += r.weight
			if ev.symptoms[r.id] {
				score += r.weight
				c.MatchedEvidence.Symptoms = append(c.MatchedEvidence.Symptoms, Match{Code: r.code, Name: r.name, Weight: r.weight})
			}
		}
		score += scoreReadings(rs.signs, ev.signs, &maxScore, &c.MatchedEvidence.Signs)
		score += scoreReadings(rs.labs, ev.labs, &maxScore, &c.MatchedEvidence.Labs)

		if score <= 0 {
			continue
		}
		c.Score = round2(score)
		c.MaxPossibleScore = round2(maxScore)
		if maxScore > 0 {
			c.Confidence = round2(score / maxScore * 100)
		}
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	out := Inference{
		Alternatives:  []Candidate{},
		Evaluated:     len(rules),
		InferenceTime: now.UTC().Format(time.RFC3339),
	}
	if len(scored) == 0 {
		return out
	}
	out.Primary = &scored[0]
	rest := scored[1:]
	if len(rest) > MaxAlternatives {
		rest = rest[:MaxAlternatives]
	}
	out.Alternatives = append(out.Alternatives, rest...)
	return out
}

func scoreReadings(rules []rule, got map[int64]reading, maxScore *float64, matched *[]Match) float64 {
	var score float64
	for _, r := range rules {
		*maxScore += r.weight
		rd, ok := got[r.id]
		if !ok {
			continue
		}
		switch {
		case rd.numeric != nil:
			if Abnormal(*rd.numeric, r.normal) {
				score += r.weight
				*matched = append(*matched, Match{
					Code: r.code, Name: r.name, Weight: r.weight,
					Value: *rd.numeric, Unit: rd.unit, Abnormal: true,
				})
			}
		case rd.text != "":
			w := r.weight * 0.5
			score += w
			*matched = append(*matched, Match{
				Code: r.code, Name: r.name, Weight: w,
				Value: rd.text, Qualitative: true,
			})
		}
	}
	return score
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
