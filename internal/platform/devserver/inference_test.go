package devserver

import (
	"fmt"
	"testing"
	"time"
)

func fp(v float64) *float64 { return &v }

func TestParseRange(t *testing.T) {
	tests := []struct {
		in     string
		lo, hi *float64
	}{
		{"36.1-37.2", fp(36.1), fp(37.2)},
		{"70 - 100", fp(70), fp(100)},
		{"<10", nil, fp(10)},
		{"≤ 5", nil, fp(5)},
		{">=95", fp(95), nil},
		{"≥95", fp(95), nil},
		{"Variable", nil, nil},
		{"", nil, nil},
		{"negativo", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			lo, hi := ParseRange(tt.in)
			if !sameBound(lo, tt.lo) || !sameBound(hi, tt.hi) {
				t.Errorf("ParseRange(%q) = (%v, %v), want (%v, %v)", tt.in, show(lo), show(hi), show(tt.lo), show(tt.hi))
			}
		})
	}
}

func sameBound(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func show(f *float64) string {
	if f == nil {
		return "nil"
	}
	return fmt.Sprint(*f)
}

func TestAbnormal(t *testing.T) {
	tests := []struct {
		v    float64
		rng  string
		want bool
	}{
		{38.5, "36.1-37.2", true},
		{35.0, "36.1-37.2", true},
		{36.8, "36.1-37.2", false},
		{12, "<10", true},
		{9, "<10", false},
		{91, ">=95", true},
		{98, ">=95", false},
		{500, "Variable", false},
	}
	for _, tt := range tests {
		if got := Abnormal(tt.v, tt.rng); got != tt.want {
			t.Errorf("Abnormal(%v, %q) = %v, want %v", tt.v, tt.rng, got, tt.want)
		}
	}
}

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func testRules() []ruleSet {
	return []ruleSet{
		{
			code: "FLU", name: "Gripe",
			symptoms: []rule{{id: 1, code: "S1", name: "Fiebre", weight: 1}, {id: 2, code: "S2", name: "Tos", weight: 0.8}},
			signs:    []rule{{id: 10, code: "SG1", name: "Temperatura", weight: 1, normal: "36.1-37.2"}},
		},
		{
			code: "COLD", name: "Resfriado",
			symptoms: []rule{{id: 2, code: "S2", name: "Tos", weight: 0.6}, {id: 3, code: "S3", name: "Congestión", weight: 1}},
		},
		{
			code: "GAST", name: "Gastroenteritis",
			symptoms: []rule{{id: 4, code: "S4", name: "Diarrea", weight: 1}},
		},
	}
}

func TestInfer_RanksByScore(t *testing.T) {
	ev := evidence{
		symptoms: map[int64]bool{1: true, 2: true},
		signs:    map[int64]reading{10: {numeric: fp(38.9), unit: "°C"}},
	}
	got := infer(testRules(), ev, testNow)

	if got.Evaluated != 3 {
		t.Errorf("Evaluated = %d, want 3", got.Evaluated)
	}
	if got.Primary == nil || got.Primary.DiseaseCode != "FLU" {
		t.Fatalf("Primary = %+v, want FLU", got.Primary)
	}
	if got.Primary.Score != 2.8 || got.Primary.MaxPossibleScore != 2.8 || got.Primary.Confidence != 100 {
		t.Errorf("FLU score/max/confidence = %v/%v/%v, want 2.8/2.8/100",
			got.Primary.Score, got.Primary.MaxPossibleScore, got.Primary.Confidence)
	}
	if len(got.Primary.MatchedEvidence.Signs) != 1 || !got.Primary.MatchedEvidence.Signs[0].Abnormal {
		t.Errorf("matched signs = %+v, want one abnormal reading", got.Primary.MatchedEvidence.Signs)
	}
	if len(got.Alternatives) != 1 || got.Alternatives[0].DiseaseCode != "COLD" {
		t.Fatalf("Alternatives = %+v, want [COLD]", got.Alternatives)
	}
	if c := got.Alternatives[0].Confidence; c != 37.5 {
		t.Errorf("COLD confidence = %v, want 37.5", c)
	}
	if got.InferenceTime != "2026-03-14T09:30:00Z" {
		t.Errorf("InferenceTime = %q", got.InferenceTime)
	}
}

func TestInfer_NormalReadingDoesNotScore(t *testing.T) {
	ev := evidence{
		symptoms: map[int64]bool{1: true},
		signs:    map[int64]reading{10: {numeric: fp(36.6)}},
	}
	got := infer(testRules(), ev, testNow)
	if got.Primary == nil || got.Primary.Score != 1 {
		t.Fatalf("Primary = %+v, want score 1", got.Primary)
	}
	if n := len(got.Primary.MatchedEvidence.Signs); n != 0 {
		t.Errorf("matched signs = %d, want 0", n)
	}
}

func TestInfer_TextReadingCountsHalf(t *testing.T) {
	ev := evidence{signs: map[int64]reading{10: {text: "febril al tacto"}}}
	got := infer(testRules(), ev, testNow)
	if got.Primary == nil {
		t.Fatal("expected a primary diagnosis")
	}
	if got.Primary.Score != 0.5 {
		t.Errorf("Score = %v, want 0.5", got.Primary.Score)
	}
	m := got.Primary.MatchedEvidence.Signs
	if len(m) != 1 || !m[0].Qualitative || m[0].Weight != 0.5 {
		t.Errorf("matched = %+v, want one qualitative match of weight 0.5", m)
	}
}

func TestInfer_NoEvidence(t *testing.T) {
	got := infer(testRules(), evidence{}, testNow)
	if got.Primary != nil {
		t.Errorf("Primary = %+v, want nil", got.Primary)
	}
	if got.Alternatives == nil || len(got.Alternatives) != 0 {
		t.Errorf("Alternatives = %#v, want empty slice", got.Alternatives)
	}
	if got.Evaluated != 3 {
		t.Errorf("Evaluated = %d, want 3", got.Evaluated)
	}
}

func TestInfer_CapsAlternatives(t *testing.T) {
	var rules []ruleSet
	for i := 0; i < 8; i++ {
		rules = append(rules, ruleSet{
			code:     fmt.Sprintf("D%d", i),
			symptoms: []rule{{id: 1, weight: float64(i + 1)}},
		})
	}
	got := infer(rules, evidence{symptoms: map[int64]bool{1: true}}, testNow)
	if got.Primary == nil || got.Primary.DiseaseCode != "D7" {
		t.Fatalf("Primary = %+v, want D7", got.Primary)
	}
	if len(got.Alternatives) != MaxAlternatives {
		t.Fatalf("len(Alternatives) = %d, want %d", len(got.Alternatives), MaxAlternatives)
	}
	for i := 1; i < len(got.Alternatives); i++ {
		if got.Alternatives[i-1].Score < got.Alternatives[i].Score {
			t.Errorf("alternatives not sorted at %d: %v < %v", i, got.Alternatives[i-1].Score, got.Alternatives[i].Score)
		}
	}
}

func TestAgeAt(t *testing.T) {
	now := time.Date(2026, 4, 11, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		dob  string
		want int
	}{
		{"1985-04-12", 40},
		{"1985-04-11", 41},
		{"2001-07-25", 24},
	}
	for _, tt := range tests {
		got := ageAt(tt.dob, now)
		if got == nil || *got != tt.want {
			t.Errorf("ageAt(%q) = %v, want %d", tt.dob, got, tt.want)
		}
	}
	if got := ageAt("12/04/1985", now); got != nil {
		t.Errorf("ageAt(bad) = %d, want nil", *got)
	}
}
