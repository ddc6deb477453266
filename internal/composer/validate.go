package composer

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Messages shown when a composition is rejected before submission.
const (
	MsgNoSigns = "Debe registrar al menos un signo vital"
	msgSign    = "Debe ingresar un valor para el signo vital %q"
	msgLab     = "Debe ingresar un valor para la prueba de laboratorio %q"
)

// ValidationError rejects a composition without contacting the server.
type ValidationError struct {
	Message string
	Kind    Kind
	ItemID  int64
}

func (e *ValidationError) Error() string { return e.Message }

// validate applies the submission rules in order: at least one sign, every
// sign valued, every lab result valued.
func validate(signs, labs []Selection) error {
	if len(signs) == 0 {
		return &ValidationError{Message: MsgNoSigns, Kind: KindSign}
	}
	for _, s := range signs {
		if strings.TrimSpace(s.Value) == "" {
			return &ValidationError{Message: fmt.Sprintf(msgSign, s.Name), Kind: KindSign, ItemID: s.ID}
		}
	}
	for _, l := range labs {
		if strings.TrimSpace(l.Value) == "" {
			return &ValidationError{Message: fmt.Sprintf(msgLab, l.Name), Kind: KindLab, ItemID: l.ID}
		}
	}
	return nil
}

var decimalRe = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// ParseDecimal parses the whole of text as a finite decimal number.
// Trailing content such as "38.5abc" is rejected.
func ParseDecimal(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	if !decimalRe.MatchString(text) {
		return 0, false
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// splitValue puts a numeric entry in value_numeric and anything else in
// value_text. Exactly one of the results is set.
func splitValue(text string) (*float64, *string) {
	if f, ok := ParseDecimal(text); ok {
		return &f, nil
	}
	t := strings.TrimSpace(text)
	return nil, &t
}
