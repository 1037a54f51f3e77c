// Package scan implements the barcode confirmation protocol used while
// picking: a scanned code is accepted only when its symbology is supported
// and its value equals the expected barcode exactly, after which the picker
// confirms a quantity.
package scan

import (
	"errors"
	"fmt"
	"strings"
)

type Symbology string

const (
	EAN13   Symbology = "ean13"
	EAN8    Symbology = "ean8"
	UPCA    Symbology = "upc_a"
	UPCE    Symbology = "upc_e"
	Code39  Symbology = "code39"
	Code128 Symbology = "code128"
)

var supportedSymbologies = map[Symbology]bool{
	EAN13:   true,
	EAN8:    true,
	UPCA:    true,
	UPCE:    true,
	Code39:  true,
	Code128: true,
}

// ParseSymbology normalises a scanner-reported type and reports whether it
// is on the whitelist.
func ParseSymbology(raw string) (Symbology, bool) {
	s := Symbology(strings.ToLower(strings.TrimSpace(raw)))
	return s, supportedSymbologies[s]
}

func Supported(raw string) bool {
	_, ok := ParseSymbology(raw)
	return ok
}

var (
	ErrInvalidRequest  = errors.New("scan: invalid request")
	ErrUnexpectedState = errors.New("scan: operation not allowed in current state")
	ErrCancelled       = errors.New("scan: cancelled")
)

// Request describes the item the picker is expected to scan.
type Request struct {
	ExpectedBarcode  string
	ItemName         string
	RequiredQuantity int
}

// Result is one read from a scanner.
type Result struct {
	Symbology string
	Value     string
}

type Outcome int

const (
	OutcomeMatched Outcome = iota
	OutcomeMismatch
	OutcomeUnsupported
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeMismatch:
		return "mismatch"
	case OutcomeUnsupported:
		return "unsupported"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Message is the prompt shown to the picker for an outcome.
func (o Outcome) Message(req Request, res Result) string {
	switch o {
	case OutcomeMismatch:
		return fmt.Sprintf("Scanned %s does not match %s (expected %s)", res.Value, req.ItemName, req.ExpectedBarcode)
	case OutcomeUnsupported:
		return fmt.Sprintf("Unsupported barcode type %q, please scan again", res.Symbology)
	default:
		return ""
	}
}

type Confirmation struct {
	Barcode  string
	Quantity int
}
