package pipeline

import (
	"strings"
	"unicode"
)

// Limits bounds the size of a single identification request
type Limits struct {
	MaxBarcodes   int
	MaxImageBytes int64
}

// Validator rejects abusive payloads before any external call is made.
// It is pure and shared by the synchronous and asynchronous paths.
type Validator struct {
	limits Limits
}

func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Check runs the barcode count check, then the image payload budget check.
func (v *Validator) Check(barcodes string, imageSizes []int64) error {
	tokens := SplitBarcodes(barcodes)
	if v.limits.MaxBarcodes > 0 && len(tokens) > v.limits.MaxBarcodes {
		return NewError(CodeBarcodeLimitExceeded, nil,
			"%d barcodes supplied, at most %d allowed", len(tokens), v.limits.MaxBarcodes)
	}

	var total int64
	for _, size := range imageSizes {
		total += size
	}
	if v.limits.MaxImageBytes > 0 && total > v.limits.MaxImageBytes {
		return NewError(CodeImagePayloadTooLarge, nil,
			"images total %d bytes, budget is %d bytes", total, v.limits.MaxImageBytes)
	}
	return nil
}

// SplitBarcodes tokenizes a barcode string on whitespace, commas and semicolons.
func SplitBarcodes(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';'
	})
}
