package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shelfscan/api/internal/model"
)

// legacyKeys mark a single-object answer from older prompts.
var legacyKeys = []string{"id", "barcode", "barcodes", "ean", "gtin", "name"}

// Normalizer converts a model's final answer into a ProductBundle.
// Untyped model output does not travel past this point.
type Normalizer struct {
	now func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// Normalize detects the answer shape. A "products" array is authoritative and
// passed through unchanged: scalar values are coerced where the record expects
// text or a price, and undeclared keys are carried along. A legacy single
// product is expanded into a full record. Anything else is rejected.
func (n *Normalizer) Normalize(content string, in Input) (*model.ProductBundle, error) {
	raw := []byte(extractJSON(content))

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, NewError(CodeUnrecognizedResultShape, err, "model answer is not a JSON object")
	}

	if products, ok := fields["products"]; ok && isJSONArray(products) {
		var bundle model.ProductBundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return nil, NewError(CodeUnrecognizedResultShape, err, "malformed products array")
		}
		return &bundle, nil
	}

	if hasAnyKey(fields, legacyKeys) {
		var legacy legacyProduct
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, NewError(CodeUnrecognizedResultShape, err, "malformed legacy product")
		}
		product := n.synthesize(&legacy, in)
		return &model.ProductBundle{Products: []model.Product{product}}, nil
	}

	return nil, NewError(CodeUnrecognizedResultShape, nil,
		"model answer has neither a products array nor product fields")
}

func (n *Normalizer) synthesize(legacy *legacyProduct, in Input) model.Product {
	now := n.now().UTC()

	barcodes := legacy.allBarcodes()
	if len(barcodes) == 0 {
		barcodes = SplitBarcodes(in.Barcodes)
	}

	confidence := model.DefaultConfidence
	if legacy.Confidence != nil {
		confidence = clamp01(*legacy.Confidence)
	}

	name := legacy.Name
	if name == "" {
		name = legacy.Title
	}

	return model.Product{
		ID: string(legacy.ID),
		Identification: model.Identification{
			Method:     InferMethod(len(in.Images) > 0, len(SplitBarcodes(in.Barcodes)) > 0),
			Barcodes:   barcodes,
			Name:       name,
			Brand:      legacy.Brand,
			Category:   legacy.Category,
			Confidence: confidence,
		},
		Details: model.Details{
			Description: legacy.Description,
			Features:    nonNilStrings(legacy.Features),
			Attributes:  nonNilMap(legacy.Attributes),
			Identifiers: nonNilMap(legacy.Identifiers),
			Images:      nonNilStrings(legacy.Images),
			Pricing: model.Pricing{
				LowestPrice: model.Price{
					Amount:   0,
					Currency: model.DefaultCurrency,
					Sources:  []string{},
				},
			},
		},
		Ops: model.Ops{
			SyncStatus: model.SyncStatusPending,
			Revision:   1,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
	}
}

// InferMethod derives the identification method from the evidence supplied.
// With no evidence at all it falls back to image.
func InferMethod(hasImages, hasBarcodes bool) model.IdentificationMethod {
	switch {
	case hasImages && hasBarcodes:
		return model.MethodHybrid
	case hasBarcodes:
		return model.MethodBarcode
	default:
		return model.MethodImage
	}
}

type legacyProduct struct {
	ID          flexString      `json:"id"`
	Barcode     flexString      `json:"barcode"`
	Barcodes    flexStrings     `json:"barcodes"`
	EAN         flexString      `json:"ean"`
	GTIN        flexString      `json:"gtin"`
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Brand       string          `json:"brand"`
	Category    string          `json:"category"`
	Description string          `json:"description"`
	Features    []string        `json:"features"`
	Attributes  model.StringMap `json:"attributes"`
	Identifiers model.StringMap `json:"identifiers"`
	Images      []string        `json:"images"`
	Confidence  *float64        `json:"confidence"`
}

func (p *legacyProduct) allBarcodes() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(code string) {
		code = strings.TrimSpace(code)
		if code == "" || seen[code] {
			return
		}
		seen[code] = true
		out = append(out, code)
	}
	for _, code := range p.Barcodes {
		add(code)
	}
	add(string(p.Barcode))
	add(string(p.EAN))
	add(string(p.GTIN))
	return out
}

// flexString accepts a JSON string or number; barcodes often arrive as numbers.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = flexString(num.String())
	return nil
}

// flexStrings accepts an array of strings/numbers or a single delimited string.
type flexStrings []string

func (s *flexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if isJSONArray(data) {
		var items []flexString
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make([]string, len(items))
		for i, item := range items {
			out[i] = string(item)
		}
		*s = out
		return nil
	}
	var single flexString
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*s = SplitBarcodes(string(single))
	return nil
}

// extractJSON trims prose and code fences around the outermost JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")

	if start != -1 && end != -1 && end > start {
		return s[start : end+1]
	}
	return s
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func hasAnyKey(fields map[string]json.RawMessage, keys []string) bool {
	for _, key := range keys {
		if _, ok := fields[key]; ok {
			return true
		}
	}
	return false
}

func nonNilMap(in model.StringMap) model.StringMap {
	if in == nil {
		return model.StringMap{}
	}
	return in
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
