package pipeline

import (
	"fmt"
	"strings"
)

// SearchToolName is the only tool offered to the model
const SearchToolName = "web_search"

const defaultLocale = "en"

// Input is the validated evidence for one identification run
type Input struct {
	Barcodes string
	Images   []Image
	Locale   string
	Model    string
}

// BuildInitialRequest assembles the opening conversation for an identification run.
// It performs no I/O; image bytes may still be unresolved.
func BuildInitialRequest(in Input, defaultModel string) *ModelRequest {
	modelID := in.Model
	if modelID == "" {
		modelID = defaultModel
	}

	locale := in.Locale
	if locale == "" {
		locale = defaultLocale
	}

	return &ModelRequest{
		Model: modelID,
		Messages: []Message{
			{Role: RoleSystem, Content: buildSystemPrompt(locale)},
			{Role: RoleUser, Content: buildUserPrompt(in, locale), Images: in.Images},
		},
		Tools: []ToolSpec{searchTool()},
	}
}

func searchTool() ToolSpec {
	return ToolSpec{
		Name:        SearchToolName,
		Description: "Search the web for product listings, manufacturer pages and barcode databases.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query, e.g. a barcode number or brand and product name",
				},
			},
			"required": []string{"query"},
		},
	}
}

func buildSystemPrompt(locale string) string {
	return fmt.Sprintf(`You are a product identification assistant for a resale warehouse.
Identify the physical product(s) shown in the photos and/or described by the barcodes.
Use the %s tool to verify barcodes, brand names and model numbers before answering.
Write all human readable text in the language of locale %q.
When you are confident, answer with JSON only, in this exact shape:
{"products": [{
  "identification": {"method": "image|barcode|hybrid", "barcodes": [], "name": "", "brand": "", "category": "", "confidence": 0.0},
  "details": {"description": "", "features": [], "attributes": {}, "identifiers": {}, "images": [],
              "pricing": {"lowest_price": {"amount": 0, "currency": "EUR", "sources": []}, "confidence": 0.0}},
  "ops": {"sync_status": "pending", "revision": 1}
}]}
Do not include any text outside the JSON structure.`, SearchToolName, locale)
}

func buildUserPrompt(in Input, locale string) string {
	var b strings.Builder

	barcodes := SplitBarcodes(in.Barcodes)
	if len(barcodes) > 0 {
		fmt.Fprintf(&b, "Barcodes: %s\n", strings.Join(barcodes, ", "))
	} else {
		b.WriteString("Barcodes: none supplied\n")
	}

	fmt.Fprintf(&b, "Photos attached: %d\n", len(in.Images))
	fmt.Fprintf(&b, "Locale: %s\n", locale)
	b.WriteString("Identify the product.")

	return b.String()
}
