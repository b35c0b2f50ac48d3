package model

import "time"

// ProductBundle is the canonical identification output
type ProductBundle struct {
	Products []Product `json:"products"`
	Hints    StringMap `json:"hints,omitempty"`
	Extra    Extra     `json:"-"`
}

// Product is one identified product record
type Product struct {
	ID             string         `json:"id,omitempty"`
	Identification Identification `json:"identification"`
	Details        Details        `json:"details"`
	Ops            Ops            `json:"ops"`
	Extra          Extra          `json:"-"`
}

// Identification describes how and how confidently a product was recognized
type Identification struct {
	Method     IdentificationMethod `json:"method"`
	Barcodes   []string             `json:"barcodes"`
	Name       string               `json:"name"`
	Brand      string               `json:"brand,omitempty"`
	Category   string               `json:"category,omitempty"`
	Confidence float64              `json:"confidence"`
	Extra      Extra                `json:"-"`
}

// Details holds descriptive product data
type Details struct {
	Description string    `json:"description,omitempty"`
	Features    []string  `json:"features"`
	Attributes  StringMap `json:"attributes"`
	Identifiers StringMap `json:"identifiers"`
	Images      []string  `json:"images"`
	Pricing     Pricing   `json:"pricing"`
	Extra       Extra     `json:"-"`
}

// Pricing is the best known market price
type Pricing struct {
	LowestPrice Price   `json:"lowest_price"`
	Confidence  float64 `json:"confidence"`
	Extra       Extra   `json:"-"`
}

// Price is an amount with the sources it was observed at
type Price struct {
	Amount   float64  `json:"amount"`
	Currency string   `json:"currency"`
	Sources  []string `json:"sources"`
	Extra    Extra    `json:"-"`
}

// Ops carries bookkeeping for downstream sync
type Ops struct {
	SyncStatus string    `json:"sync_status"`
	Revision   int       `json:"revision"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Extra      Extra     `json:"-"`
}

// IdentificationMethod records which evidence produced the identification
type IdentificationMethod string

const (
	MethodImage   IdentificationMethod = "image"
	MethodBarcode IdentificationMethod = "barcode"
	MethodHybrid  IdentificationMethod = "hybrid"
)

const (
	DefaultCurrency   = "EUR"
	DefaultConfidence = 0.9
	SyncStatusPending = "pending"
)
