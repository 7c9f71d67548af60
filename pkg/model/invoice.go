// Package model holds the pipeline's data model (spec §3): raw and
// canonical invoice representations, diagnostics, step results, and the
// policy decision. These are plain value types shared by every other
// package; they carry no behavior beyond small constructors/validators.
package model

// ContentType is a hint about the raw invoice's encoding.
type ContentType string

const (
	ContentTypeXML  ContentType = "xml"
	ContentTypeJSON ContentType = "json"
	ContentTypePDF  ContentType = "pdf"
)

// RawInvoice is the opaque content a caller submits. Ownership is
// exclusive to the run's TempStore entry; the pipeline context only ever
// carries a key/handle, never RawInvoice.Content itself, once the run has
// written it to the store.
type RawInvoice struct {
	Content     []byte
	ContentType ContentType
	FormatHint  string // e.g. "xrechnung", "zugferd", "ubl", "cii", "peppol-bis"
}

// CanonicalInvoice is the normalized EN16931 subset produced by the parser
// filter. Every monetary/quantity amount is a decimal string matching
// ^-?\d*\.?\d+$ (spec §8 Testable Property 10); parse with pkg/decimal.
type CanonicalInvoice struct {
	Header          InvoiceHeader   `json:"header"`
	Seller          Party           `json:"seller"`
	Buyer           Party           `json:"buyer"`
	LineItems       []LineItem      `json:"lineItems"`
	Totals          MonetaryTotals  `json:"totals"`
	TaxBreakdown    []TaxBreakdown  `json:"taxBreakdown"`
	AllowanceCharge []AllowanceOrCharge `json:"allowanceCharges,omitempty"`
	PaymentTerms    string          `json:"paymentTerms,omitempty"`
}

type InvoiceHeader struct {
	Number        string `json:"number"`
	IssueDate     string `json:"issueDate"` // YYYY-MM-DD
	DueDate       string `json:"dueDate,omitempty"`
	Currency      string `json:"currency"` // ISO 4217
	BuyerRef      string `json:"buyerReference,omitempty"`
}

type Party struct {
	Name          string        `json:"name"`
	TaxIDs        []string      `json:"taxIds,omitempty"`
	PostalAddress PostalAddress `json:"postalAddress"`
}

type PostalAddress struct {
	Line1       string `json:"line1,omitempty"`
	City        string `json:"city,omitempty"`
	PostalCode  string `json:"postalCode,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
}

type LineItem struct {
	ID             string `json:"id"`
	Description    string `json:"description"`
	Quantity       string `json:"quantity"`       // decimal string
	UnitCode       string `json:"unitCode"`
	UnitPrice      string `json:"unitPrice"`       // decimal string
	LineNetAmount  string `json:"lineNetAmount"`   // decimal string
	TaxCategory    string `json:"taxCategory"`
}

type MonetaryTotals struct {
	LineTotal      string `json:"lineTotal"`
	TaxTotal       string `json:"taxTotal"`
	GrandTotal     string `json:"grandTotal"`
	AmountDue      string `json:"amountDue"`
}

type TaxBreakdown struct {
	Category  string `json:"category"`
	Rate      string `json:"rate"`      // decimal string, e.g. "19.00"
	TaxAmount string `json:"taxAmount"` // decimal string
}

type AllowanceOrCharge struct {
	IsCharge bool   `json:"isCharge"`
	Reason   string `json:"reason,omitempty"`
	Amount   string `json:"amount"` // decimal string
}
