// Package filters provides reference Filter implementations for the
// built-in ids spec §6 names in the default plan (parser, kosit, vies,
// ecb-rates, peppol, amount-validation, semantic-risk, fingerprint,
// policy-gate). Spec §1 is explicit that these collaborators are
// "deliberately out of scope" of the core and named only by the
// contract they must expose; this package exists so the pipeline has
// something real to execute in tests and the cmd/fiscalcli demo, not as
// a production KoSIT/VIES/ECB/Peppol client.
//
// Grounded on the teacher's pkg/conform/gates implementations (a small
// struct with ID/Name/Run building a result incrementally) adapted to
// the Filter contract's Execute(view, config) -> StepResult shape.
package filters

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/fiscallayer/validation-core/pkg/decimal"
	"github.com/fiscallayer/validation-core/pkg/model"
	"github.com/fiscallayer/validation-core/pkg/tempstore"
	"github.com/fiscallayer/validation-core/pkg/vctx"
)

// ParserFilterID is the canonical id; "steps-parser" is also accepted by
// registering a second instance under that id (spec §9 open question
// pattern, same as the policy gate's dual id).
const ParserFilterID = "parser"

// Parser is the reference invoice-parsing filter: it reads the raw bytes
// staged in TempStore under the run's raw-invoice key and decodes either
// the JSON wire shape of model.CanonicalInvoice directly, or a minimal
// UBL/CII-flavored XML subset, into a model.CanonicalInvoice. Real
// deployments replace this with a full EN16931 XML/UBL/CII parser; this
// implementation exists to exercise the pipeline's parser-result
// special-case end to end.
type Parser struct {
	id    string
	store tempstore.Store
}

// NewParser returns a Parser reading raw content from store.
func NewParser(id string, store tempstore.Store) *Parser {
	if id == "" {
		id = ParserFilterID
	}
	return &Parser{id: id, store: store}
}

func (p *Parser) ID() string      { return p.id }
func (p *Parser) Name() string    { return "Invoice Parser" }
func (p *Parser) Version() string { return "1.0.0" }

func (p *Parser) Execute(view *vctx.View, _ map[string]any) model.StepResult {
	raw, err := p.store.Get(context.Background(), view.RawInvoiceKey())
	if err != nil {
		return model.StepResult{
			FilterID:  p.id,
			Execution: model.ExecutionErrored,
			Error:     &model.StepError{Name: "RawInvoiceUnavailable", Message: model.Sanitize(err.Error())},
		}
	}

	inv, parseErr := decode(raw)
	if parseErr != nil {
		return model.StepResult{
			FilterID:  p.id,
			Execution: model.ExecutionRan,
			Diagnostics: []model.Diagnostic{
				model.NewDiagnostic("PARSE-001", model.SeverityError, "schema", p.id, parseErr.Error()),
			},
		}
	}

	return model.StepResult{
		FilterID:  p.id,
		Execution: model.ExecutionRan,
		Metadata:  map[string]any{"parsedInvoice": inv},
	}
}

// decode tries JSON first (the wire format this engine's own callers use
// for already-canonical test fixtures and synthetic invoices), falling
// back to the minimal XML subset below.
func decode(raw []byte) (*model.CanonicalInvoice, error) {
	trimmed := trimLeadingSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var inv model.CanonicalInvoice
		if err := json.Unmarshal(trimmed, &inv); err != nil {
			return nil, fmt.Errorf("parser: invalid invoice json: %w", err)
		}
		return &inv, nil
	}
	return decodeXML(trimmed)
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

// ublSubset is the minimal UBL/CII-flavored element set this reference
// parser understands; a production parser (out of scope per spec §1)
// would cover the full EN16931 syntax bindings.
type ublSubset struct {
	XMLName xml.Name `xml:"Invoice"`
	ID      string   `xml:"ID"`
	IssueDate string `xml:"IssueDate"`
	DueDate   string `xml:"DueDate"`
	DocumentCurrencyCode string `xml:"DocumentCurrencyCode"`
	AccountingSupplierParty struct {
		Name string `xml:"Party>PartyName>Name"`
	} `xml:"AccountingSupplierParty"`
	AccountingCustomerParty struct {
		Name string `xml:"Party>PartyName>Name"`
	} `xml:"AccountingCustomerParty"`
	LegalMonetaryTotal struct {
		LineExtensionAmount string `xml:"LineExtensionAmount"`
		TaxExclusiveAmount  string `xml:"TaxExclusiveAmount"`
		TaxInclusiveAmount  string `xml:"TaxInclusiveAmount"`
		PayableAmount       string `xml:"PayableAmount"`
	} `xml:"LegalMonetaryTotal"`
	InvoiceLine []struct {
		ID                  string `xml:"ID"`
		InvoicedQuantity    string `xml:"InvoicedQuantity"`
		LineExtensionAmount string `xml:"LineExtensionAmount"`
		Item                struct {
			Description string `xml:"Description"`
		} `xml:"Item"`
		Price struct {
			PriceAmount string `xml:"PriceAmount"`
		} `xml:"Price"`
	} `xml:"InvoiceLine"`
}

func decodeXML(raw []byte) (*model.CanonicalInvoice, error) {
	var doc ublSubset
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parser: invalid invoice xml: %w", err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("parser: missing invoice ID element")
	}

	inv := &model.CanonicalInvoice{
		Header: model.InvoiceHeader{
			Number:    doc.ID,
			IssueDate: doc.IssueDate,
			DueDate:   doc.DueDate,
			Currency:  doc.DocumentCurrencyCode,
		},
		Seller: model.Party{Name: doc.AccountingSupplierParty.Name},
		Buyer:  model.Party{Name: doc.AccountingCustomerParty.Name},
		Totals: model.MonetaryTotals{
			LineTotal:  doc.LegalMonetaryTotal.LineExtensionAmount,
			TaxTotal:   subtract(doc.LegalMonetaryTotal.TaxInclusiveAmount, doc.LegalMonetaryTotal.TaxExclusiveAmount),
			GrandTotal: doc.LegalMonetaryTotal.TaxInclusiveAmount,
			AmountDue:  doc.LegalMonetaryTotal.PayableAmount,
		},
	}
	for _, l := range doc.InvoiceLine {
		inv.LineItems = append(inv.LineItems, model.LineItem{
			ID:            l.ID,
			Description:   l.Item.Description,
			Quantity:      l.InvoicedQuantity,
			UnitPrice:     l.Price.PriceAmount,
			LineNetAmount: l.LineExtensionAmount,
		})
	}
	return inv, nil
}

// subtract computes a - b as decimal strings, via pkg/decimal so the
// result still satisfies the ^-?\d*\.?\d+$ invariant (spec §8 Testable
// Property 10); empty inputs (element absent from the XML) yield "".
func subtract(a, b string) string {
	if a == "" || b == "" {
		return ""
	}
	da, errA := decimal.Parse(a)
	db, errB := decimal.Parse(b)
	if errA != nil || errB != nil {
		return ""
	}
	return da.Sub(db).Format(2, decimal.DefaultRounding)
}
