// Package qbxml turns QuickBooks qbXML responses into invoice batches and
// builds the request documents sent to the Web Connector.
package qbxml

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/qbwc-bridge/internal/models"
	"github.com/wolfeidau/qbwc-bridge/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/net/html/charset"
)

// Outcomes for a response that yields no batch.
var (
	ErrEmptyDocument   = errors.New("empty qbXML document")
	ErrMalformedXML    = errors.New("malformed qbXML document")
	ErrUnexpectedShape = errors.New("unexpected qbXML structure")
	ErrUnknownResponse = errors.New("unknown qbXML response type")
	ErrNoInvoices      = errors.New("no valid invoices in response")
)

const (
	tagRoot         = "QBXML"
	tagMsgsRs       = "QBXMLMsgsRs"
	tagInvoiceQuery = "InvoiceQueryRs"
	tagInvoiceRet   = "InvoiceRet"
)

// Converter extracts invoice batches from qbXML responses. It holds no state
// besides its clock and is safe for concurrent use.
type Converter struct {
	now func() time.Time
}

// ConverterOption configures a Converter.
type ConverterOption func(*Converter)

// WithClock sets the time source used for batch timestamps.
func WithClock(now func() time.Time) ConverterOption {
	return func(c *Converter) {
		c.now = now
	}
}

// NewConverter creates a Converter.
func NewConverter(opts ...ConverterOption) *Converter {
	c := &Converter{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Convert parses an InvoiceQueryRs response into a batch. Individual invoices
// that cannot be extracted are dropped and logged; the batch is only absent
// (nil with an error) when nothing usable remains.
func (c *Converter) Convert(ctx context.Context, doc string) (*models.InvoiceBatch, error) {
	batch, err := c.convert(ctx, doc)
	if err != nil {
		telemetry.GetMetrics().ConversionErrorsTotal.Add(ctx, 1)
		return nil, err
	}
	return batch, nil
}

func (c *Converter) convert(ctx context.Context, doc string) (*models.InvoiceBatch, error) {
	log := zerolog.Ctx(ctx)

	if strings.TrimSpace(doc) == "" {
		return nil, ErrEmptyDocument
	}

	tree := etree.NewDocument()
	tree.ReadSettings.CharsetReader = charset.NewReaderLabel
	if err := tree.ReadFromString(doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedXML, err)
	}

	root := tree.Root()
	if root == nil || root.Tag != tagRoot {
		return nil, fmt.Errorf("%w: %s root element not found", ErrUnexpectedShape, tagRoot)
	}

	msgs := root.SelectElement(tagMsgsRs)
	if msgs == nil {
		return nil, fmt.Errorf("%w: %s not found in response", ErrUnexpectedShape, tagMsgsRs)
	}

	rs := msgs.SelectElement(tagInvoiceQuery)
	if rs == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownResponse, childTags(msgs))
	}

	if code := rs.SelectAttrValue("statusCode", "0"); code != "0" {
		// partial data may still be present, keep going
		log.Warn().
			Str("status_code", code).
			Str("status_message", rs.SelectAttrValue("statusMessage", "Unknown error")).
			Str("status_severity", rs.SelectAttrValue("statusSeverity", "")).
			Msg("InvoiceQueryRs returned non-zero status")
	}

	elems := elements(rs, tagInvoiceRet)
	if len(elems) == 0 {
		return nil, fmt.Errorf("%w: no %s elements", ErrNoInvoices, tagInvoiceRet)
	}

	invoices := make([]models.Invoice, 0, len(elems))
	dropped := 0
	for i, el := range elems {
		inv, err := parseInvoice(ctx, el)
		if err != nil {
			log.Warn().Err(err).Int("index", i).Msg("Skipping invoice")
			dropped++
			continue
		}
		invoices = append(invoices, inv)
	}

	metrics := telemetry.GetMetrics()
	metrics.InvoicesConvertedTotal.Add(ctx, int64(len(invoices)))
	if dropped > 0 {
		metrics.InvoicesDroppedTotal.Add(ctx, int64(dropped),
			metric.WithAttributes(attribute.String("response", tagInvoiceQuery)))
	}

	if len(invoices) == 0 {
		return nil, fmt.Errorf("%w: all %d dropped", ErrNoInvoices, dropped)
	}

	log.Info().
		Int("invoices", len(invoices)).
		Int("dropped", dropped).
		Msg("Parsed invoices")

	return models.NewInvoiceBatch(c.now().UTC(), invoices), nil
}

var (
	errMissingTxnID   = errors.New("invoice missing TxnID")
	errNegativeTotal  = errors.New("total amount cannot be negative")
	errStructuredTxID = errors.New("TxnID is not a scalar value")
)

func parseInvoice(ctx context.Context, el *etree.Element) (models.Invoice, error) {
	txn := el.SelectElement("TxnID")
	if txn != nil && len(txn.ChildElements()) > 0 {
		return models.Invoice{}, errStructuredTxID
	}

	inv := models.Invoice{
		TxnID:            text(el, "TxnID"),
		RefNumber:        text(el, "RefNumber"),
		Date:             text(el, "TxnDate"),
		DueDate:          text(el, "DueDate"),
		Subtotal:         amount(ctx, el, "Subtotal"),
		TotalAmount:      amount(ctx, el, "TotalAmount"),
		BalanceRemaining: amount(ctx, el, "BalanceRemaining"),
		Customer:         customerName(el),
		Memo:             text(el, "Memo"),
	}
	inv.IsPaid = inv.BalanceRemaining == 0

	if inv.TxnID == "" {
		return models.Invoice{}, errMissingTxnID
	}
	if inv.TotalAmount < 0 {
		return models.Invoice{}, fmt.Errorf("%w: txn %s", errNegativeTotal, inv.TxnID)
	}

	return inv, nil
}

// customerName returns the FullName of the first CustomerRef, whether the
// reference occurs once or repeated.
func customerName(el *etree.Element) string {
	refs := elements(el, "CustomerRef")
	if len(refs) == 0 {
		return ""
	}
	return text(refs[0], "FullName")
}

// amount reads a numeric child element, falling back to zero.
func amount(ctx context.Context, el *etree.Element, tag string) float64 {
	child := el.SelectElement(tag)
	if child == nil {
		return 0
	}

	raw := child.Text()
	v, ok := SafeFloat(raw, 0)
	if !ok && strings.TrimSpace(raw) != "" {
		zerolog.Ctx(ctx).Warn().
			Str("field", tag).
			Str("value", raw).
			Msg("Could not convert amount, using 0")
	}
	return v
}

// elements returns every child of parent named tag. A single occurrence and a
// repeated one both come back as a slice, so callers never branch on cardinality.
func elements(parent *etree.Element, tag string) []*etree.Element {
	if parent == nil {
		return nil
	}
	return parent.SelectElements(tag)
}

// text returns the trimmed text of the first child named tag.
func text(parent *etree.Element, tag string) string {
	children := elements(parent, tag)
	if len(children) == 0 {
		return ""
	}
	return strings.TrimSpace(children[0].Text())
}

func childTags(el *etree.Element) []string {
	var tags []string
	for _, child := range el.ChildElements() {
		tags = append(tags, child.Tag)
	}
	return tags
}
