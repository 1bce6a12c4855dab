package qbxml

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/qbwc-bridge/internal/models"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func invoiceRet(txnID, ref, total, balance, customer string) string {
	var b strings.Builder
	b.WriteString("<InvoiceRet>")
	if txnID != "" {
		fmt.Fprintf(&b, "<TxnID>%s</TxnID>", txnID)
	}
	if customer != "" {
		fmt.Fprintf(&b, "<CustomerRef><ListID>80000001</ListID><FullName>%s</FullName></CustomerRef>", customer)
	}
	fmt.Fprintf(&b, "<TxnDate>2024-01-15</TxnDate><RefNumber>%s</RefNumber><DueDate>2024-02-14</DueDate>", ref)
	fmt.Fprintf(&b, "<Subtotal>%s</Subtotal><TotalAmount>%s</TotalAmount><BalanceRemaining>%s</BalanceRemaining>", total, total, balance)
	b.WriteString("<Memo>Thanks</Memo></InvoiceRet>")
	return b.String()
}

func response(body string, attrs string) string {
	return `<?xml version="1.0" ?><QBXML><QBXMLMsgsRs><InvoiceQueryRs requestID="1" ` + attrs + `>` +
		body + `</InvoiceQueryRs></QBXMLMsgsRs></QBXML>`
}

func convert(t *testing.T, doc string) (*models.InvoiceBatch, error) {
	t.Helper()
	return NewConverter(WithClock(func() time.Time { return fixedNow })).Convert(context.Background(), doc)
}

func TestConvert_singleInvoice(t *testing.T) {
	doc := response(invoiceRet("1-1", "INV-1", "100.50", "0.00", "Acme Corp"), `statusCode="0" statusSeverity="Info" statusMessage="Status OK"`)

	batch, err := convert(t, doc)
	require.NoError(t, err)
	require.Equal(t, models.BatchTypeInvoices, batch.Type)
	require.Equal(t, fixedNow, batch.Timestamp)
	require.Equal(t, 1, batch.Count)
	require.Equal(t, []models.Invoice{{
		RefNumber:        "INV-1",
		TxnID:            "1-1",
		Date:             "2024-01-15",
		DueDate:          "2024-02-14",
		Subtotal:         100.50,
		TotalAmount:      100.50,
		BalanceRemaining: 0,
		Customer:         "Acme Corp",
		Memo:             "Thanks",
		IsPaid:           true,
	}}, batch.Records)
}

func TestConvert_preservesDocumentOrder(t *testing.T) {
	var body strings.Builder
	for i := range 5 {
		body.WriteString(invoiceRet(fmt.Sprintf("T-%d", i), fmt.Sprintf("R-%d", i), "10", "5", "Cust"))
	}

	batch, err := convert(t, response(body.String(), ""))
	require.NoError(t, err)
	require.Equal(t, 5, batch.Count)
	require.Len(t, batch.Records, batch.Count)
	for i, inv := range batch.Records {
		require.Equal(t, fmt.Sprintf("T-%d", i), inv.TxnID)
		require.False(t, inv.IsPaid)
	}
}

func TestConvert_dropsInvoiceWithoutTxnID(t *testing.T) {
	body := invoiceRet("", "R-1", "10", "0", "A") + invoiceRet("T-2", "R-2", "20", "0", "B")

	batch, err := convert(t, response(body, ""))
	require.NoError(t, err)
	require.Equal(t, 1, batch.Count)
	require.Equal(t, "T-2", batch.Records[0].TxnID)
}

func TestConvert_dropsInvalidInvoices(t *testing.T) {
	tests := []struct {
		name    string
		invoice string
	}{
		{
			name:    "negative total",
			invoice: invoiceRet("T-1", "R-1", "-5", "0", "A"),
		},
		{
			name:    "empty element",
			invoice: "<InvoiceRet/>",
		},
		{
			name:    "structured txn id",
			invoice: "<InvoiceRet><TxnID><Value>1</Value></TxnID><TotalAmount>1</TotalAmount></InvoiceRet>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := tt.invoice + invoiceRet("T-ok", "R-ok", "1", "1", "A")

			batch, err := convert(t, response(body, ""))
			require.NoError(t, err)
			require.Equal(t, 1, batch.Count)
			require.Equal(t, "T-ok", batch.Records[0].TxnID)
		})
	}
}

func TestConvert_absent(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "empty",
			doc:  "",
			want: ErrEmptyDocument,
		},
		{
			name: "whitespace",
			doc:  " \n\t ",
			want: ErrEmptyDocument,
		},
		{
			name: "malformed",
			doc:  "<QBXML><QBXMLMsgsRs><</QBXML>",
			want: ErrMalformedXML,
		},
		{
			name: "wrong root",
			doc:  "<Other/>",
			want: ErrUnexpectedShape,
		},
		{
			name: "missing message set",
			doc:  "<QBXML><Something/></QBXML>",
			want: ErrUnexpectedShape,
		},
		{
			name: "unknown response type",
			doc:  "<QBXML><QBXMLMsgsRs><CustomerQueryRs/></QBXMLMsgsRs></QBXML>",
			want: ErrUnknownResponse,
		},
		{
			name: "no invoices",
			doc:  response("", `statusCode="1" statusMessage="A query request did not find a matching object"`),
			want: ErrNoInvoices,
		},
		{
			name: "all invoices invalid",
			doc:  response(invoiceRet("", "R-1", "10", "0", "A")+invoiceRet("T-2", "R-2", "-1", "0", "B"), ""),
			want: ErrNoInvoices,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := convert(t, tt.doc)
			require.ErrorIs(t, err, tt.want)
			require.Nil(t, batch)
		})
	}
}

func TestConvert_declaredCharset(t *testing.T) {
	doc := `<?xml version="1.0" encoding="windows-1252"?>` +
		"<QBXML><QBXMLMsgsRs><InvoiceQueryRs><InvoiceRet><TxnID>T-1</TxnID>" +
		"<CustomerRef><FullName>Caf\xe9</FullName></CustomerRef><TotalAmount>1</TotalAmount>" +
		"</InvoiceRet></InvoiceQueryRs></QBXMLMsgsRs></QBXML>"

	batch, err := convert(t, doc)
	require.NoError(t, err)
	require.Equal(t, "Café", batch.Records[0].Customer)
}

func TestConvert_nonZeroStatusStillExtracts(t *testing.T) {
	doc := response(invoiceRet("T-1", "R-1", "10", "0", "A"), `statusCode="500" statusSeverity="Warn" statusMessage="partial"`)

	batch, err := convert(t, doc)
	require.NoError(t, err)
	require.Equal(t, 1, batch.Count)
}

func TestConvert_customerName(t *testing.T) {
	tests := []struct {
		name     string
		refs     string
		expected string
	}{
		{
			name:     "single reference",
			refs:     "<CustomerRef><FullName>Acme</FullName></CustomerRef>",
			expected: "Acme",
		},
		{
			name:     "repeated reference takes first",
			refs:     "<CustomerRef><FullName>First</FullName></CustomerRef><CustomerRef><FullName>Second</FullName></CustomerRef>",
			expected: "First",
		},
		{
			name:     "reference without name",
			refs:     "<CustomerRef><ListID>1</ListID></CustomerRef>",
			expected: "",
		},
		{
			name:     "no reference",
			refs:     "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := response("<InvoiceRet><TxnID>T-1</TxnID>"+tt.refs+"<TotalAmount>1</TotalAmount></InvoiceRet>", "")

			batch, err := convert(t, doc)
			require.NoError(t, err)
			require.Equal(t, tt.expected, batch.Records[0].Customer)
		})
	}
}

func TestConvert_permissiveAmounts(t *testing.T) {
	doc := response(`<InvoiceRet><TxnID>T-1</TxnID><Subtotal>abc</Subtotal><TotalAmount></TotalAmount></InvoiceRet>`, "")

	batch, err := convert(t, doc)
	require.NoError(t, err)

	inv := batch.Records[0]
	require.Zero(t, inv.Subtotal)
	require.Zero(t, inv.TotalAmount)
	require.Zero(t, inv.BalanceRemaining)
	require.True(t, inv.IsPaid)
	require.Empty(t, inv.RefNumber)
	require.Empty(t, inv.Memo)
}

func TestSafeFloat(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected float64
		ok       bool
	}{
		{name: "empty", input: "", expected: 0, ok: false},
		{name: "null", input: "null", expected: 0, ok: false},
		{name: "non numeric", input: "twelve", expected: 0, ok: false},
		{name: "nan", input: "NaN", expected: 0, ok: false},
		{name: "infinity", input: "Inf", expected: 0, ok: false},
		{name: "integer", input: "12", expected: 12, ok: true},
		{name: "decimal with spaces", input: " 12.34 ", expected: 12.34, ok: true},
		{name: "negative", input: "-3.5", expected: -3.5, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, ok := SafeFloat(tt.input, 0)
			require.Equal(t, tt.expected, v)
			require.Equal(t, tt.ok, ok)
		})
	}

	v, ok := SafeFloat("bogus", 7.5)
	require.False(t, ok)
	require.Equal(t, 7.5, v)
}

func TestDefaultInvoiceQuery(t *testing.T) {
	doc, err := DefaultInvoiceQuery()
	require.NoError(t, err)
	require.Contains(t, doc, `<?qbxml version="13.0"?>`)
	require.Contains(t, doc, `<QBXMLMsgsRq onError="stopOnError">`)
	require.Contains(t, doc, `<InvoiceQueryRq requestID="1">`)
	require.Contains(t, doc, `<FromModifiedDate>2000-01-01</FromModifiedDate>`)
	require.Contains(t, doc, `<ToModifiedDate>2099-12-31</ToModifiedDate>`)

	again, err := DefaultInvoiceQuery()
	require.NoError(t, err)
	require.Equal(t, doc, again)
}
