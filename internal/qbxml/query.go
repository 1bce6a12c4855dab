package qbxml

import (
	"github.com/beevik/etree"
)

const (
	// Version is the qbXML version requested from QuickBooks.
	Version = "13.0"

	defaultFromModified = "2000-01-01"
	defaultToModified   = "2099-12-31"
)

// InvoiceQuery builds an InvoiceQueryRq document filtered by modified date.
// QuickBooks stops processing the message set on the first error.
func InvoiceQuery(fromModified, toModified string) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	doc.CreateProcInst("qbxml", `version="`+Version+`"`)

	msgs := doc.CreateElement("QBXML").CreateElement("QBXMLMsgsRq")
	msgs.CreateAttr("onError", "stopOnError")

	rq := msgs.CreateElement("InvoiceQueryRq")
	rq.CreateAttr("requestID", "1")

	filter := rq.CreateElement("ModifiedDateRangeFilter")
	filter.CreateElement("FromModifiedDate").SetText(fromModified)
	filter.CreateElement("ToModifiedDate").SetText(toModified)

	doc.Indent(2)
	return doc.WriteToString()
}

// DefaultInvoiceQuery returns the query issued on every sendRequestXML: all
// invoices modified between 2000-01-01 and 2099-12-31.
func DefaultInvoiceQuery() (string, error) {
	return InvoiceQuery(defaultFromModified, defaultToModified)
}
