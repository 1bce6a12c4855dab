package models

import "time"

// BatchTypeInvoices is the discriminator sent downstream for invoice batches.
const BatchTypeInvoices = "invoices"

// Invoice is a flattened invoice extracted from a qbXML InvoiceRet element.
// Dates are passed through as received.
type Invoice struct {
	RefNumber        string  `json:"ref_number"`
	TxnID            string  `json:"txn_id"`
	Date             string  `json:"date"`
	DueDate          string  `json:"due_date"`
	Subtotal         float64 `json:"subtotal"`
	TotalAmount      float64 `json:"total_amount"`
	BalanceRemaining float64 `json:"balance_remaining"`
	Customer         string  `json:"customer"`
	Memo             string  `json:"memo"`
	IsPaid           bool    `json:"is_paid"`
}

// InvoiceBatch is the payload delivered to the downstream webhook.
// Records keep source document order.
type InvoiceBatch struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
	Records   []Invoice `json:"data"`
}

// NewInvoiceBatch builds a batch with Count derived from records.
func NewInvoiceBatch(ts time.Time, records []Invoice) *InvoiceBatch {
	return &InvoiceBatch{
		Type:      BatchTypeInvoices,
		Timestamp: ts,
		Count:     len(records),
		Records:   records,
	}
}
