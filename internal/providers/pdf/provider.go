package pdf

import "context"

type Provider interface {
	GenerateReceipt(ctx context.Context, data ReceiptData) ([]byte, error)
}

type ReceiptData struct {
	StoreName  string
	OrderID    string
	ChargeID   string
	BuyerEmail string
	DatePaid   string
	PromoCode  string

	Items []ReceiptItem

	Subtotal string
	Discount string
	Tax      string
	Total    string
}

type ReceiptItem struct {
	Description string
	Region      string
	Qty         int
	UnitPrice   string
	Amount      string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}
