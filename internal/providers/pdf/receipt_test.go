package pdf

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateReceipt(t *testing.T) {
	out, err := New().GenerateReceipt(context.Background(), ReceiptData{
		StoreName:  "Keyforge",
		OrderID:    "1790",
		ChargeID:   "pi_1",
		BuyerEmail: "buyer@example.com",
		DatePaid:   "2026-06-01",
		PromoCode:  "SAVE20",
		Items: []ReceiptItem{
			{Description: "Star Voyager", Region: "Global", Qty: 2, UnitPrice: "100.00 USD", Amount: "200.00 USD"},
		},
		Subtotal: "200.00 USD",
		Discount: "40.00 USD",
		Tax:      "20.00 USD",
		Total:    "180.00 USD",
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}
