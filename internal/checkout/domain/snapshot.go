package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
)

const (
	MetadataBuyerID       = "buyer_id"
	MetadataBuyerEmail    = "buyer_email"
	MetadataSnapshot      = "snapshot"
	MetadataSnapshotParts = "snapshot_parts"

	// Gateways cap metadata values; longer snapshots are split across
	// snapshot_0..snapshot_n.
	maxMetadataValue = 500
	maxSnapshotParts = 40
)

var (
	ErrMissingSnapshot = errors.New("missing_snapshot")
	ErrInvalidSnapshot = errors.New("invalid_snapshot")
)

// Snapshot freezes the priced cart at intent time. Fulfillment charges the
// buyer exactly what is recorded here, never the live catalog.
type Snapshot struct {
	BuyerID       string         `json:"buyer_id"`
	BuyerEmail    string         `json:"buyer_email"`
	Items         []SnapshotItem `json:"items"`
	PromoCode     string         `json:"promo_code,omitempty"`
	SubtotalCents int64          `json:"subtotal"`
	DiscountCents int64          `json:"discount"`
	TaxCents      int64          `json:"tax"`
	TotalCents    int64          `json:"total"`
	Currency      string         `json:"currency"`
}

type SnapshotItem struct {
	ProductID      snowflake.ID `json:"product_id"`
	Title          string       `json:"title,omitempty"`
	Quantity       int          `json:"quantity"`
	UnitPriceCents int64        `json:"unit_price"`
	Region         string       `json:"region"`
}

// Total derives the amount due: subtotal plus tax minus discount, floored at zero.
func Total(subtotal, tax, discount int64) int64 {
	return max(subtotal+tax-discount, 0)
}

// Validate checks internal consistency. The total may differ from the
// derived value by one minor unit of rounding.
func (s Snapshot) Validate() error {
	if strings.TrimSpace(s.BuyerID) == "" {
		return fmt.Errorf("%w: buyer id is empty", ErrInvalidSnapshot)
	}
	if len(s.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidSnapshot)
	}

	var subtotal int64
	for _, item := range s.Items {
		if item.ProductID <= 0 || item.Quantity < 1 || item.UnitPriceCents < 0 {
			return fmt.Errorf("%w: bad line for product %s", ErrInvalidSnapshot, item.ProductID)
		}
		subtotal += item.UnitPriceCents * int64(item.Quantity)
	}
	if subtotal != s.SubtotalCents {
		return fmt.Errorf("%w: subtotal %d does not match lines %d", ErrInvalidSnapshot, s.SubtotalCents, subtotal)
	}
	if s.DiscountCents < 0 || s.TaxCents < 0 {
		return fmt.Errorf("%w: negative adjustment", ErrInvalidSnapshot)
	}

	want := Total(s.SubtotalCents, s.TaxCents, s.DiscountCents)
	if diff := want - s.TotalCents; diff > 1 || diff < -1 {
		return fmt.Errorf("%w: total %d does not match derived %d", ErrInvalidSnapshot, s.TotalCents, want)
	}
	return nil
}

// Metadata renders the snapshot as provider charge metadata.
func (s Snapshot) Metadata() (map[string]string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}

	md := map[string]string{
		MetadataBuyerID:    s.BuyerID,
		MetadataBuyerEmail: s.BuyerEmail,
	}
	encoded := string(raw)
	if len(encoded) <= maxMetadataValue {
		md[MetadataSnapshot] = encoded
		return md, nil
	}

	chunks := splitRunes(encoded, maxMetadataValue)
	if len(chunks) > maxSnapshotParts {
		return nil, fmt.Errorf("%w: cart too large for charge metadata", ErrInvalidSnapshot)
	}
	for i, chunk := range chunks {
		md[MetadataSnapshot+"_"+strconv.Itoa(i)] = chunk
	}
	md[MetadataSnapshotParts] = strconv.Itoa(len(chunks))
	return md, nil
}

// splitRunes cuts s into pieces of at most size bytes without splitting a
// multi-byte character.
func splitRunes(s string, size int) []string {
	var out []string
	for len(s) > size {
		end := size
		for end > 0 && !utf8.RuneStart(s[end]) {
			end--
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return append(out, s)
}

// SnapshotFromMetadata reverses Metadata.
func SnapshotFromMetadata(md map[string]string) (*Snapshot, error) {
	encoded, ok := md[MetadataSnapshot]
	if !ok {
		partsRaw, found := md[MetadataSnapshotParts]
		if !found {
			return nil, ErrMissingSnapshot
		}
		parts, err := strconv.Atoi(partsRaw)
		if err != nil || parts < 1 || parts > maxSnapshotParts {
			return nil, ErrInvalidSnapshot
		}
		var b strings.Builder
		for i := range parts {
			chunk, found := md[MetadataSnapshot+"_"+strconv.Itoa(i)]
			if !found {
				return nil, ErrInvalidSnapshot
			}
			b.WriteString(chunk)
		}
		encoded = b.String()
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(encoded), &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if snap.BuyerID == "" {
		snap.BuyerID = md[MetadataBuyerID]
	}
	if snap.BuyerEmail == "" {
		snap.BuyerEmail = md[MetadataBuyerEmail]
	}
	return &snap, nil
}
