package domain

import (
	"strings"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		BuyerID:    "buyer-1",
		BuyerEmail: "buyer@example.com",
		Items: []SnapshotItem{
			{ProductID: 101, Title: "Game A", Quantity: 2, UnitPriceCents: 10000, Region: "Global"},
			{ProductID: 102, Title: "Gift B", Quantity: 1, UnitPriceCents: 5000, Region: "EU"},
		},
		PromoCode:     "SAVE20",
		SubtotalCents: 25000,
		DiscountCents: 5000,
		TaxCents:      2500,
		TotalCents:    22500,
		Currency:      "usd",
	}
}

func TestSnapshotValidate(t *testing.T) {
	require.NoError(t, sampleSnapshot().Validate())

	s := sampleSnapshot()
	s.TotalCents = 22501
	require.NoError(t, s.Validate(), "one minor unit of rounding is tolerated")

	s.TotalCents = 22600
	require.ErrorIs(t, s.Validate(), ErrInvalidSnapshot)

	s = sampleSnapshot()
	s.SubtotalCents = 1
	require.ErrorIs(t, s.Validate(), ErrInvalidSnapshot)

	s = sampleSnapshot()
	s.Items = nil
	require.ErrorIs(t, s.Validate(), ErrInvalidSnapshot)

	s = sampleSnapshot()
	s.Items[0].Quantity = 0
	require.ErrorIs(t, s.Validate(), ErrInvalidSnapshot)
}

func TestTotalFloorsAtZero(t *testing.T) {
	assert.Equal(t, int64(0), Total(1000, 100, 5000))
	assert.Equal(t, int64(22500), Total(25000, 2500, 5000))
}

func TestSnapshotMetadataRoundTrip(t *testing.T) {
	s := sampleSnapshot()
	md, err := s.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", md[MetadataBuyerID])
	assert.Contains(t, md, MetadataSnapshot)

	got, err := SnapshotFromMetadata(md)
	require.NoError(t, err)
	assert.Equal(t, s, *got)
}

func TestSnapshotMetadataSplitsLargeCarts(t *testing.T) {
	s := Snapshot{BuyerID: "buyer-1", Currency: "usd"}
	for i := range 30 {
		s.Items = append(s.Items, SnapshotItem{
			ProductID:      snowflake.ID(1000 + i),
			Title:          strings.Repeat("é", 20),
			Quantity:       1,
			UnitPriceCents: 100,
			Region:         "Global",
		})
		s.SubtotalCents += 100
	}
	s.TotalCents = s.SubtotalCents

	md, err := s.Metadata()
	require.NoError(t, err)
	assert.NotContains(t, md, MetadataSnapshot)
	for k, v := range md {
		assert.LessOrEqual(t, len(v), 500, k)
	}

	got, err := SnapshotFromMetadata(md)
	require.NoError(t, err)
	assert.Equal(t, s, *got)
}

func TestSnapshotFromMetadataErrors(t *testing.T) {
	_, err := SnapshotFromMetadata(map[string]string{})
	require.ErrorIs(t, err, ErrMissingSnapshot)

	_, err = SnapshotFromMetadata(map[string]string{MetadataSnapshot: "{not json"})
	require.ErrorIs(t, err, ErrInvalidSnapshot)

	_, err = SnapshotFromMetadata(map[string]string{MetadataSnapshotParts: "2", "snapshot_0": "{}"})
	require.ErrorIs(t, err, ErrInvalidSnapshot)
}
