package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/keyforge/internal/audit/domain"
	"github.com/smallbiznis/keyforge/internal/audit/repository"
	"github.com/smallbiznis/keyforge/internal/audit/service"
	"github.com/smallbiznis/keyforge/internal/clock"
	obscontext "github.com/smallbiznis/keyforge/internal/observability/context"
	"github.com/smallbiznis/keyforge/internal/testutil"
	"github.com/smallbiznis/keyforge/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setup(t *testing.T) domain.Service {
	t.Helper()
	return service.NewService(service.Params{
		DB:    testutil.OpenDB(t),
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Clock: clock.NewFakeClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
}

func TestRecordAttributesCaller(t *testing.T) {
	svc := setup(t)
	ctx := obscontext.WithSubjectID(context.Background(), "admin")
	ctx = obscontext.WithRequestID(ctx, "req-1")
	ctx = domain.WithClient(ctx, "10.0.0.1", "curl/8")

	require.NoError(t, svc.Record(ctx, "inventory.add", "product", "42", map[string]any{"added": 3}))

	resp, err := svc.List(context.Background(), domain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, domain.ActorTypeAccessToken, entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "admin", *entry.ActorID)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, "42", *entry.TargetID)
	require.NotNil(t, entry.IPAddress)
	assert.Equal(t, "10.0.0.1", *entry.IPAddress)
	assert.Equal(t, "req-1", entry.Metadata["request_id"])
	assert.EqualValues(t, 3, entry.Metadata["added"])
}

func TestRecordWithoutCallerIsSystem(t *testing.T) {
	svc := setup(t)

	require.NoError(t, svc.Record(context.Background(), "order.notify", "order", "", nil))

	resp, err := svc.List(context.Background(), domain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, domain.ActorTypeSystem, resp.AuditLogs[0].ActorType)
	assert.Nil(t, resp.AuditLogs[0].ActorID)
	assert.Nil(t, resp.AuditLogs[0].TargetID)
}

func TestRecordRequiresAction(t *testing.T) {
	svc := setup(t)
	assert.ErrorIs(t, svc.Record(context.Background(), " ", "order", "1", nil), domain.ErrInvalidAction)
}

func TestListFiltersAndPages(t *testing.T) {
	svc := setup(t)
	ctx := context.Background()

	for _, action := range []string{"promo.create", "promo.deactivate", "promo.create", "product.create"} {
		require.NoError(t, svc.Record(ctx, action, "promo", "SAVE20", nil))
	}

	resp, err := svc.List(ctx, domain.ListRequest{Action: "promo.create"})
	require.NoError(t, err)
	assert.Len(t, resp.AuditLogs, 2)

	first, err := svc.List(ctx, domain.ListRequest{Page: pagination.Page{PageSize: 3}})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 3)
	require.True(t, first.PageInfo.HasMore)
	assert.Equal(t, "product.create", first.AuditLogs[0].Action)

	second, err := svc.List(ctx, domain.ListRequest{Page: pagination.Page{PageSize: 3, PageToken: first.PageInfo.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.False(t, second.PageInfo.HasMore)
	assert.Equal(t, "promo.create", second.AuditLogs[0].Action)

	_, err = svc.List(ctx, domain.ListRequest{Page: pagination.Page{PageToken: "not-a-token"}})
	assert.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}
