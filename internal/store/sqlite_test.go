package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/watchdesk/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "watchdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestKVExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	kv := s.KV()
	require.NoError(t, kv.Set(ctx, "booking:+5511", []byte(`{"state":"awaiting_date"}`), time.Minute))

	got, err := kv.Get(ctx, "booking:+5511")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"awaiting_date"}`, string(got))

	now = now.Add(2 * time.Minute)
	got, err = kv.Get(ctx, "booking:+5511")
	require.NoError(t, err)
	assert.Nil(t, got)

	purged, err := s.PurgeExpiredValues(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

func TestLeaseExclusiveUntilExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	ok, err := s.TryAcquireLease(ctx, "lease:k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryAcquireLease(ctx, "lease:k", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must wait")

	ok, err = s.TryAcquireLease(ctx, "lease:k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner may extend")

	now = now.Add(2 * time.Minute)
	ok, err = s.TryAcquireLease(ctx, "lease:k", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, s.ReleaseLease(ctx, "lease:k", "a"))
	ok, err = s.TryAcquireLease(ctx, "lease:k", "c", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by non-owner is ignored")
}

func TestCustomerUpsertKeepsID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	c := &domain.Customer{TenantID: "t1", Phone: "+5511999990000", Name: "Maria Souza", City: "São Paulo", Interests: []string{"Rolex"}}
	require.NoError(t, s.UpsertCustomer(ctx, c))
	firstID := c.ID

	again := &domain.Customer{TenantID: "t1", Phone: "+5511999990000", Name: "Maria Souza", City: "Campinas"}
	require.NoError(t, s.UpsertCustomer(ctx, again))
	assert.Equal(t, firstID, again.ID)

	got, err := s.GetCustomerByPhone(ctx, "t1", "+5511999990000")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Campinas", got.City)
	assert.Nil(t, got.Interests)
}

func TestSearchCustomers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	for _, c := range []*domain.Customer{
		{TenantID: "t1", Phone: "+1", Name: "Maria Souza", City: "Recife"},
		{TenantID: "t1", Phone: "+2", Name: "Maria Lima", City: "Natal"},
		{TenantID: "t1", Phone: "+3", Name: "João Pedro", City: "Recife"},
	} {
		require.NoError(t, s.UpsertCustomer(ctx, c))
	}

	exact, err := s.SearchCustomers(ctx, CustomerSearch{TenantID: "t1", Name: "maria souza"})
	require.NoError(t, err)
	require.Len(t, exact, 1)
	assert.Equal(t, "+1", exact[0].Phone)

	partial, err := s.SearchCustomers(ctx, CustomerSearch{TenantID: "t1", Name: "Maria", Partial: true})
	require.NoError(t, err)
	assert.Len(t, partial, 2)

	inCity, err := s.SearchCustomers(ctx, CustomerSearch{TenantID: "t1", Name: "Maria", City: "natal", Partial: true})
	require.NoError(t, err)
	require.Len(t, inCity, 1)
	assert.Equal(t, "+2", inCity[0].Phone)
}

func TestBookSlotRespectsCapacity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		booked int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.BookSlot(ctx, &domain.Appointment{
				TenantID: "t1", CustomerPhone: "+55", Date: "2025-03-03", Time: "14:00",
			}, 2)
			if err != nil {
				t.Errorf("BookSlot: %v", err)
				return
			}
			if ok {
				mu.Lock()
				booked++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, booked)

	counts, err := s.CountBookings(ctx, "t1", "2025-03-03")
	require.NoError(t, err)
	assert.Equal(t, 2, counts["14:00"])
}

func TestAvailabilityReplace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ReplaceAvailability(ctx, "t1", time.Monday, []domain.AvailabilitySlot{
		{Time: "10:00", MaxBookings: 2}, {Time: "14:00", MaxBookings: 1},
	}))
	require.NoError(t, s.ReplaceAvailability(ctx, "t1", time.Monday, []domain.AvailabilitySlot{
		{Time: "15:00", MaxBookings: 3},
	}))

	slots, err := s.ListAvailability(ctx, "t1", time.Monday)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "15:00", slots[0].Time)
	assert.Equal(t, 3, slots[0].MaxBookings)
}

func TestThreadRoundTripAndPurge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	th := &domain.Thread{TenantID: "t1", CustomerID: "c1", Events: []domain.Event{
		{ID: "e1", Type: domain.EventUserMessage, Content: "oi", Timestamp: now},
	}}
	require.NoError(t, s.SaveThread(ctx, th))
	require.NoError(t, s.SetThreadStatus(ctx, th.ID, domain.ThreadPaused))

	got, err := s.GetThreadByCustomer(ctx, "t1", "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsPaused())
	require.Len(t, got.Events, 1)
	assert.Equal(t, "oi", got.Events[0].Content)

	paused, err := s.ListPausedThreads(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, paused, 1)

	now = now.Add(8 * 24 * time.Hour)
	n, err := s.PurgeIdleThreads(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestVerificationLookupByShortID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	rec := &domain.VerificationRecord{
		TenantID: "t1", CustomerPhone: "+55", CPFEncrypted: "sealed", CPFMasked: "***.***.247-25",
		Status: domain.VerificationManualReview, RiskCategory: "missing_guarantee",
	}
	require.NoError(t, s.SaveVerification(ctx, rec))

	got, err := s.GetVerification(ctx, rec.ShortID())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "sealed", got.CPFEncrypted)

	list, err := s.ListVerifications(ctx, "t1", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSearchProductsMatchesWords(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertProduct(ctx, &domain.Product{TenantID: "t1", Name: "Submariner Date", Brand: "Rolex", Price: 90000, Active: true, InStock: true}))
	require.NoError(t, s.UpsertProduct(ctx, &domain.Product{TenantID: "t1", Name: "Speedmaster", Brand: "Omega", Price: 45000, Active: true, InStock: true}))
	require.NoError(t, s.UpsertProduct(ctx, &domain.Product{TenantID: "t1", Name: "Daytona", Brand: "Rolex", Price: 200000, Active: true, InStock: false}))

	got, err := s.SearchProducts(ctx, "t1", domain.CatalogQuery{Text: "rolex submariner"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Submariner Date", got[0].Name)

	brands, err := s.ListBrands(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Omega", "Rolex"}, brands)
}
