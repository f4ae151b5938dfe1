//go:build integration

package repository

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/xenking/storefront-payments/internal/domain/address"
	"github.com/xenking/storefront-payments/internal/domain/cart"
	"github.com/xenking/storefront-payments/internal/domain/checkout"
	"github.com/xenking/storefront-payments/internal/domain/order"
	"github.com/xenking/storefront-payments/internal/domain/product"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pgc, err := postgres.Run(ctx, "postgres:17-alpine",
		postgres.WithDatabase("shop"),
		postgres.WithUsername("shop"),
		postgres.WithPassword("shop"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := testcontainers.TerminateContainer(pgc); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	dsn, err := pgc.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("connection string: %v", err)
	}
	testPool, err = NewPool(ctx, dsn, PoolConfig{MaxConns: 16})
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	// Migrations must be re-runnable.
	if err := RunMigrations(ctx, testPool); err != nil {
		log.Fatalf("migrations rerun: %v", err)
	}

	return m.Run()
}

func seedCatalog(t *testing.T) (userID, addressID string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, NewProductRepository(testPool).Upsert(ctx,
		product.Product{ID: "waffle", Name: "Waffle", Price: decimal.RequireFromString("5.00"), Category: "Waffle"},
		product.Product{ID: "cookie", Name: "Cookie", Price: decimal.RequireFromString("0.50"), Category: "Cookie"},
	))

	userID = "user-" + uuid.NewString()
	addressID = "addr-" + uuid.NewString()
	require.NoError(t, NewAddressRepository(testPool).Upsert(ctx, address.Address{
		ID: addressID, UserID: userID, Street: "1 Main St", City: "Springfield", Country: "US",
	}))
	return userID, addressID
}

func newOrder(userID, addressID string, pt order.PaymentType, createdAt time.Time) *order.Order {
	return &order.Order{
		ID:          uuid.NewString(),
		UserID:      userID,
		AddressID:   addressID,
		Items:       []order.Item{{ProductID: "waffle", Name: "Waffle", UnitPrice: 500, Quantity: 2}},
		Subtotal:    1000,
		Surcharge:   20,
		Amount:      1020,
		PaymentType: pt,
		Status:      order.StatusPending,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestProductRepository_GetByIDs(t *testing.T) {
	seedCatalog(t)

	got, err := NewProductRepository(testPool).GetByIDs(context.Background(), []string{"waffle", "cookie", "ghost"})
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[string]product.Product{}
	for _, p := range got {
		byID[p.ID] = p
	}
	assert.True(t, byID["cookie"].Price.Equal(decimal.RequireFromString("0.50")))
	assert.Equal(t, "Waffle", byID["waffle"].Name)
}

func TestAddressRepository_FindByID(t *testing.T) {
	userID, addressID := seedCatalog(t)
	repo := NewAddressRepository(testPool)

	a, err := repo.FindByID(context.Background(), addressID)
	require.NoError(t, err)
	assert.Equal(t, userID, a.UserID)
	assert.Equal(t, "Springfield", a.City)

	_, err = repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, address.ErrNotFound)
}

func TestOrderRepository_CreateAndFind(t *testing.T) {
	userID, addressID := seedCatalog(t)
	repo := NewOrderRepository(testPool)
	ctx := context.Background()

	o := newOrder(userID, addressID, order.PaymentOnline, time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, repo.Create(ctx, o))

	got, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Items, got.Items)
	assert.Equal(t, int64(1020), got.Amount)
	assert.Equal(t, order.PaymentOnline, got.PaymentType)
	assert.Equal(t, order.StatusPending, got.Status)
	assert.Nil(t, got.CartClearedAt)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func TestOrderRepository_Transition(t *testing.T) {
	userID, addressID := seedCatalog(t)
	repo := NewOrderRepository(testPool)
	ctx := context.Background()

	online := newOrder(userID, addressID, order.PaymentOnline, time.Now())
	cod := newOrder(userID, addressID, order.PaymentCOD, time.Now())
	require.NoError(t, repo.Create(ctx, online))
	require.NoError(t, repo.Create(ctx, cod))

	applied, err := repo.Transition(ctx, online.ID, userID, order.StatusPending, order.StatusPaid)
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = repo.Transition(ctx, online.ID, userID, order.StatusPending, order.StatusFailed)
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = repo.Transition(ctx, cod.ID, userID, order.StatusPending, order.StatusPaid)
	require.NoError(t, err)
	assert.False(t, applied, "cash on delivery orders never transition")

	_, err = repo.Transition(ctx, online.ID, "someone-else", order.StatusPending, order.StatusPaid)
	assert.ErrorIs(t, err, order.ErrNotFound)

	got, err := repo.FindByID(ctx, online.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, got.Status)
}

func TestOrderRepository_TransitionConcurrent(t *testing.T) {
	userID, addressID := seedCatalog(t)
	repo := NewOrderRepository(testPool)
	ctx := context.Background()

	o := newOrder(userID, addressID, order.PaymentOnline, time.Now())
	require.NoError(t, repo.Create(ctx, o))

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Transition(ctx, o.ID, userID, order.StatusPending, order.StatusPaid)
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())
}

func TestOrderRepository_ListSettled(t *testing.T) {
	userID, addressID := seedCatalog(t)
	repo := NewOrderRepository(testPool)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	older := newOrder(userID, addressID, order.PaymentCOD, base)
	unpaid := newOrder(userID, addressID, order.PaymentOnline, base.Add(time.Minute))
	paid := newOrder(userID, addressID, order.PaymentOnline, base.Add(2*time.Minute))
	failed := newOrder(userID, addressID, order.PaymentOnline, base.Add(3*time.Minute))
	for _, o := range []*order.Order{older, unpaid, paid, failed} {
		require.NoError(t, repo.Create(ctx, o))
	}
	_, err := repo.Transition(ctx, paid.ID, userID, order.StatusPending, order.StatusPaid)
	require.NoError(t, err)
	_, err = repo.Transition(ctx, failed.ID, userID, order.StatusPending, order.StatusFailed)
	require.NoError(t, err)

	mine, err := repo.ListSettled(ctx, order.ListFilter{UserID: userID})
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, paid.ID, mine[0].ID, "newest first")
	assert.Equal(t, older.ID, mine[1].ID)

	all, err := repo.ListSettled(ctx, order.ListFilter{Limit: 1000})
	require.NoError(t, err)
	ids := make(map[string]bool, len(all))
	for _, o := range all {
		ids[o.ID] = true
		assert.True(t, o.Listed())
	}
	assert.True(t, ids[paid.ID])
	assert.False(t, ids[unpaid.ID])
	assert.False(t, ids[failed.ID])
}

func TestOrderRepository_PendingCartClears(t *testing.T) {
	userID, addressID := seedCatalog(t)
	repo := NewOrderRepository(testPool)
	ctx := context.Background()

	o := newOrder(userID, addressID, order.PaymentOnline, time.Now())
	require.NoError(t, repo.Create(ctx, o))
	_, err := repo.Transition(ctx, o.ID, userID, order.StatusPending, order.StatusPaid)
	require.NoError(t, err)

	pending, err := repo.ListPendingCartClears(ctx, 1000)
	require.NoError(t, err)
	assert.True(t, containsOrder(pending, o.ID))

	require.NoError(t, repo.MarkCartCleared(ctx, o.ID))
	pending, err = repo.ListPendingCartClears(ctx, 1000)
	require.NoError(t, err)
	assert.False(t, containsOrder(pending, o.ID))

	got, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CartClearedAt)
}

func TestCartRepository_ClearBefore(t *testing.T) {
	userID, addressID := seedCatalog(t)
	orders := NewOrderRepository(testPool)
	carts := NewCartRepository(testPool)
	ctx := context.Background()

	o := newOrder(userID, addressID, order.PaymentOnline, time.Now())
	require.NoError(t, orders.Create(ctx, o))
	require.NoError(t, carts.SetQuantity(ctx, userID, "waffle", 2))
	_, err := orders.Transition(ctx, o.ID, userID, order.StatusPending, order.StatusPaid)
	require.NoError(t, err)
	settled, err := orders.FindByID(ctx, o.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, carts.SetQuantity(ctx, userID, "cookie", 1))

	require.NoError(t, carts.ClearBefore(ctx, userID, settled.UpdatedAt))
	items, err := carts.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{{ProductID: "cookie", Quantity: 1}}, items)
}

func containsOrder(orders []order.Order, id string) bool {
	for _, o := range orders {
		if o.ID == id {
			return true
		}
	}
	return false
}

func TestSessionRepository(t *testing.T) {
	userID, addressID := seedCatalog(t)
	ctx := context.Background()
	o := newOrder(userID, addressID, order.PaymentOnline, time.Now())
	require.NoError(t, NewOrderRepository(testPool).Create(ctx, o))

	repo := NewSessionRepository(testPool)
	sessionID := "cs_" + uuid.NewString()
	require.NoError(t, repo.Save(ctx, checkout.Record{
		SessionID: sessionID, OrderID: o.ID, UserID: userID, CreatedAt: time.Now(),
	}))

	rec, err := repo.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, rec.Matches(checkout.Metadata{OrderID: o.ID, UserID: userID}))
	assert.Nil(t, rec.ConsumedAt)

	first, err := repo.Consume(ctx, sessionID)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := repo.Consume(ctx, sessionID)
	require.NoError(t, err)
	assert.False(t, again)

	_, err = repo.Get(ctx, "cs_missing")
	assert.ErrorIs(t, err, checkout.ErrSessionNotFound)
	_, err = repo.Consume(ctx, "cs_missing")
	assert.ErrorIs(t, err, checkout.ErrSessionNotFound)
}

func TestEventLogRepository(t *testing.T) {
	repo := NewEventLogRepository(testPool)
	ctx := context.Background()
	id := fmt.Sprintf("evt_%s", uuid.NewString())

	seen, err := repo.Seen(ctx, id)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, repo.Record(ctx, id, "payment_intent.succeeded"))
	require.NoError(t, repo.Record(ctx, id, "payment_intent.succeeded"))

	seen, err = repo.Seen(ctx, id)
	require.NoError(t, err)
	assert.True(t, seen)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	var found bool
	require.NoError(t, repo.EachID(ctx, func(got string) error {
		found = found || got == id
		return nil
	}))
	assert.True(t, found)
}

func TestCartRepository(t *testing.T) {
	userID, _ := seedCatalog(t)
	repo := NewCartRepository(testPool)
	ctx := context.Background()

	require.NoError(t, repo.SetQuantity(ctx, userID, "waffle", 2))
	require.NoError(t, repo.SetQuantity(ctx, userID, "cookie", 1))
	require.NoError(t, repo.SetQuantity(ctx, userID, "waffle", 3))

	items, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []cart.Item{{ProductID: "cookie", Quantity: 1}, {ProductID: "waffle", Quantity: 3}}, items)

	require.NoError(t, repo.SetQuantity(ctx, userID, "cookie", 0))
	items, err = repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	require.NoError(t, repo.Clear(ctx, userID))
	require.NoError(t, repo.Clear(ctx, userID))
	items, err = repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, items)
}
