package payment

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront-payments/internal/domain/checkout"
	"github.com/xenking/storefront-payments/internal/domain/order"
)

// --- Fakes ---

type fakeGateway struct {
	sessions map[string]checkout.Session // by session id
	byIntent map[string]string           // payment intent id -> session id
	err      error
}

func (g *fakeGateway) CreateSession(context.Context, checkout.SessionRequest) (*checkout.Session, error) {
	return nil, errors.New("not used")
}

func (g *fakeGateway) VerifyAndDecode([]byte, string) (*checkout.Event, error) {
	return nil, checkout.ErrInvalidSignature
}

func (g *fakeGateway) LookupSession(_ context.Context, ref checkout.SessionRef) (*checkout.Session, error) {
	if g.err != nil {
		return nil, g.err
	}
	id := ref.SessionID
	if id == "" {
		id = g.byIntent[ref.PaymentIntentID]
	}
	s, ok := g.sessions[id]
	if !ok {
		return nil, checkout.ErrSessionNotFound
	}
	return &s, nil
}

type fakeSessions struct {
	mu      sync.Mutex
	records map[string]*checkout.Record
}

func (s *fakeSessions) Save(_ context.Context, rec checkout.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = &rec
	return nil
}

func (s *fakeSessions) Get(_ context.Context, id string) (*checkout.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, checkout.ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *fakeSessions) Consume(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false, checkout.ErrSessionNotFound
	}
	if rec.ConsumedAt != nil {
		return false, nil
	}
	now := time.Now()
	rec.ConsumedAt = &now
	return true, nil
}

type fakeOrders struct {
	mu            sync.Mutex
	orders        map[string]*order.Order
	transitionErr error
}

func (f *fakeOrders) Create(_ context.Context, o *order.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
	return nil
}

func (f *fakeOrders) FindByID(_ context.Context, id string) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) Transition(_ context.Context, id, userID string, from, to order.Status) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionErr != nil {
		return false, f.transitionErr
	}
	o, ok := f.orders[id]
	if !ok || o.UserID != userID {
		return false, order.ErrNotFound
	}
	if o.PaymentType != order.PaymentOnline || o.Status != from {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeOrders) MarkCartCleared(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.orders[id].CartClearedAt = &now
	return nil
}

func (f *fakeOrders) ListSettled(context.Context, order.ListFilter) ([]order.Order, error) {
	return nil, nil
}

func (f *fakeOrders) ListPendingCartClears(_ context.Context, limit int) ([]order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []order.Order
	for _, o := range f.orders {
		if o.Status == order.StatusPaid && o.CartClearedAt == nil && len(out) < limit {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrders) status(id string) order.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orders[id].Status
}

type fakeCarts struct {
	mu     sync.Mutex
	clears map[string]int
	before map[string]time.Time // cutoff of the last ClearBefore per user
	err    error
}

func (c *fakeCarts) Clear(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.clears[userID]++
	return nil
}

func (c *fakeCarts) ClearBefore(_ context.Context, userID string, before time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.clears[userID]++
	c.before[userID] = before
	return nil
}

func (c *fakeCarts) count(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears[userID]
}

type fakeEventLog struct {
	mu      sync.Mutex
	ids     map[string]string
	seenErr error
}

func (l *fakeEventLog) Seen(_ context.Context, id string) (bool, error) {
	if l.seenErr != nil {
		return false, l.seenErr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok, nil
}

func (l *fakeEventLog) Record(_ context.Context, id, typ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids[id] = typ
	return nil
}

func (l *fakeEventLog) has(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.ids[id]
	return ok
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []Settlement
	err  error
}

func (n *fakeNotifier) OrderSettled(_ context.Context, s Settlement) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, s)
	return n.err
}

// --- Fixture ---

type fixture struct {
	gateway  *fakeGateway
	sessions *fakeSessions
	orders   *fakeOrders
	carts    *fakeCarts
	events   *fakeEventLog
	notifier *fakeNotifier
	rec      *Reconciler
}

const (
	orderID   = "order-1"
	userID    = "user-1"
	sessionID = "cs_test_1"
	intentID  = "pi_test_1"
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gateway: &fakeGateway{
			sessions: map[string]checkout.Session{
				sessionID: {ID: sessionID, Metadata: checkout.Metadata{OrderID: orderID, UserID: userID}},
			},
			byIntent: map[string]string{intentID: sessionID},
		},
		sessions: &fakeSessions{records: map[string]*checkout.Record{
			sessionID: {SessionID: sessionID, OrderID: orderID, UserID: userID},
		}},
		orders: &fakeOrders{orders: map[string]*order.Order{
			orderID: {
				ID:          orderID,
				UserID:      userID,
				PaymentType: order.PaymentOnline,
				Status:      order.StatusPending,
				Subtotal:    1000,
				Surcharge:   20,
				Amount:      1020,
			},
		}},
		carts:    &fakeCarts{clears: make(map[string]int), before: make(map[string]time.Time)},
		events:   &fakeEventLog{ids: make(map[string]string)},
		notifier: &fakeNotifier{},
	}
	rec, err := NewReconciler(f.gateway, f.sessions, f.orders, f.carts, f.events, Options{Notifier: f.notifier})
	require.NoError(t, err)
	f.rec = rec
	return f
}

func succeeded(id string) *checkout.Event {
	return &checkout.Event{
		ID:   id,
		Type: "checkout.session.completed",
		Kind: checkout.KindPaymentSucceeded,
		Ref:  checkout.SessionRef{SessionID: sessionID},
	}
}

func failed(id string) *checkout.Event {
	return &checkout.Event{
		ID:   id,
		Type: "checkout.session.async_payment_failed",
		Kind: checkout.KindPaymentFailed,
		Ref:  checkout.SessionRef{SessionID: sessionID},
	}
}

func declined(id string) *checkout.Event {
	return &checkout.Event{
		ID:   id,
		Type: "payment_intent.payment_failed",
		Ref:  checkout.SessionRef{PaymentIntentID: intentID},
	}
}

// --- Tests ---

func TestHandle_PaymentSucceeded(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.rec.Handle(context.Background(), succeeded("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	assert.Equal(t, order.StatusPaid, f.orders.status(orderID))
	assert.Equal(t, 1, f.carts.count(userID))
	assert.NotNil(t, f.orders.orders[orderID].CartClearedAt)
	assert.True(t, f.events.has("evt_1"))
	assert.NotNil(t, f.sessions.records[sessionID].ConsumedAt)

	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, orderID, f.notifier.sent[0].OrderID)
	assert.Equal(t, order.StatusPaid, f.notifier.sent[0].Status)
	assert.Equal(t, "evt_1", f.notifier.sent[0].EventID)
}

func TestHandle_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Handle(ctx, succeeded("evt_1"))
	require.NoError(t, err)

	outcome, err := f.rec.Handle(ctx, succeeded("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 1, f.carts.count(userID))
	assert.Len(t, f.notifier.sent, 1)
}

func TestHandle_DistinctEventsSamePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Handle(ctx, succeeded("evt_session"))
	require.NoError(t, err)

	ev := &checkout.Event{
		ID:   "evt_intent",
		Type: "payment_intent.succeeded",
		Kind: checkout.KindPaymentSucceeded,
		Ref:  checkout.SessionRef{PaymentIntentID: intentID},
	}
	outcome, err := f.rec.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySettled, outcome)
	assert.Equal(t, 1, f.carts.count(userID))
	assert.True(t, f.events.has("evt_intent"))
}

func TestHandle_PaidNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.rec.Handle(ctx, succeeded("evt_1"))
	require.NoError(t, err)

	outcome, err := f.rec.Handle(ctx, failed("evt_2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySettled, outcome)
	assert.Equal(t, order.StatusPaid, f.orders.status(orderID))
}

func TestHandle_PaymentFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.rec.Handle(ctx, failed("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, order.StatusFailed, f.orders.status(orderID))
	assert.Zero(t, f.carts.count(userID))

	// A late success does not resurrect a failed order.
	outcome, err = f.rec.Handle(ctx, succeeded("evt_2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySettled, outcome)
	assert.Equal(t, order.StatusFailed, f.orders.status(orderID))
	assert.Zero(t, f.carts.count(userID))
}

func TestHandle_DeclineThenSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.rec.Handle(ctx, declined("evt_decline"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, order.StatusPending, f.orders.status(orderID))
	assert.Zero(t, f.carts.count(userID))
	assert.Empty(t, f.notifier.sent)

	outcome, err = f.rec.Handle(ctx, &checkout.Event{
		ID:   "evt_retry",
		Type: "payment_intent.succeeded",
		Kind: checkout.KindPaymentSucceeded,
		Ref:  checkout.SessionRef{PaymentIntentID: intentID},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, order.StatusPaid, f.orders.status(orderID))
	assert.Equal(t, 1, f.carts.count(userID))
}

func TestHandle_UnknownKind(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.rec.Handle(context.Background(), &checkout.Event{ID: "evt_1", Type: "customer.created"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, order.StatusPending, f.orders.status(orderID))
	assert.True(t, f.events.has("evt_1"))
}

func TestHandle_SessionNotFound(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture)
		ev     *checkout.Event
	}{
		{
			name: "unknown at processor",
			ev: &checkout.Event{
				ID: "evt_1", Kind: checkout.KindPaymentSucceeded,
				Ref: checkout.SessionRef{SessionID: "cs_other"},
			},
		},
		{
			name:   "no local record",
			mutate: func(f *fixture) { delete(f.sessions.records, sessionID) },
			ev:     succeeded("evt_1"),
		},
		{
			name: "metadata mismatch",
			mutate: func(f *fixture) {
				f.gateway.sessions[sessionID] = checkout.Session{
					ID:       sessionID,
					Metadata: checkout.Metadata{OrderID: orderID, UserID: "attacker"},
				}
			},
			ev: succeeded("evt_1"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.mutate != nil {
				tt.mutate(f)
			}
			outcome, err := f.rec.Handle(context.Background(), tt.ev)
			require.NoError(t, err)
			assert.Equal(t, OutcomeSessionNotFound, outcome)
			assert.Equal(t, order.StatusPending, f.orders.status(orderID))
			assert.Zero(t, f.carts.count(userID))
			assert.Empty(t, f.notifier.sent)
		})
	}
}

func TestHandle_OrderNotFound(t *testing.T) {
	f := newFixture(t)
	delete(f.orders.orders, orderID)

	outcome, err := f.rec.Handle(context.Background(), succeeded("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderNotFound, outcome)
	assert.Zero(t, f.carts.count(userID))
}

func TestHandle_InfrastructureErrorsLeaveEventUnrecorded(t *testing.T) {
	t.Run("event log", func(t *testing.T) {
		f := newFixture(t)
		f.events.seenErr = errors.New("db down")
		_, err := f.rec.Handle(context.Background(), succeeded("evt_1"))
		require.Error(t, err)
		assert.Equal(t, order.StatusPending, f.orders.status(orderID))
	})
	t.Run("gateway", func(t *testing.T) {
		f := newFixture(t)
		f.gateway.err = errors.Wrap(checkout.ErrGatewayUnavailable, "timeout")
		_, err := f.rec.Handle(context.Background(), succeeded("evt_1"))
		require.ErrorIs(t, err, checkout.ErrGatewayUnavailable)
		assert.False(t, f.events.has("evt_1"))
	})
	t.Run("transition", func(t *testing.T) {
		f := newFixture(t)
		f.orders.transitionErr = errors.New("db down")
		_, err := f.rec.Handle(context.Background(), succeeded("evt_1"))
		require.Error(t, err)
		assert.False(t, f.events.has("evt_1"))
		assert.Zero(t, f.carts.count(userID))
	})
}

func TestHandle_NotifierFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("broker down")

	outcome, err := f.rec.Handle(context.Background(), succeeded("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.True(t, f.events.has("evt_1"))
}

func TestHandle_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 32
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Half the deliveries reuse one id, the rest carry distinct ids.
			id := "evt_dup"
			if i%2 == 1 {
				id = fmt.Sprintf("evt_%d", i)
			}
			outcome, err := f.rec.Handle(ctx, succeeded(id))
			assert.NoError(t, err)
			if outcome == OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, 1, f.carts.count(userID))
	assert.Equal(t, order.StatusPaid, f.orders.status(orderID))
}

func TestRetryCartClears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.carts.err = errors.New("cart store down")

	_, err := f.rec.Handle(ctx, succeeded("evt_1"))
	require.Error(t, err)
	assert.Equal(t, order.StatusPaid, f.orders.status(orderID))
	assert.Nil(t, f.orders.orders[orderID].CartClearedAt)

	// Redelivery finds the order settled and leaves the cart alone.
	outcome, err := f.rec.Handle(ctx, succeeded("evt_1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadySettled, outcome)

	f.carts.err = nil
	n, err := f.rec.RetryCartClears(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.carts.count(userID))
	assert.NotNil(t, f.orders.orders[orderID].CartClearedAt)

	// Items added after the order settled are kept.
	settledAt := f.orders.orders[orderID].UpdatedAt
	require.False(t, settledAt.IsZero())
	assert.Equal(t, settledAt, f.carts.before[userID])

	n, err = f.rec.RetryCartClears(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunCartClearRetry(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.carts.err = errors.New("cart store down")

	_, err := f.rec.Handle(ctx, succeeded("evt_1"))
	require.Error(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.rec.RunCartClearRetry(ctx, 10*time.Millisecond, 10)
	}()

	// The first pass fails; a later tick recovers once the store is back.
	time.Sleep(30 * time.Millisecond)
	f.carts.mu.Lock()
	f.carts.err = nil
	f.carts.mu.Unlock()

	require.Eventually(t, func() bool {
		f.orders.mu.Lock()
		defer f.orders.mu.Unlock()
		return f.orders.orders[orderID].CartClearedAt != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.carts.count(userID))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry loop did not stop")
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "duplicate", OutcomeDuplicate.String())
	assert.Equal(t, "session_not_found", OutcomeSessionNotFound.String())
	assert.Equal(t, "error", Outcome(99).String())
}
