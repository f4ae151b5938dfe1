package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/storefront-payments/internal/domain/checkout"
	"github.com/xenking/storefront-payments/internal/domain/order"
)

const instrumentationName = "github.com/xenking/storefront-payments/internal/domain/payment"

// Options configures optional Reconciler collaborators.
type Options struct {
	Notifier       Notifier
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	Now            func() time.Time
}

func (o *Options) setDefaults() {
	if o.Notifier == nil {
		o.Notifier = NopNotifier{}
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Reconciler applies payment events to orders.
type Reconciler struct {
	gateway  checkout.Gateway
	sessions checkout.SessionStore
	orders   order.Repository
	carts    CartClearer
	events   EventLog
	notifier Notifier
	now      func() time.Time

	tracer     trace.Tracer
	handled    metric.Int64Counter
	cartClears metric.Int64Counter
}

// NewReconciler creates a Reconciler.
func NewReconciler(
	gateway checkout.Gateway,
	sessions checkout.SessionStore,
	orders order.Repository,
	carts CartClearer,
	events EventLog,
	opts Options,
) (*Reconciler, error) {
	opts.setDefaults()

	meter := opts.MeterProvider.Meter(instrumentationName)
	handled, err := meter.Int64Counter("payment.events.handled",
		metric.WithDescription("Payment webhook events by kind and outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create handled counter")
	}
	cartClears, err := meter.Int64Counter("payment.cart.clears",
		metric.WithDescription("Carts cleared after a successful payment"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cart clears counter")
	}

	return &Reconciler{
		gateway:    gateway,
		sessions:   sessions,
		orders:     orders,
		carts:      carts,
		events:     events,
		notifier:   opts.Notifier,
		now:        opts.Now,
		tracer:     opts.TracerProvider.Tracer(instrumentationName),
		handled:    handled,
		cartClears: cartClears,
	}, nil
}

// Handle applies ev unless its id was already processed. A nil error means
// the event may be acknowledged; an error means infrastructure failed and
// the event was left unrecorded.
func (r *Reconciler) Handle(ctx context.Context, ev *checkout.Event) (Outcome, error) {
	if ev.ID != "" {
		seen, err := r.events.Seen(ctx, ev.ID)
		if err != nil {
			r.count(ctx, ev, OutcomeError)
			return OutcomeError, errors.Wrap(err, "check processed events")
		}
		if seen {
			zctx.From(ctx).Debug("Duplicate payment event",
				zap.String("event_id", ev.ID),
				zap.String("event_type", ev.Type),
			)
			r.count(ctx, ev, OutcomeDuplicate)
			return OutcomeDuplicate, nil
		}
	}
	return r.Apply(ctx, ev)
}

// Apply handles ev without consulting the processed event log first. It is
// safe for events that were already applied; callers that know an id is
// new use it to skip the lookup.
func (r *Reconciler) Apply(ctx context.Context, ev *checkout.Event) (Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "payment.Apply", trace.WithAttributes(
		attribute.String("payment.event_id", ev.ID),
		attribute.String("payment.event_type", ev.Type),
		attribute.String("payment.event_kind", ev.Kind.String()),
	))
	defer span.End()

	lg := zctx.From(ctx).With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)

	var (
		outcome Outcome
		err     error
	)
	switch ev.Kind {
	case checkout.KindPaymentSucceeded:
		outcome, err = r.settle(ctx, lg, ev, order.StatusPaid)
	case checkout.KindPaymentFailed:
		outcome, err = r.settle(ctx, lg, ev, order.StatusFailed)
	default:
		lg.Debug("Ignoring payment event")
		outcome = OutcomeIgnored
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply event")
		r.count(ctx, ev, OutcomeError)
		return OutcomeError, err
	}

	if ev.ID != "" {
		if err := r.events.Record(ctx, ev.ID, ev.Type); err != nil {
			span.RecordError(err)
			r.count(ctx, ev, OutcomeError)
			return OutcomeError, errors.Wrap(err, "record event")
		}
	}
	span.SetAttributes(attribute.String("payment.outcome", outcome.String()))
	r.count(ctx, ev, outcome)
	return outcome, nil
}

func (r *Reconciler) settle(ctx context.Context, lg *zap.Logger, ev *checkout.Event, to order.Status) (Outcome, error) {
	sess, err := r.gateway.LookupSession(ctx, ev.Ref)
	if errors.Is(err, checkout.ErrSessionNotFound) {
		lg.Warn("Payment event references unknown session",
			zap.String("session_id", ev.Ref.SessionID),
			zap.String("payment_intent_id", ev.Ref.PaymentIntentID),
		)
		return OutcomeSessionNotFound, nil
	}
	if err != nil {
		return OutcomeError, errors.Wrap(err, "lookup session")
	}

	rec, err := r.sessions.Get(ctx, sess.ID)
	if errors.Is(err, checkout.ErrSessionNotFound) {
		lg.Warn("Session has no local record", zap.String("session_id", sess.ID))
		return OutcomeSessionNotFound, nil
	}
	if err != nil {
		return OutcomeError, errors.Wrap(err, "get session record")
	}
	if !rec.Matches(sess.Metadata) {
		lg.Warn("Session metadata does not match local record",
			zap.String("session_id", sess.ID),
			zap.String("order_id", sess.Metadata.OrderID),
		)
		return OutcomeSessionNotFound, nil
	}

	meta := sess.Metadata
	lg = lg.With(zap.String("order_id", meta.OrderID), zap.String("session_id", sess.ID))

	applied, err := r.orders.Transition(ctx, meta.OrderID, meta.UserID, order.StatusPending, to)
	if errors.Is(err, order.ErrNotFound) {
		lg.Warn("Payment event for unknown order")
		return OutcomeOrderNotFound, nil
	}
	if err != nil {
		return OutcomeError, errors.Wrap(err, "transition order")
	}

	if _, err := r.sessions.Consume(ctx, sess.ID); err != nil {
		return OutcomeError, errors.Wrap(err, "consume session")
	}

	if !applied {
		lg.Info("Order already settled", zap.String("target_status", string(to)))
		return OutcomeAlreadySettled, nil
	}
	lg.Info("Order settled", zap.String("status", string(to)))

	if to == order.StatusPaid {
		del := func(ctx context.Context) error { return r.carts.Clear(ctx, meta.UserID) }
		if err := r.clearCart(ctx, meta.OrderID, del); err != nil {
			return OutcomeError, err
		}
	}

	if err := r.notifier.OrderSettled(ctx, Settlement{
		OrderID: meta.OrderID,
		UserID:  meta.UserID,
		Status:  to,
		EventID: ev.ID,
		At:      r.now().UTC(),
	}); err != nil {
		lg.Warn("Publish settlement failed", zap.Error(err))
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) clearCart(ctx context.Context, orderID string, del func(context.Context) error) error {
	if err := del(ctx); err != nil {
		return errors.Wrapf(err, "clear cart of order %s", orderID)
	}
	if err := r.orders.MarkCartCleared(ctx, orderID); err != nil {
		return errors.Wrapf(err, "mark cart cleared for order %s", orderID)
	}
	r.cartClears.Add(ctx, 1)
	return nil
}

// RetryCartClears clears the carts of paid orders whose post-payment clear
// never completed, in batches of batchSize. It returns how many carts were
// cleared.
//
// Only items written at or before the order settled are removed, so a cart
// the user refilled after paying survives a retry.
func (r *Reconciler) RetryCartClears(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	lg := zctx.From(ctx)

	var cleared int
	for {
		pending, err := r.orders.ListPendingCartClears(ctx, batchSize)
		if err != nil {
			return cleared, errors.Wrap(err, "list pending cart clears")
		}
		for _, o := range pending {
			settledAt, userID := o.UpdatedAt, o.UserID
			del := func(ctx context.Context) error { return r.carts.ClearBefore(ctx, userID, settledAt) }
			if err := r.clearCart(ctx, o.ID, del); err != nil {
				return cleared, err
			}
			lg.Info("Recovered cart clear", zap.String("order_id", o.ID))
			cleared++
		}
		if len(pending) < batchSize {
			return cleared, nil
		}
	}
}

// RunCartClearRetry calls RetryCartClears immediately and then every
// interval until ctx is done.
func (r *Reconciler) RunCartClearRetry(ctx context.Context, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = time.Minute
	}
	lg := zctx.From(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if n, err := r.RetryCartClears(ctx, batchSize); err != nil {
			if ctx.Err() != nil {
				return
			}
			lg.Warn("Retry pending cart clears", zap.Error(err))
		} else if n > 0 {
			lg.Info("Cleared pending carts", zap.Int("count", n))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) count(ctx context.Context, ev *checkout.Event, outcome Outcome) {
	r.handled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", ev.Kind.String()),
		attribute.String("outcome", outcome.String()),
	))
}
