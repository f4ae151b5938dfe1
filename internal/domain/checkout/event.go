package checkout

// EventKind is the closed set of webhook events the reconciler acts on.
type EventKind int

const (
	// KindUnknown covers every event type that carries no settlement.
	KindUnknown EventKind = iota
	// KindPaymentSucceeded reports a completed payment.
	KindPaymentSucceeded
	// KindPaymentFailed reports a definitively failed payment.
	KindPaymentFailed
)

func (k EventKind) String() string {
	switch k {
	case KindPaymentSucceeded:
		return "payment_succeeded"
	case KindPaymentFailed:
		return "payment_failed"
	default:
		return "unknown"
	}
}

// Event is a verified, decoded webhook event.
type Event struct {
	// ID is the processor-assigned event identifier used for deduplication.
	ID string
	// Type is the raw processor event type.
	Type string
	Kind EventKind
	Ref  SessionRef
}
