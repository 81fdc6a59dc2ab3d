package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TripType distinguishes point-to-point trips from hourly charters.
type TripType string

const (
	TripOneWay TripType = "one_way"
	TripHourly TripType = "hourly"
)

// BookingStatus is the trip-level lifecycle of a booking.
type BookingStatus string

const (
	BookingPending    BookingStatus = "pending"
	BookingConfirmed  BookingStatus = "confirmed"
	BookingInProgress BookingStatus = "in_progress"
	BookingCompleted  BookingStatus = "completed"
	BookingCancelled  BookingStatus = "cancelled"
	BookingFailed     BookingStatus = "failed"
)

// PaymentStatus is the money-side lifecycle, owned by the settlement engine.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
)

type Booking struct {
	Number string `json:"number"` // 6-char human-readable id

	TripType        TripType  `json:"trip_type"`
	Pickup          Coord     `json:"pickup"`
	PickupAddress   string    `json:"pickup_address"`
	Dropoff         *Coord    `json:"dropoff,omitempty"` // nil for hourly
	DropoffAddress  string    `json:"dropoff_address,omitempty"`
	PickupTime      time.Time `json:"pickup_time"`
	DistanceMiles   *float64  `json:"distance_miles,omitempty"`   // nil for hourly
	DurationSeconds *float64  `json:"duration_seconds,omitempty"` // nil for hourly
	DurationHours   *float64  `json:"duration_hours,omitempty"`   // nil for one_way
	TariffID        string    `json:"tariff_id"`

	EstimatedFare  float64  `json:"estimated_fare"`
	ExtrasTotal    float64  `json:"extras_total"`
	FinalFare      *float64 `json:"final_fare,omitempty"` // nil until settled
	GratuityAmount float64  `json:"gratuity_amount"`
	TotalRefunded  float64  `json:"total_refunded"` // monotonically non-decreasing

	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`

	ProcessorIntentID        string `json:"processor_intent_id,omitempty"`
	ProcessorPaymentMethodID string `json:"processor_payment_method_id,omitempty"`
	ProcessorCustomerID      string `json:"processor_customer_id,omitempty"` // saved card for future charges
	TipToken                 string `json:"-"`

	GratuityAddedAt *time.Time `json:"gratuity_added_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	DeletedAt       *time.Time `json:"-"` // soft delete, admin only
}

// ChargedAmount is the amount actually held or captured for the trip:
// the final fare once settled, the estimate before that, plus extras.
func (b *Booking) ChargedAmount() float64 {
	fare := b.EstimatedFare
	if b.FinalFare != nil && *b.FinalFare > fare {
		fare = *b.FinalFare
	}
	return fare + b.ExtrasTotal
}

// HasTipped is the sole double-tip guard.
func (b *Booking) HasTipped() bool { return b.GratuityAmount > 0 }

// PartiallyRefunded is derived at read time; payment_status stays
// captured while total_refunded is below the charged amount.
func (b *Booking) PartiallyRefunded() bool {
	return b.TotalRefunded > 0 && b.TotalRefunded < b.ChargedAmount()
}

// TransactionType identifies the kind of monetary event a ledger row records.
type TransactionType string

const (
	TxnAuthorization TransactionType = "authorization"
	TxnCapture       TransactionType = "capture"
	TxnRefund        TransactionType = "refund"
	TxnPartialRefund TransactionType = "partial_refund"
	TxnVoid          TransactionType = "void"
	TxnPayment       TransactionType = "payment"
	TxnTip           TransactionType = "tip"
)

type TransactionStatus string

const (
	TxnPending   TransactionStatus = "pending"
	TxnSucceeded TransactionStatus = "succeeded"
	TxnFailed    TransactionStatus = "failed"
)

// Transaction is one immutable ledger row. Amounts are always positive;
// the sign is implied by the type. Rows are upserted on the
// (booking, type, processor txn id) key so webhook replays collapse.
type Transaction struct {
	ID               int64             `json:"id"`
	BookingNumber    string            `json:"booking_number"`
	Type             TransactionType   `json:"type"`
	Amount           float64           `json:"amount"`
	Status           TransactionStatus `json:"status"`
	ProcessorTxnID   string            `json:"processor_txn_id"`
	ProcessorPayload []byte            `json:"-"` // raw processor body, for admin diagnosis
	Notes            string            `json:"notes,omitempty"`
	Actor            string            `json:"actor"` // "Stripe Webhook", admin id, or "system"
	CreatedAt        time.Time         `json:"created_at"`
}

// PricingTier is one band of per-mile pricing. A nil ToMile means the
// tier is open-ended and absorbs all remaining distance.
type PricingTier struct {
	FromMile    float64  `json:"from_mile"`
	ToMile      *float64 `json:"to_mile,omitempty"`
	PerMileRate float64  `json:"per_mile_rate"`
}

// VehicleTariff is read-only pricing configuration for one vehicle class.
type VehicleTariff struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	BaseFare          float64       `json:"base_fare"`
	BaseMilesIncluded float64       `json:"base_miles_included"`
	Tiers             []PricingTier `json:"tiers"` // ordered by FromMile
	PerMinuteRate     float64       `json:"per_minute_rate"`
	MinimumFare       float64       `json:"minimum_fare"`
	ServiceFeeMult    float64       `json:"service_fee_multiplier"`
	TaxEnabled        bool          `json:"tax_enabled"`
	TaxRate           float64       `json:"tax_rate"` // percent

	HourlyEnabled        bool    `json:"hourly_enabled"`
	HourlyRate           float64 `json:"hourly_rate"`
	MinimumHours         float64 `json:"minimum_hours"`
	MaximumHours         float64 `json:"maximum_hours"`
	MilesIncludedPerHour float64 `json:"miles_included_per_hour"`
	ExcessMileRate       float64 `json:"excess_mile_rate"`
}

// BookingExtra is an optional add-on (child seat, meet & greet, ...).
type BookingExtra struct {
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Quantity int     `json:"quantity"`
}

// SettlementEvent is the domain event emitted after a committed
// state-machine transition. Published to Kafka and the admin feed.
type SettlementEvent struct {
	Kind          string    `json:"kind"`
	BookingNumber string    `json:"booking_number"`
	Amount        float64   `json:"amount,omitempty"`
	TxnID         string    `json:"txn_id,omitempty"`
	PaymentStatus string    `json:"payment_status"`
	At            time.Time `json:"at"`
}

const (
	EventBookingCreated  = "booking_created"
	EventHoldPlaced      = "hold_placed"
	EventHoldConfirmed   = "hold_confirmed"
	EventHoldFailed      = "hold_failed"
	EventPaymentCaptured = "payment_captured"
	EventRefundRecorded  = "refund_recorded"
	EventBookingCancel   = "booking_cancelled"
	EventTipRecorded     = "tip_recorded"
)
