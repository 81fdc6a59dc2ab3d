package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/chauffeur-settlement/internal/models"
)

// PostgresStore persists bookings and the transaction ledger. The
// ledger upsert relies on the unique index over
// (booking_number, type, processor_txn_id); see migrations/.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

const bookingCols = `number, trip_type, pickup_lat, pickup_lon, pickup_address,
	dropoff_lat, dropoff_lon, dropoff_address, pickup_time,
	distance_miles, duration_seconds, duration_hours, tariff_id,
	estimated_fare, extras_total, final_fare, gratuity_amount, total_refunded,
	status, payment_status, processor_intent_id, processor_payment_method_id,
	processor_customer_id, tip_token, gratuity_added_at, created_at, updated_at, deleted_at`

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	var dropLat, dropLon *float64
	if b.Dropoff != nil {
		dropLat, dropLon = &b.Dropoff.Lat, &b.Dropoff.Lon
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings(`+bookingCols+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,NULLIF($24,''),$25,$26,$27,$28)`,
		b.Number, b.TripType, b.Pickup.Lat, b.Pickup.Lon, b.PickupAddress,
		dropLat, dropLon, b.DropoffAddress, b.PickupTime,
		b.DistanceMiles, b.DurationSeconds, b.DurationHours, b.TariffID,
		b.EstimatedFare, b.ExtrasTotal, b.FinalFare, b.GratuityAmount, b.TotalRefunded,
		b.Status, b.PaymentStatus, b.ProcessorIntentID, b.ProcessorPaymentMethodID,
		b.ProcessorCustomerID, b.TipToken, b.GratuityAddedAt, b.CreatedAt, b.UpdatedAt, b.DeletedAt)
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, number string) (*models.Booking, error) {
	return p.scanBooking(p.db.QueryRowContext(ctx,
		`SELECT `+bookingCols+` FROM bookings WHERE number=$1 AND deleted_at IS NULL`, number))
}

func (p *PostgresStore) GetBookingByIntent(ctx context.Context, intentID string) (*models.Booking, error) {
	if intentID == "" {
		return nil, ErrNotFound
	}
	return p.scanBooking(p.db.QueryRowContext(ctx,
		`SELECT `+bookingCols+` FROM bookings WHERE processor_intent_id=$1 AND deleted_at IS NULL`, intentID))
}

func (p *PostgresStore) GetBookingByTipToken(ctx context.Context, token string) (*models.Booking, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return p.scanBooking(p.db.QueryRowContext(ctx,
		`SELECT `+bookingCols+` FROM bookings WHERE tip_token=$1 AND deleted_at IS NULL`, token))
}

func (p *PostgresStore) scanBooking(row *sql.Row) (*models.Booking, error) {
	var b models.Booking
	var dropLat, dropLon *float64
	var tipToken sql.NullString
	err := row.Scan(&b.Number, &b.TripType, &b.Pickup.Lat, &b.Pickup.Lon, &b.PickupAddress,
		&dropLat, &dropLon, &b.DropoffAddress, &b.PickupTime,
		&b.DistanceMiles, &b.DurationSeconds, &b.DurationHours, &b.TariffID,
		&b.EstimatedFare, &b.ExtrasTotal, &b.FinalFare, &b.GratuityAmount, &b.TotalRefunded,
		&b.Status, &b.PaymentStatus, &b.ProcessorIntentID, &b.ProcessorPaymentMethodID,
		&b.ProcessorCustomerID, &tipToken, &b.GratuityAddedAt, &b.CreatedAt, &b.UpdatedAt, &b.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if dropLat != nil && dropLon != nil {
		b.Dropoff = &models.Coord{Lat: *dropLat, Lon: *dropLon}
	}
	b.TipToken = tipToken.String
	return &b, nil
}

func (p *PostgresStore) UpdateBooking(ctx context.Context, b *models.Booking) error {
	b.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET
		final_fare=$1, gratuity_amount=$2, total_refunded=$3,
		status=$4, payment_status=$5, processor_intent_id=$6,
		processor_payment_method_id=$7, processor_customer_id=$8,
		tip_token=NULLIF($9,''), gratuity_added_at=$10, updated_at=$11, deleted_at=$12
		WHERE number=$13`,
		b.FinalFare, b.GratuityAmount, b.TotalRefunded,
		b.Status, b.PaymentStatus, b.ProcessorIntentID,
		b.ProcessorPaymentMethodID, b.ProcessorCustomerID,
		b.TipToken, b.GratuityAddedAt, b.UpdatedAt, b.DeletedAt, b.Number)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) NumberExists(ctx context.Context, number string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM bookings WHERE number=$1`, number).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) UpsertEntry(ctx context.Context, t *models.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	// Terminal rows keep their status/amount; only the raw payload may
	// be attached after the fact.
	return p.db.QueryRowContext(ctx, `INSERT INTO transactions
		(booking_number, type, amount, status, processor_txn_id, processor_payload, notes, actor, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (booking_number, type, processor_txn_id) DO UPDATE SET
			amount = CASE WHEN transactions.status = 'pending' THEN EXCLUDED.amount ELSE transactions.amount END,
			status = CASE WHEN transactions.status = 'pending' THEN EXCLUDED.status ELSE transactions.status END,
			notes  = CASE WHEN transactions.status = 'pending' THEN EXCLUDED.notes  ELSE transactions.notes END,
			processor_payload = COALESCE(NULLIF(EXCLUDED.processor_payload, ''::bytea), transactions.processor_payload)
		RETURNING id`,
		t.BookingNumber, t.Type, t.Amount, t.Status, t.ProcessorTxnID,
		t.ProcessorPayload, t.Notes, t.Actor, t.CreatedAt).Scan(&t.ID)
}

func (p *PostgresStore) EntriesFor(ctx context.Context, bookingNumber string) ([]models.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, booking_number, type, amount, status,
		processor_txn_id, processor_payload, notes, actor, created_at
		FROM transactions WHERE booking_number=$1 ORDER BY id`, bookingNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.BookingNumber, &t.Type, &t.Amount, &t.Status,
			&t.ProcessorTxnID, &t.ProcessorPayload, &t.Notes, &t.Actor, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindByProcessorTxn(ctx context.Context, txnID string) (*models.Transaction, error) {
	if txnID == "" {
		return nil, ErrNotFound
	}
	var t models.Transaction
	err := p.db.QueryRowContext(ctx, `SELECT id, booking_number, type, amount, status,
		processor_txn_id, processor_payload, notes, actor, created_at
		FROM transactions WHERE processor_txn_id=$1 ORDER BY id LIMIT 1`, txnID).
		Scan(&t.ID, &t.BookingNumber, &t.Type, &t.Amount, &t.Status,
			&t.ProcessorTxnID, &t.ProcessorPayload, &t.Notes, &t.Actor, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
