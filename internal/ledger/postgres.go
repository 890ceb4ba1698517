package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// Postgres is the durable Ledger. Every transition is a single conditional
// UPDATE so the status check and the write are one atomic statement; on a
// miss the booking is re-read to produce the typed rejection.
type Postgres struct {
	db  *sql.DB
	hub *watchHub
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db, hub: newWatchHub()}, nil
}

const bookingColumns = `id, passenger_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
	vehicle_class, fare_amount, fare_currency, requested_at, scheduled_at,
	driver_id, status, pickup_eta, cancel_reason, updated_at`

func (p *Postgres) Create(ctx context.Context, b *models.Booking) error {
	if b.RequestedAt.IsZero() {
		b.RequestedAt = time.Now()
	}
	if b.Status == "" {
		b.Status = models.BookingPending
	}
	b.UpdatedAt = time.Now()
	_, err := p.db.ExecContext(ctx, `INSERT INTO bookings(
		id, passenger_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
		vehicle_class, fare_amount, fare_currency, requested_at, scheduled_at, status, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		b.ID, b.PassengerID, b.Pickup.Lat, b.Pickup.Lon, b.Destination.Lat, b.Destination.Lon,
		string(b.VehicleClass), b.Fare.Amount, b.Fare.Currency, b.RequestedAt, b.ScheduledAt,
		string(b.Status), b.UpdatedAt)
	return err
}

func (p *Postgres) Get(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id)
	return scanBooking(row)
}

func (p *Postgres) TryAssign(ctx context.Context, bookingID, driverID string, pickupETA time.Time) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE bookings
		SET status=$2, driver_id=$3, pickup_eta=$4, updated_at=now()
		WHERE id=$1 AND status=$5 AND driver_id IS NULL
		RETURNING `+bookingColumns,
		bookingID, string(models.BookingAccepted), driverID, pickupETA,
		string(models.BookingPending))
	b, err := scanBooking(row)
	if err == nil {
		p.hub.publish(*b)
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// The guarded update hit nothing: diagnose why.
	cur, err := p.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch {
	case cur.Status == models.BookingCancelled:
		return nil, &RejectedError{Reason: ReasonAlreadyCancelled, Status: cur.Status}
	case cur.Status.Assigned():
		if cur.DriverID == driverID {
			return cur, nil
		}
		return nil, &RejectedError{Reason: ReasonAssignedElsewhere, Status: cur.Status}
	default:
		return nil, &RejectedError{Reason: ReasonTerminal, Status: cur.Status}
	}
}

func (p *Postgres) TryCancel(ctx context.Context, bookingID, reason string, initiator Party) (CancelOutcome, *models.Booking, error) {
	cancellable := []string{
		string(models.BookingPending), string(models.BookingAccepted),
		string(models.BookingArriving), string(models.BookingArrived),
	}
	if initiator != PartyPassenger {
		// Only the passenger may cancel once the driver is en route.
		cancellable = cancellable[:2]
	}
	row := p.db.QueryRowContext(ctx, `UPDATE bookings
		SET status=$2, cancel_reason=$3, updated_at=now()
		WHERE id=$1 AND status = ANY($4)
		RETURNING `+bookingColumns,
		bookingID, string(models.BookingCancelled), reason, pq.Array(cancellable))
	b, err := scanBooking(row)
	if err == nil {
		p.hub.publish(*b)
		return CancelCommitted, b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return 0, nil, err
	}

	cur, err := p.Get(ctx, bookingID)
	if err != nil {
		return 0, nil, err
	}
	switch {
	case cur.Status == models.BookingCancelled:
		return CancelAlreadyCancelled, cur, nil
	case cur.Status.EnRoute() && initiator != PartyPassenger:
		return 0, nil, &RejectedError{Reason: ReasonDriverRestricted, Status: cur.Status}
	default:
		return 0, nil, &RejectedError{Reason: ReasonNotCancellable, Status: cur.Status}
	}
}

func (p *Postgres) MarkExpired(ctx context.Context, bookingID string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `UPDATE bookings
		SET status=$2, updated_at=now()
		WHERE id=$1 AND status=$3
		RETURNING `+bookingColumns,
		bookingID, string(models.BookingExpired), string(models.BookingPending))
	b, err := scanBooking(row)
	if err == nil {
		p.hub.publish(*b)
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	cur, err := p.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.BookingExpired {
		return cur, nil
	}
	return nil, &RejectedError{Reason: ReasonTerminal, Status: cur.Status}
}

func (p *Postgres) Advance(ctx context.Context, bookingID string, to models.BookingStatus) (*models.Booking, error) {
	var fromStates []string
	for from, nexts := range map[models.BookingStatus][]models.BookingStatus{
		models.BookingAccepted:   {models.BookingArriving, models.BookingCancelled},
		models.BookingArriving:   {models.BookingArrived, models.BookingCancelled},
		models.BookingArrived:    {models.BookingInProgress, models.BookingCancelled},
		models.BookingInProgress: {models.BookingCompleted},
	} {
		for _, n := range nexts {
			if n == to {
				fromStates = append(fromStates, string(from))
			}
		}
	}
	if len(fromStates) == 0 {
		cur, err := p.Get(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		return nil, &RejectedError{Reason: ReasonTerminal, Status: cur.Status}
	}
	row := p.db.QueryRowContext(ctx, `UPDATE bookings
		SET status=$2, updated_at=now()
		WHERE id=$1 AND status = ANY($3)
		RETURNING `+bookingColumns,
		bookingID, string(to), pq.Array(fromStates))
	b, err := scanBooking(row)
	if err == nil {
		p.hub.publish(*b)
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	cur, err := p.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	return nil, &RejectedError{Reason: ReasonTerminal, Status: cur.Status}
}

func (p *Postgres) Watch(bookingID string) (<-chan models.Booking, func()) {
	return p.hub.subscribe(bookingID)
}

func (p *Postgres) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b            models.Booking
		class        string
		status       string
		driverID     sql.NullString
		scheduledAt  sql.NullTime
		pickupETA    sql.NullTime
		cancelReason sql.NullString
	)
	err := row.Scan(&b.ID, &b.PassengerID, &b.Pickup.Lat, &b.Pickup.Lon,
		&b.Destination.Lat, &b.Destination.Lon, &class, &b.Fare.Amount,
		&b.Fare.Currency, &b.RequestedAt, &scheduledAt, &driverID, &status,
		&pickupETA, &cancelReason, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan booking: %w", err)
	}
	b.VehicleClass = models.VehicleClass(class)
	b.Status = models.BookingStatus(status)
	if driverID.Valid {
		b.DriverID = driverID.String
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		b.ScheduledAt = &t
	}
	if pickupETA.Valid {
		t := pickupETA.Time
		b.PickupETA = &t
	}
	if cancelReason.Valid {
		b.CancelReason = cancelReason.String
	}
	return &b, nil
}
