package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/example/freight-matching/internal/models"
)

// NotifyChannel is the LISTEN/NOTIFY channel the migration's triggers publish on.
const NotifyChannel = "freight_changes"

//go:embed migrations/*.sql
var migrations embed.FS

const tripColumns = `id, customer_id, driver_id, status, origin_address, destination_address, cargo_description,
	final_price, driver_arrival_time_min, start_time, final_duration_min, created_at, updated_at, version`

const offerColumns = `id, trip_id, driver_id, price, notes, driver_location, status, created_at, updated_at, version`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations in file-name order. Every statement
// is idempotent so it is safe to run on each start.
func Migrate(ctx context.Context, db *sql.DB) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("storage: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		b, err := migrations.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("storage: read %s: %w", e.Name(), err)
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("storage: apply %s: %w", e.Name(), err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrip(s scanner) (models.Trip, error) {
	var t models.Trip
	err := s.Scan(&t.ID, &t.CustomerID, &t.DriverID, &t.Status, &t.OriginAddress, &t.DestinationAddress, &t.CargoDescription,
		&t.FinalPrice, &t.DriverArrivalTimeMin, &t.StartTime, &t.FinalDurationMin, &t.CreatedAt, &t.UpdatedAt, &t.Version)
	return t, err
}

func scanOffer(s scanner) (models.Offer, error) {
	var o models.Offer
	err := s.Scan(&o.ID, &o.TripID, &o.DriverID, &o.Price, &o.Notes, &o.DriverLocation, &o.Status, &o.CreatedAt, &o.UpdatedAt, &o.Version)
	return o, err
}

// classify maps driver errors onto the domain taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("storage: %s: %w", op, models.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return fmt.Errorf("storage: %s: %w: %w", op, models.ErrTransientStore, err)
		case "23":
			if pqErr.Code == "23505" {
				return fmt.Errorf("storage: %s: %w: %w", op, models.ErrConflict, err)
			}
			if pqErr.Code == "23503" {
				return fmt.Errorf("storage: %s: %w: %w", op, models.ErrNotFound, err)
			}
		}
		return fmt.Errorf("storage: %s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("storage: %s: %w: %w", op, models.ErrTransientStore, err)
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}

func (p *PostgresStore) CreateTrip(ctx context.Context, in models.NewTrip) (models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO trips (customer_id, origin_address, destination_address, cargo_description)
		VALUES ($1, $2, $3, $4)
		RETURNING `+tripColumns,
		in.CustomerID, in.OriginAddress, in.DestinationAddress, in.CargoDescription)
	t, err := scanTrip(row)
	return t, classify("create trip", err)
}

func (p *PostgresStore) GetTrip(ctx context.Context, id int64) (models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	return t, classify(fmt.Sprintf("get trip %d", id), err)
}

func (p *PostgresStore) ListTrips(ctx context.Context, f models.TripFilter) ([]models.Trip, error) {
	var (
		where []string
		args  []any
	)
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + tripColumns + ` FROM trips`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list trips", err)
	}
	defer rows.Close()
	out := make([]models.Trip, 0, 16)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, classify("scan trip", err)
		}
		out = append(out, t)
	}
	return out, classify("iterate trips", rows.Err())
}

func (p *PostgresStore) TransitionTrip(ctx context.Context, id int64, expected models.TripStatus, upd models.TripUpdate) (models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE trips
		SET status = $3,
		    start_time = COALESCE($4, start_time),
		    final_duration_min = COALESCE($5, final_duration_min),
		    updated_at = clock_timestamp(),
		    version = version + 1
		WHERE id = $1 AND status = $2
		RETURNING `+tripColumns,
		id, string(expected), string(upd.Status), upd.StartTime, upd.FinalDurationMin)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, p.tripMiss(ctx, id, expected)
	}
	return t, classify(fmt.Sprintf("transition trip %d", id), err)
}

// tripMiss tells a missing trip apart from one whose status moved on.
func (p *PostgresStore) tripMiss(ctx context.Context, id int64, expected models.TripStatus) error {
	var status string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM trips WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return classify(fmt.Sprintf("trip %d", id), err)
	}
	return fmt.Errorf("storage: trip %d is %s, expected %s: %w", id, status, expected, models.ErrConflict)
}

func (p *PostgresStore) DeleteTrip(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM trips WHERE id = $1 AND status = 'requested'`, id)
	if err != nil {
		return classify(fmt.Sprintf("delete trip %d", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.tripMiss(ctx, id, models.TripRequested)
	}
	return nil
}

func (p *PostgresStore) CreateOffer(ctx context.Context, in models.NewOffer) (models.Offer, error) {
	// Inserting through a SELECT on the trip makes "trip still requested" part
	// of the same statement.
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO offers (trip_id, driver_id, price, notes, driver_location)
		SELECT t.id, $2, $3, $4, $5
		FROM trips t
		WHERE t.id = $1 AND t.status = 'requested'
		RETURNING `+offerColumns,
		in.TripID, in.DriverID, in.Price, in.Notes, in.DriverLocation)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Offer{}, p.tripMiss(ctx, in.TripID, models.TripRequested)
	}
	return o, classify("create offer", err)
}

func (p *PostgresStore) GetOffer(ctx context.Context, id int64) (models.Offer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	return o, classify(fmt.Sprintf("get offer %d", id), err)
}

func (p *PostgresStore) ListOffers(ctx context.Context, f models.OfferFilter) ([]models.Offer, error) {
	var (
		where []string
		args  []any
	)
	if f.TripID != 0 {
		args = append(args, f.TripID)
		where = append(where, fmt.Sprintf("trip_id = $%d", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		where = append(where, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	q := `SELECT ` + offerColumns + ` FROM offers`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, id DESC`

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list offers", err)
	}
	defer rows.Close()
	out := make([]models.Offer, 0, 16)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, classify("scan offer", err)
		}
		out = append(out, o)
	}
	return out, classify("iterate offers", rows.Err())
}

func (p *PostgresStore) TransitionOffer(ctx context.Context, id int64, expected, next models.OfferStatus) (models.Offer, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE offers
		SET status = $3, updated_at = clock_timestamp(), version = version + 1
		WHERE id = $1 AND status = $2
		RETURNING `+offerColumns,
		id, string(expected), string(next))
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		var status string
		if err := p.db.QueryRowContext(ctx, `SELECT status FROM offers WHERE id = $1`, id).Scan(&status); err != nil {
			return models.Offer{}, classify(fmt.Sprintf("offer %d", id), err)
		}
		return models.Offer{}, fmt.Errorf("storage: offer %d is %s, expected %s: %w", id, status, expected, models.ErrConflict)
	}
	return o, classify(fmt.Sprintf("transition offer %d", id), err)
}

// AcceptOffer runs the matching transaction in one database transaction.
// Each step is a conditional UPDATE; any step matching zero rows rolls the
// whole transaction back. Concurrent accepts on the same trip serialise on
// the trip row lock and the loser re-evaluates "status = 'requested'" to false.
func (p *PostgresStore) AcceptOffer(ctx context.Context, a models.Acceptance) (models.AcceptResult, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return models.AcceptResult{}, classify("accept: begin tx", err)
	}
	defer tx.Rollback()

	var res models.AcceptResult
	res.Trip, err = scanTrip(tx.QueryRowContext(ctx, `
		UPDATE trips t
		SET driver_id = o.driver_id,
		    final_price = o.price,
		    driver_arrival_time_min = $4,
		    status = 'accepted',
		    updated_at = clock_timestamp(),
		    version = t.version + 1
		FROM offers o
		WHERE t.id = $1
		  AND t.customer_id = $3
		  AND t.status = 'requested'
		  AND o.id = $2
		  AND o.trip_id = t.id
		  AND o.status = 'pending'
		RETURNING `+prefixColumns("t", tripColumns),
		a.TripID, a.OfferID, a.CustomerID, a.DriverArrivalTimeMin))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AcceptResult{}, p.acceptMiss(ctx, tx, a)
	}
	if err != nil {
		return models.AcceptResult{}, classify("accept: update trip", err)
	}

	res.Offer, err = scanOffer(tx.QueryRowContext(ctx, `
		UPDATE offers
		SET status = 'accepted', updated_at = clock_timestamp(), version = version + 1
		WHERE id = $1 AND trip_id = $2 AND status = 'pending'
		RETURNING `+offerColumns,
		a.OfferID, a.TripID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.AcceptResult{}, fmt.Errorf("storage: accept: offer %d no longer pending: %w", a.OfferID, models.ErrConflict)
	}
	if err != nil {
		return models.AcceptResult{}, classify("accept: update offer", err)
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE offers
		SET status = 'rejected', updated_at = clock_timestamp(), version = version + 1
		WHERE trip_id = $1 AND id <> $2 AND status = 'pending'
		RETURNING `+offerColumns,
		a.TripID, a.OfferID)
	if err != nil {
		return models.AcceptResult{}, classify("accept: reject siblings", err)
	}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			rows.Close()
			return models.AcceptResult{}, classify("accept: scan rejected", err)
		}
		res.Rejected = append(res.Rejected, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return models.AcceptResult{}, classify("accept: iterate rejected", err)
	}

	if err := tx.Commit(); err != nil {
		return models.AcceptResult{}, classify("accept: commit", err)
	}
	sort.Slice(res.Rejected, func(i, j int) bool { return res.Rejected[i].ID < res.Rejected[j].ID })
	return res, nil
}

// acceptMiss explains why the trip update matched nothing.
func (p *PostgresStore) acceptMiss(ctx context.Context, tx *sql.Tx, a models.Acceptance) error {
	var (
		customerID  string
		tripStatus  string
		offerTrip   sql.NullInt64
		offerStatus sql.NullString
	)
	err := tx.QueryRowContext(ctx, `
		SELECT t.customer_id, t.status, o.trip_id, o.status
		FROM trips t
		LEFT JOIN offers o ON o.id = $2
		WHERE t.id = $1`, a.TripID, a.OfferID).Scan(&customerID, &tripStatus, &offerTrip, &offerStatus)
	if err != nil {
		return classify(fmt.Sprintf("accept: trip %d", a.TripID), err)
	}
	switch {
	case !offerTrip.Valid || offerTrip.Int64 != a.TripID:
		return fmt.Errorf("storage: accept: offer %d on trip %d: %w", a.OfferID, a.TripID, models.ErrNotFound)
	case customerID != a.CustomerID:
		return fmt.Errorf("storage: accept: trip %d not owned by %s: %w", a.TripID, a.CustomerID, models.ErrUnauthorized)
	case tripStatus != string(models.TripRequested):
		return fmt.Errorf("storage: accept: trip %d is %s: %w", a.TripID, tripStatus, models.ErrConflict)
	default:
		return fmt.Errorf("storage: accept: offer %d is %s: %w", a.OfferID, offerStatus.String, models.ErrConflict)
	}
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
