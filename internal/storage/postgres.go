package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ridehail/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes a schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

const rideColumns = `id, customer_id, driver_id, requested_driver_id, pickup_lat, pickup_lng, pickup_address,
	dest_lat, dest_lng, dest_address, distance, duration, price, offered_price, bidding, auto_accept_price,
	status, rating, cancelled_by, created_at, updated_at, completed_at`

const userColumns = `id, auth_id, role, full_name, phone, password_hash, avatar_url, rating, total_rides,
	current_lat, current_lng, is_online, is_verified, documents_submitted, document_urls,
	subscription_end_date, accumulated_commission, is_suspended, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r                              models.Ride
		driverID, requested, cancelled sql.NullString
		offered, autoAccept            sql.NullFloat64
		rating                         sql.NullInt64
		completed                      sql.NullTime
		status                         string
	)
	err := row.Scan(&r.ID, &r.CustomerID, &driverID, &requested,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Pickup.Address,
		&r.Destination.Lat, &r.Destination.Lon, &r.Destination.Address,
		&r.DistanceKm, &r.DurationMin, &r.Price, &offered, &r.Bidding, &autoAccept,
		&status, &rating, &cancelled, &r.CreatedAt, &r.UpdatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.RequestedDriverID = requested.String
	r.CancelledBy = cancelled.String
	r.Status = models.RideStatus(status)
	if offered.Valid {
		r.OfferedPrice = &offered.Float64
	}
	if autoAccept.Valid {
		r.AutoAcceptPrice = &autoAccept.Float64
	}
	if rating.Valid {
		v := int(rating.Int64)
		r.Rating = &v
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return &r, nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u                  models.User
		authID, avatar     sql.NullString
		lat, lng           sql.NullFloat64
		subscriptionEnd    sql.NullTime
		role, passwordHash string
		docs               pq.StringArray
	)
	err := row.Scan(&u.ID, &authID, &role, &u.FullName, &u.Phone, &passwordHash, &avatar, &u.Rating, &u.TotalRides,
		&lat, &lng, &u.IsOnline, &u.IsVerified, &u.DocumentsSubmitted, &docs,
		&subscriptionEnd, &u.AccumulatedCommission, &u.IsSuspended, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.AuthID = authID.String
	u.AvatarURL = avatar.String
	u.Role = models.Role(role)
	u.PasswordHash = passwordHash
	u.DocumentURLs = []string(docs)
	if lat.Valid && lng.Valid {
		u.CurrentLat, u.CurrentLng = &lat.Float64, &lng.Float64
	}
	if subscriptionEnd.Valid {
		u.SubscriptionEndDate = &subscriptionEnd.Time
	}
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func statusArray(set []models.RideStatus) pq.StringArray {
	out := make(pq.StringArray, 0, len(set))
	for _, s := range set {
		out = append(out, string(s))
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.ID, r.CustomerID, nullString(r.DriverID), nullString(r.RequestedDriverID),
		r.Pickup.Lat, r.Pickup.Lon, r.Pickup.Address,
		r.Destination.Lat, r.Destination.Lon, r.Destination.Address,
		r.DistanceKm, r.DurationMin, r.Price, r.OfferedPrice, r.Bidding, r.AutoAcceptPrice,
		string(r.Status), r.Rating, nullString(r.CancelledBy), r.CreatedAt, r.UpdatedAt, r.CompletedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

func (p *PostgresStore) ListOpenRides(ctx context.Context) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE status = ANY($1) ORDER BY created_at`,
		statusArray(models.OpenStatuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveRide(ctx context.Context, userID string, role models.Role) (*models.Ride, error) {
	col := "customer_id"
	if role == models.RoleDriver {
		col = "driver_id"
	}
	q := fmt.Sprintf(`SELECT %s FROM rides WHERE %s=$1 AND status = ANY($2) ORDER BY created_at DESC LIMIT 1`, rideColumns, col)
	return scanRide(p.db.QueryRowContext(ctx, q, userID, statusArray(models.ActiveStatuses)))
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, patch models.RidePatch) (*models.Ride, error) {
	r, err := transitionRide(ctx, p.db, id, from, to, patch)
	if errors.Is(err, ErrNotFound) {
		// zero rows: distinguish a missing ride from a lost race
		if _, getErr := p.GetRide(ctx, id); getErr == nil {
			return nil, ErrAlreadyClaimed
		}
	}
	return r, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func transitionRide(ctx context.Context, q queryRower, id string, from []models.RideStatus, to models.RideStatus, patch models.RidePatch) (*models.Ride, error) {
	return scanRide(q.QueryRowContext(ctx, `UPDATE rides SET
			status=$2,
			updated_at=now(),
			driver_id=COALESCE($3, driver_id),
			offered_price=COALESCE($4, offered_price),
			completed_at=COALESCE($5, completed_at),
			cancelled_by=COALESCE($6, cancelled_by),
			rating=COALESCE($7, rating)
		WHERE id=$1 AND status = ANY($8)
		RETURNING `+rideColumns,
		id, string(to), patch.DriverID, patch.OfferedPrice, patch.CompletedAt, patch.CancelledBy, patch.Rating,
		statusArray(from)))
}

func (p *PostgresStore) SetAutoAcceptPrice(ctx context.Context, rideID string, price *float64) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx,
		`UPDATE rides SET auto_accept_price=$2, updated_at=now() WHERE id=$1 RETURNING `+rideColumns, rideID, price))
}

func (p *PostgresStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	res, err := p.db.ExecContext(ctx, `INSERT INTO ride_offers(id, ride_id, driver_id, amount, status, created_at)
		SELECT $1,$2,$3,$4,$5,$6 WHERE EXISTS (SELECT 1 FROM rides WHERE id=$2 AND status = ANY($7))`,
		o.ID, o.RideID, o.DriverID, o.Amount, string(o.Status), o.CreatedAt, statusArray(models.OpenStatuses))
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetRide(ctx, o.RideID); err != nil {
			return err
		}
		return ErrAlreadyClaimed
	}
	return nil
}

func (p *PostgresStore) ListOffers(ctx context.Context, rideID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, driver_id, amount, status, created_at
		FROM ride_offers WHERE ride_id=$1 ORDER BY amount ASC`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Offer, 0)
	for rows.Next() {
		var o models.Offer
		var status string
		if err := rows.Scan(&o.ID, &o.RideID, &o.DriverID, &o.Amount, &status, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.Status = models.OfferStatus(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, offerID string) (*models.Ride, *models.Offer, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var o models.Offer
	var status string
	err = tx.QueryRowContext(ctx, `UPDATE ride_offers SET status=$2 WHERE id=$1 AND status=$3
		RETURNING id, ride_id, driver_id, amount, status, created_at`,
		offerID, string(models.OfferStatusAccepted), string(models.OfferStatusPending)).
		Scan(&o.ID, &o.RideID, &o.DriverID, &o.Amount, &status, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ride_offers WHERE id=$1)`, offerID).Scan(&exists); err != nil {
			return nil, nil, err
		}
		if !exists {
			return nil, nil, ErrNotFound
		}
		return nil, nil, ErrAlreadyClaimed
	}
	if err != nil {
		return nil, nil, err
	}
	o.Status = models.OfferStatus(status)

	r, err := transitionRide(ctx, tx, o.RideID, models.OpenStatuses, models.RideStatusAccepted,
		models.RidePatch{DriverID: &o.DriverID, OfferedPrice: &o.Amount})
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrAlreadyClaimed
	}
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE ride_offers SET status=$3 WHERE ride_id=$1 AND id<>$2 AND status=$4`,
		o.RideID, o.ID, string(models.OfferStatusRejected), string(models.OfferStatusPending)); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return r, &o, nil
}

func (p *PostgresStore) CreateUser(ctx context.Context, u *models.User) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users(`+userColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		u.ID, nullString(u.AuthID), string(u.Role), u.FullName, u.Phone, u.PasswordHash, nullString(u.AvatarURL),
		u.Rating, u.TotalRides, u.CurrentLat, u.CurrentLng, u.IsOnline, u.IsVerified, u.DocumentsSubmitted,
		pq.StringArray(u.DocumentURLs), u.SubscriptionEndDate, u.AccumulatedCommission, u.IsSuspended, u.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (p *PostgresStore) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE phone=$1`, phone))
}

func (p *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// updateUser runs a single-row UPDATE; $1 in set is reserved for the id.
func (p *PostgresStore) updateUser(ctx context.Context, id, set string, args ...any) (*models.User, error) {
	q := `UPDATE users SET ` + set + ` WHERE id=$1 RETURNING ` + userColumns
	return scanUser(p.db.QueryRowContext(ctx, q, append([]any{id}, args...)...))
}

func (p *PostgresStore) UpdateProfile(ctx context.Context, id, fullName, phone, avatarURL string) (*models.User, error) {
	return p.updateUser(ctx, id, `full_name=COALESCE(NULLIF($2,''), full_name),
		phone=COALESCE(NULLIF($3,''), phone), avatar_url=COALESCE(NULLIF($4,''), avatar_url)`, fullName, phone, avatarURL)
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, c models.Coord) (*models.User, error) {
	return p.updateUser(ctx, id, `current_lat=$2, current_lng=$3`, c.Lat, c.Lon)
}

func (p *PostgresStore) SetDriverOnline(ctx context.Context, id string, online bool) (*models.User, error) {
	return p.updateUser(ctx, id, `is_online=$2`, online)
}

func (p *PostgresStore) SubmitDocuments(ctx context.Context, id string, urls []string) (*models.User, error) {
	return p.updateUser(ctx, id, `document_urls=$2, documents_submitted=true`, pq.StringArray(urls))
}

func (p *PostgresStore) SetVerified(ctx context.Context, id string, verified bool) (*models.User, error) {
	return p.updateUser(ctx, id, `is_verified=$2`, verified)
}

func (p *PostgresStore) SetSuspended(ctx context.Context, id string, suspended bool) (*models.User, error) {
	return p.updateUser(ctx, id, `is_suspended=$2`, suspended)
}

func (p *PostgresStore) AddCommission(ctx context.Context, id string, amount float64) (*models.User, error) {
	return p.updateUser(ctx, id, `accumulated_commission=accumulated_commission+$2`, amount)
}

func (p *PostgresStore) RenewSubscription(ctx context.Context, id string, until time.Time) (*models.User, error) {
	return p.updateUser(ctx, id, `subscription_end_date=$2, accumulated_commission=0`, until)
}

func (p *PostgresStore) AddReview(ctx context.Context, rv *models.Review) (*models.User, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE rides SET rating=$2, updated_at=now() WHERE id=$1 AND rating IS NULL`, rv.RideID, rv.Rating)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetRide(ctx, rv.RideID); err != nil {
			return nil, err
		}
		return nil, ErrDuplicate
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO reviews(id, ride_id, reviewer_id, driver_id, rating, comment, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`, rv.ID, rv.RideID, rv.ReviewerID, rv.DriverID, rv.Rating, rv.Comment, rv.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	u, err := scanUser(tx.QueryRowContext(ctx, `UPDATE users SET
			rating=(rating*total_rides + $2)/(total_rides+1),
			total_rides=total_rides+1
		WHERE id=$1 RETURNING `+userColumns, rv.DriverID, float64(rv.Rating)))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return u, nil
}
