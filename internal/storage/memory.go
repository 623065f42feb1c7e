package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ridehail/internal/models"
)

type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	offers  map[string]*models.Offer
	users   map[string]*models.User
	reviews map[string]*models.Review
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		offers:  make(map[string]*models.Offer),
		users:   make(map[string]*models.User),
		reviews: make(map[string]*models.Review),
		now:     time.Now,
	}
}

func (m *MemoryStore) Close() error { return nil }

func cloneRide(r *models.Ride) *models.Ride {
	c := *r
	if r.OfferedPrice != nil {
		v := *r.OfferedPrice
		c.OfferedPrice = &v
	}
	if r.AutoAcceptPrice != nil {
		v := *r.AutoAcceptPrice
		c.AutoAcceptPrice = &v
	}
	if r.Rating != nil {
		v := *r.Rating
		c.Rating = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func cloneUser(u *models.User) *models.User {
	c := *u
	if u.CurrentLat != nil {
		v := *u.CurrentLat
		c.CurrentLat = &v
	}
	if u.CurrentLng != nil {
		v := *u.CurrentLng
		c.CurrentLng = &v
	}
	if u.SubscriptionEndDate != nil {
		v := *u.SubscriptionEndDate
		c.SubscriptionEndDate = &v
	}
	c.DocumentURLs = append([]string(nil), u.DocumentURLs...)
	return &c
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	m.rides[r.ID] = cloneRide(r)
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRide(r), nil
}

func (m *MemoryStore) ListOpenRides(ctx context.Context) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if r.Status.Open() {
			out = append(out, *cloneRide(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ActiveRide(ctx context.Context, userID string, role models.Role) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Ride
	for _, r := range m.rides {
		if !r.Status.In(models.ActiveStatuses...) {
			continue
		}
		owner := r.CustomerID
		if role == models.RoleDriver {
			owner = r.DriverID
		}
		if owner != userID {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return cloneRide(best), nil
}

func (m *MemoryStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, patch models.RidePatch) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.Status.In(from...) {
		return nil, ErrAlreadyClaimed
	}
	applyPatch(r, to, patch, m.now())
	return cloneRide(r), nil
}

func (m *MemoryStore) SetAutoAcceptPrice(ctx context.Context, rideID string, price *float64) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if price == nil {
		r.AutoAcceptPrice = nil
	} else {
		v := *price
		r.AutoAcceptPrice = &v
	}
	r.UpdatedAt = m.now()
	return cloneRide(r), nil
}

func (m *MemoryStore) CreateOffer(ctx context.Context, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[o.RideID]
	if !ok {
		return ErrNotFound
	}
	if !r.Status.Open() {
		return ErrAlreadyClaimed
	}
	if _, ok := m.offers[o.ID]; ok {
		return ErrDuplicate
	}
	c := *o
	m.offers[o.ID] = &c
	return nil
}

func (m *MemoryStore) ListOffers(ctx context.Context, rideID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Offer, 0)
	for _, o := range m.offers {
		if o.RideID == rideID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount < out[j].Amount })
	return out, nil
}

func (m *MemoryStore) AcceptOffer(ctx context.Context, offerID string) (*models.Ride, *models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	r, ok := m.rides[o.RideID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if o.Status != models.OfferStatusPending || !r.Status.Open() {
		return nil, nil, ErrAlreadyClaimed
	}
	o.Status = models.OfferStatusAccepted
	driverID, amount := o.DriverID, o.Amount
	applyPatch(r, models.RideStatusAccepted, models.RidePatch{DriverID: &driverID, OfferedPrice: &amount}, m.now())
	for _, other := range m.offers {
		if other.RideID == r.ID && other.ID != o.ID && other.Status == models.OfferStatusPending {
			other.Status = models.OfferStatusRejected
		}
	}
	oc := *o
	return cloneRide(r), &oc, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return ErrDuplicate
	}
	for _, other := range m.users {
		if u.Phone != "" && other.Phone == u.Phone {
			return ErrDuplicate
		}
	}
	m.users[u.ID] = cloneUser(u)
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *MemoryStore) GetUserByPhone(ctx context.Context, phone string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Phone == phone {
			return cloneUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	return nil
}

// mutateUser applies fn to the stored user under the write lock.
func (m *MemoryStore) mutateUser(id string, fn func(u *models.User)) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	fn(u)
	return cloneUser(u), nil
}

func (m *MemoryStore) UpdateProfile(ctx context.Context, id, fullName, phone, avatarURL string) (*models.User, error) {
	return m.mutateUser(id, func(u *models.User) {
		if fullName != "" {
			u.FullName = fullName
		}
		if phone != "" {
			u.Phone = phone
		}
		if avatarURL != "" {
			u.AvatarURL = avatarURL
		}
	})
}

func (m *MemoryStore) UpdateDriverLocation(ctx context.Context, id string, c models.Coord) (*models.User, error) {
	return m.mutateUser(id, func(u *models.User) {
		lat, lng := c.Lat, c.Lon
		u.CurrentLat, u.CurrentLng = &lat, &lng
	})
}

func (m *MemoryStore) SetDriverOnline(ctx context.Context, id string, online bool) (*models.User, error) {
	return m.mutateUser(id, func(u *models.User) { u.IsOnline = online })
}

func (m *MemoryStore) SubmitDocuments(ctx context.Context, id string, urls []string) (*models.User, error) {
	return m.mutateUser(id, func(u *models.User) {
		u.DocumentURLs = append([]string(nil), urls...)
		u.DocumentsSubmitted = true
	})
}

func (m *MemoryStore) SetVerified(ctx context.Context, id string, verified bool) (*models.User, error) {
	return m.mutateUser(id, func(u *models.User) { u.IsVerified = verified })
}

func (m *MemoryStore) SetSuspended(ctx context.Context, id string, suspended bool) (*models.User, error) {
	return m.mutateUser(id, func(u *models.User) { u.IsSuspended = suspended })
}

func (m *MemoryStore) AddCommission(ctx context.Context, id string, amount float64) (*models.User, error) {
	return m.mutateUser(id, func(u *models.User) { u.AccumulatedCommission += amount })
}

func (m *MemoryStore) RenewSubscription(ctx context.Context, id string, until time.Time) (*models.User, error) {
	return m.mutateUser(id, func(u *models.User) {
		u.SubscriptionEndDate = &until
		u.AccumulatedCommission = 0
	})
}

func (m *MemoryStore) AddReview(ctx context.Context, rv *models.Review) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rv.RideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Rating != nil {
		return nil, ErrDuplicate
	}
	d, ok := m.users[rv.DriverID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *rv
	m.reviews[rv.ID] = &c
	rating := rv.Rating
	r.Rating = &rating
	d.Rating = models.RunningAverage(d.Rating, d.TotalRides, rv.Rating)
	d.TotalRides++
	return cloneUser(d), nil
}
