package lifecycle

import (
	"context"
	"sync"

	"github.com/example/ridehail/internal/observability"
)

// Sessions hosts at most one passenger and one driver session per user. Closing a user's
// sessions is the equivalent of the app view going away.
type Sessions struct {
	deps Deps

	mu         sync.Mutex
	passengers map[string]*Passenger
	drivers    map[string]*Driver
	fixes      map[string]*FixFeed
}

func NewSessions(deps Deps) *Sessions {
	return &Sessions{
		deps:       deps.withDefaults(),
		passengers: make(map[string]*Passenger),
		drivers:    make(map[string]*Driver),
		fixes:      make(map[string]*FixFeed),
	}
}

// Passenger returns the customer's session, creating it on first use.
func (s *Sessions) Passenger(customerID string) *Passenger {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.passengers[customerID]; ok {
		return p
	}
	p := NewPassenger(s.deps, customerID)
	s.passengers[customerID] = p
	observability.ActiveSessions.WithLabelValues("passenger").Inc()
	return p
}

// Driver returns the driver's session and the fix feed its location watch reads from.
func (s *Sessions) Driver(driverID string) (*Driver, *FixFeed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drivers[driverID]; ok {
		return d, s.fixes[driverID]
	}
	d := NewDriver(s.deps, driverID)
	f := NewFixFeed(8)
	s.drivers[driverID] = d
	s.fixes[driverID] = f
	observability.ActiveSessions.WithLabelValues("driver").Inc()
	return d, f
}

// Close tears down every session of userID.
func (s *Sessions) Close(ctx context.Context, userID string) {
	s.mu.Lock()
	p := s.passengers[userID]
	d := s.drivers[userID]
	delete(s.passengers, userID)
	delete(s.drivers, userID)
	delete(s.fixes, userID)
	s.mu.Unlock()
	if p != nil {
		p.Close(ctx)
		observability.ActiveSessions.WithLabelValues("passenger").Dec()
	}
	if d != nil {
		d.Close(ctx)
		observability.ActiveSessions.WithLabelValues("driver").Dec()
	}
}

func (s *Sessions) CloseAll(ctx context.Context) {
	s.mu.Lock()
	ids := make(map[string]struct{}, len(s.passengers)+len(s.drivers))
	for id := range s.passengers {
		ids[id] = struct{}{}
	}
	for id := range s.drivers {
		ids[id] = struct{}{}
	}
	s.mu.Unlock()
	for id := range ids {
		s.Close(ctx, id)
	}
}
