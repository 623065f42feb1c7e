package realtime

import (
	"testing"
	"time"

	"github.com/example/ridehail/internal/models"
)

func recv(t *testing.T, s *Subscription) models.Change {
	t.Helper()
	select {
	case c := <-s.C:
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	return models.Change{}
}

func TestHubFiltersByTableAndField(t *testing.T) {
	h := NewHub(4, nil)
	rideSub := h.Subscribe(Filter{Table: models.TableRides, Field: "id", Value: "r1"})
	offerSub := h.Subscribe(Filter{Table: models.TableOffers, Op: models.OpInsert, Field: "ride_id", Value: "r1"})
	defer rideSub.Close()
	defer offerSub.Close()

	h.Publish(models.Change{Table: models.TableRides, Op: models.OpUpdate, Ride: &models.Ride{ID: "r2"}})
	h.Publish(models.Change{Table: models.TableRides, Op: models.OpUpdate, Ride: &models.Ride{ID: "r1", Status: models.RideStatusAccepted}})
	h.Publish(models.Change{Table: models.TableOffers, Op: models.OpUpdate, Offer: &models.Offer{ID: "o0", RideID: "r1"}})
	h.Publish(models.Change{Table: models.TableOffers, Op: models.OpInsert, Offer: &models.Offer{ID: "o1", RideID: "r1"}})

	if c := recv(t, rideSub); c.Ride.ID != "r1" {
		t.Fatalf("unexpected ride change %+v", c.Ride)
	}
	if c := recv(t, offerSub); c.Offer.ID != "o1" {
		t.Fatalf("insert filter should skip updates, got %+v", c.Offer)
	}
	select {
	case c := <-rideSub.C:
		t.Fatalf("unexpected extra change %+v", c)
	default:
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	h := NewHub(1, nil)
	s := h.Subscribe(Filter{Table: models.TableUsers})
	s.Close()
	s.Close()
	if h.Len() != 0 {
		t.Fatalf("expected no subscribers, got %d", h.Len())
	}
	if _, ok := <-s.C; ok {
		t.Fatalf("channel should be closed")
	}
	// publishing after close must not panic
	h.Publish(models.Change{Table: models.TableUsers, User: &models.User{ID: "u"}})
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := NewHub(1, nil)
	s := h.Subscribe(Filter{Table: models.TableUsers})
	defer s.Close()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			h.Publish(models.Change{Table: models.TableUsers, User: &models.User{ID: "u"}})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
