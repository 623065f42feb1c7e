package ingest

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ridehail/internal/models"
)

type recordingPublisher struct {
	got []models.DriverLocation
	err error
}

func (r *recordingPublisher) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	r.got = append(r.got, loc)
	return r.err
}

func TestFanoutReachesEveryPublisher(t *testing.T) {
	boom := errors.New("broker down")
	a := &recordingPublisher{err: boom}
	b := &recordingPublisher{}
	err := Fanout{a, b}.PublishLocation(context.Background(), models.DriverLocation{DriverID: "d1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the first publisher's error, got %v", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("fix not delivered to both publishers: %d %d", len(a.got), len(b.got))
	}
	if err := (Fanout{}).PublishLocation(context.Background(), models.DriverLocation{}); err != nil {
		t.Fatalf("empty fanout: %v", err)
	}
}
