package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ridehail/internal/models"
)

var ErrLocationDenied = errors.New("location permission denied")

// LocationSource produces continuous position fixes until ctx is done.
type LocationSource interface {
	Watch(ctx context.Context) (<-chan models.Coord, error)
}

// FixFeed is a LocationSource fed by device fixes posted to the API.
type FixFeed struct {
	mu     sync.Mutex
	cur    chan models.Coord
	buffer int
	denied bool
}

func NewFixFeed(buffer int) *FixFeed {
	if buffer <= 0 {
		buffer = 8
	}
	return &FixFeed{buffer: buffer}
}

// Deny makes the next Watch fail like a refused permission prompt.
func (f *FixFeed) Deny(denied bool) {
	f.mu.Lock()
	f.denied = denied
	f.mu.Unlock()
}

func (f *FixFeed) Watch(ctx context.Context) (<-chan models.Coord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied {
		return nil, ErrLocationDenied
	}
	ch := make(chan models.Coord, f.buffer)
	f.cur = ch
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if f.cur == ch {
			f.cur = nil
		}
		f.mu.Unlock()
	}()
	return ch, nil
}

// Push hands a fix to the active watcher. It reports false when nobody is watching or the
// watcher is behind; the fix is dropped in both cases.
func (f *FixFeed) Push(c models.Coord) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cur == nil {
		return false
	}
	select {
	case f.cur <- c:
		return true
	default:
		return false
	}
}
