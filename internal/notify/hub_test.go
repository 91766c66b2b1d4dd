package notify

import (
	"testing"

	"github.com/logen-app/logen/internal/domain"
)

func TestPublishReachesSubscribers(t *testing.T) {
	h := NewHub()
	a, cancelA := h.Subscribe("req-1")
	defer cancelA()
	b, cancelB := h.Subscribe("req-1")
	defer cancelB()
	other, cancelOther := h.Subscribe("req-2")
	defer cancelOther()

	h.Publish(&domain.AIRequest{ID: "req-1", Status: domain.RequestAssigned})

	for _, ch := range []<-chan *domain.AIRequest{a, b} {
		select {
		case got := <-ch:
			if got.Status != domain.RequestAssigned {
				t.Fatalf("status = %s, want assigned", got.Status)
			}
		default:
			t.Fatal("expected an update")
		}
	}
	select {
	case got := <-other:
		t.Fatalf("unexpected update for req-2: %+v", got)
	default:
	}
}

func TestSlowWatcherSeesLatest(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("req-1")
	defer cancel()

	h.Publish(&domain.AIRequest{ID: "req-1", Status: domain.RequestAssigned})
	h.Publish(&domain.AIRequest{ID: "req-1", Status: domain.RequestProcessing})
	h.Publish(&domain.AIRequest{ID: "req-1", Status: domain.RequestCompleted})

	got := <-ch
	if got.Status != domain.RequestCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestCancelClosesAndUnregisters(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe("req-1")
	if h.Watchers("req-1") != 1 {
		t.Fatalf("watchers = %d, want 1", h.Watchers("req-1"))
	}

	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if h.Watchers("req-1") != 0 {
		t.Fatalf("watchers = %d, want 0", h.Watchers("req-1"))
	}

	// Publishing with no watchers is a no-op.
	h.Publish(&domain.AIRequest{ID: "req-1"})
	h.Publish(nil)
}
