package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"escrowmarket/internal/model"
)

func newTestHub(buf int) *Hub {
	return New(buf, slog.Default())
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	h := newTestHub(16)
	sub := h.Subscribe()
	defer h.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		h.Publish(PriceUpdatedEvent(uint64(i), fmt.Sprintf("%d", i)))
	}

	for i := 0; i < 5; i++ {
		payload := <-sub.C
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if ev.ItemID != uint64(i) {
			t.Fatalf("event %d: ItemID = %d, out of order", i, ev.ItemID)
		}
	}
}

func TestSubscribeOnlySeesLaterEvents(t *testing.T) {
	h := newTestHub(4)
	h.Publish(PriceUpdatedEvent(1, "1"))

	sub := h.Subscribe()
	defer h.Unsubscribe(sub)
	h.Publish(PriceUpdatedEvent(2, "2"))

	var ev Event
	if err := json.Unmarshal(<-sub.C, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.ItemID != 2 {
		t.Errorf("ItemID = %d, want 2 (pre-subscribe event must not be delivered)", ev.ItemID)
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := newTestHub(1)
	slow := h.Subscribe()
	fast := h.Subscribe()

	h.Publish(PriceUpdatedEvent(1, "1"))
	// slow 的缓冲已满，第二次广播应将其移除，fast 不受影响
	h.Publish(PriceUpdatedEvent(2, "2"))

	if h.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after dropping slow subscriber", h.Len())
	}

	<-fast.C
	<-fast.C
	<-slow.C // 缓冲里的第一条
	if _, ok := <-slow.C; ok {
		t.Error("slow subscriber channel should be closed")
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := newTestHub(4)
	sub := h.Subscribe()
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	h.Unsubscribe(nil)

	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
}

func TestNewListingEventShape(t *testing.T) {
	listing := &model.Listing{ID: 1, ItemID: 7, ItemName: "camera", Price: "0.05", IsActive: true}
	payload, err := json.Marshal(NewListingEvent(listing))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != TypeNewListing {
		t.Errorf("type = %v", m["type"])
	}
	if _, ok := m["listing"]; !ok {
		t.Error("listing field missing")
	}
	if _, ok := m["itemId"]; ok {
		t.Error("itemId must be omitted on NEW_LISTING")
	}
}

func TestStatusUpdatedEventKeepsFalse(t *testing.T) {
	payload, err := json.Marshal(StatusUpdatedEvent(7, false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	v, ok := m["isActive"]
	if !ok {
		t.Fatal("isActive=false must be serialized, not omitted")
	}
	if v != false {
		t.Errorf("isActive = %v, want false", v)
	}
}

func TestConcurrentPublishSubscribe(t *testing.T) {
	h := newTestHub(256)
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := h.Subscribe()
			for j := 0; j < 10; j++ {
				h.Publish(PriceUpdatedEvent(uint64(j), "1"))
			}
			h.Unsubscribe(sub)
		}()
	}
	wg.Wait()

	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0 after all unsubscribed", h.Len())
	}
}
