package hub

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"escrowmarket/internal/model"
	"escrowmarket/internal/pkg/metrics"
)

// 推送事件类型，字段名与前端约定保持一致。
const (
	TypeNewListing           = "NEW_LISTING"
	TypeListingPriceUpdated  = "LISTING_PRICE_UPDATED"
	TypeListingStatusUpdated = "LISTING_STATUS_UPDATED"
)

// Event 一条推送消息。三种事件各用各的字段，其余留空不序列化。
type Event struct {
	Type     string         `json:"type"`
	Listing  *model.Listing `json:"listing,omitempty"`
	ItemID   uint64         `json:"itemId,omitempty"`
	Price    string         `json:"price,omitempty"`
	IsActive *bool          `json:"isActive,omitempty"`
}

// NewListingEvent 新挂单事件，携带完整挂单记录。
func NewListingEvent(listing *model.Listing) Event {
	return Event{Type: TypeNewListing, Listing: listing}
}

// PriceUpdatedEvent 改价事件。
func PriceUpdatedEvent(itemID uint64, price string) Event {
	return Event{Type: TypeListingPriceUpdated, ItemID: itemID, Price: price}
}

// StatusUpdatedEvent 上下架事件。
func StatusUpdatedEvent(itemID uint64, isActive bool) Event {
	return Event{Type: TypeListingStatusUpdated, ItemID: itemID, IsActive: &isActive}
}

// Subscriber 一个推送订阅者。
//
// C 是有界缓冲通道，订阅者自己负责及时消费；缓冲写满说明消费端
// 已经跟不上，Hub 会直接将其移除并关闭通道，绝不因为单个慢订阅者
// 阻塞整体广播。
type Subscriber struct {
	C  <-chan []byte
	ch chan []byte
	id uint64
}

// Hub 进程内的事件广播器。
//
// Publish 串行完成一次广播，同一订阅者收到的事件顺序与发布顺序一致。
// 订阅者之间互不影响，消息对所有订阅者统一序列化一次。
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	buf    int
	logger *slog.Logger
}

// New 创建 Hub，buf 为每个订阅者的缓冲大小。
func New(buf int, logger *slog.Logger) *Hub {
	if buf <= 0 {
		buf = 64
	}
	return &Hub{
		subs:   make(map[uint64]*Subscriber),
		buf:    buf,
		logger: logger,
	}
}

// Subscribe 注册一个新订阅者，只会收到注册之后发布的事件。
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan []byte, h.buf)
	sub := &Subscriber{C: ch, ch: ch, id: h.nextID}
	h.subs[sub.id] = sub
	if metrics.HubSubscribers != nil {
		metrics.HubSubscribers.Set(float64(len(h.subs)))
	}
	return sub
}

// Unsubscribe 注销订阅者并关闭其通道（幂等，重复调用无害）。
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// Publish 将事件广播给当前所有订阅者。
//
// 序列化失败只记日志不 panic；缓冲写满的订阅者当场移除。
func (h *Hub) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal push event failed", slog.String("type", event.Type), slog.Any("error", err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs {
		select {
		case sub.ch <- payload:
		default:
			h.logger.Warn("subscriber buffer full, dropping subscriber",
				slog.Uint64("subscriber_id", sub.id))
			h.removeLocked(sub)
			if metrics.HubSubscribersDropped != nil {
				metrics.HubSubscribersDropped.Inc()
			}
		}
	}
	if metrics.EventsPublishedTotal != nil {
		metrics.EventsPublishedTotal.WithLabelValues(event.Type).Inc()
	}
}

// Len 返回当前订阅者数量。
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close 移除全部订阅者并关闭通道，用于进程退出。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		h.removeLocked(sub)
	}
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
	if metrics.HubSubscribers != nil {
		metrics.HubSubscribers.Set(float64(len(h.subs)))
	}
}

// String 便于日志输出。
func (s *Subscriber) String() string {
	return fmt.Sprintf("subscriber#%d", s.id)
}
