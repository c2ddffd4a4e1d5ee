package reconcile

import (
	"context"
	"log/slog"

	"escrowmarket/internal/model"
	"escrowmarket/internal/pkg/metrics"
)

// TradeReader 抽象合约读取能力，测试时用函数字段模拟。
type TradeReader interface {
	GetTradeDetails(ctx context.Context, itemID uint64) (*model.Trade, error)
}

// View 合并镜像元数据与链上权威状态后的完整交易视图。
type View struct {
	Listing      *model.Listing    `json:"listing"`
	Trade        *model.Trade      `json:"trade,omitempty"` // 合约读取失败时为空
	Status       model.TradeStatus `json:"status"`
	DisplayPrice string            `json:"displayPrice"`
}

// Reconciler 合并链下镜像与链上合约两份真相。
//
// 镜像只对描述性元数据可信，生命周期状态与托管价格以合约为准。
// 合约读不到时状态降级为 unknown 并保留镜像数据，绝不把 unknown
// 伪装成 pending，也绝不因为链上暂时不可达而丢掉可展示的元数据。
type Reconciler struct {
	reader TradeReader
	logger *slog.Logger
}

// New 创建 Reconciler。
func New(reader TradeReader, logger *slog.Logger) *Reconciler {
	return &Reconciler{reader: reader, logger: logger}
}

// Resolve 对一条已知的镜像挂单做权威状态合并。
//
// 返回的 View 总是非空；合约读取失败不作为错误上抛，而是体现在
// Status 为 unknown、Trade 为空上，由展示层决定如何呈现。
func (r *Reconciler) Resolve(ctx context.Context, listing *model.Listing) *View {
	view := &View{
		Listing:      listing,
		Status:       model.StatusUnknown,
		DisplayPrice: listing.Price,
	}

	trade, err := r.reader.GetTradeDetails(ctx, listing.ItemID)
	if err != nil {
		r.logger.Warn("trade status unavailable, degrading to unknown",
			slog.Uint64("item_id", listing.ItemID),
			slog.Any("error", err))
		if metrics.ReconcileUnknownTotal != nil {
			metrics.ReconcileUnknownTotal.Inc()
		}
		return view
	}

	view.Trade = trade
	view.Status = trade.Status()
	// pending 交易的合约价可能落后于卖家刚编辑的镜像价，展示镜像价；
	// 一旦进入托管（purchased 及之后），合约托管金额才是事实
	if view.Status != model.StatusPending {
		view.DisplayPrice = trade.Price
	}
	return view
}
