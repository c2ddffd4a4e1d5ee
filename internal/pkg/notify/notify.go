package notify

import (
	"context"

	"escrowmarket/internal/model"
)

// Notifier 定义运营通知接口。
type Notifier interface {
	// SettlementCompleted 通知一笔托管交易已结清（卖家提款成功）。
	//
	// 参数:
	//   ctx: 上下文
	//   listing: 对应的镜像挂单
	//   trade: 链上读取的最终交易状态
	SettlementCompleted(ctx context.Context, listing *model.Listing, trade *model.Trade) error
}
