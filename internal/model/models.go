package model

import (
	"strings"
	"time"
)

// Listing 表示链下镜像中的一条商品挂单记录。
//
// 生命周期状态（是否已购买、是否已完成）由链上合约持有，这里只缓存
// 描述性元数据；ItemID 是合约在挂单时分配的链上标识，全表唯一。
type Listing struct {
	ID        uint      `gorm:"primaryKey" json:"id"` // 镜像内部序号，创建时分配，不可变
	CreatedAt time.Time `json:"-"`                    // 创建时间
	UpdatedAt time.Time `json:"-"`                    // 更新时间

	ItemID        uint64 `gorm:"uniqueIndex;not null" json:"itemId"`                   // 链上 item 标识（唯一索引）
	ItemName      string `gorm:"type:varchar(191);not null" json:"itemName"`           // 商品名称
	Description   string `gorm:"type:text;not null" json:"description"`                // 商品描述
	Price         string `gorm:"type:varchar(78);not null" json:"price"`               // 标价（ETH 十进制字符串）
	SellerAddress string `gorm:"type:varchar(42);index;not null" json:"sellerAddress"` // 卖家地址（小写归一化，不可变）
	TwitterLink   string `gorm:"type:varchar(255)" json:"twitterLink"`                 // 卖家 Twitter 链接
	TelegramLink  string `gorm:"type:varchar(255)" json:"telegramLink"`                // 卖家 Telegram 链接
	IsActive      bool   `gorm:"default:true" json:"isActive"`                         // 是否在售（下架只翻转标记，不删除）
}

// ZeroAddress 表示链上的零地址哨兵值（买家为空时 getTradeDetails 返回它）。
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// TradeStatus 表示一笔托管交易的生命周期状态。
//
// 状态严格单向推进：pending -> purchased -> delivered -> completed，
// completed 为终态。unknown 不属于生命周期，仅在无法从合约获得
// 权威读取结果时使用，调用方必须将其与 pending 区分对待。
type TradeStatus string

const (
	StatusPending   TradeStatus = "pending"   // 已挂单，尚无买家
	StatusPurchased TradeStatus = "purchased" // 买家已付款，资金托管中
	StatusDelivered TradeStatus = "delivered" // 买家已确认收货
	StatusCompleted TradeStatus = "completed" // 卖家已提取货款，终态
	StatusUnknown   TradeStatus = "unknown"   // 合约读取失败，状态不可知
)

// Trade 表示从合约读取的一笔托管交易（派生数据，不落库）。
type Trade struct {
	ItemID      uint64 `json:"itemId"`
	Seller      string `json:"seller"`      // 卖家地址
	Buyer       string `json:"buyer"`       // 买家地址（未购买时为零地址）
	Price       string `json:"price"`       // 托管金额（ETH 十进制字符串，权威值）
	IsDelivered bool   `json:"isDelivered"`
	IsCompleted bool   `json:"isCompleted"`
}

// Status 按固定优先级从原始字段推导交易状态。
//
// 判定顺序必须严格递减：completed > delivered > purchased > pending。
// 已结清的交易仍然带有 isDelivered=true，先查 isCompleted 才能得到正确结果；
// 买家为零地址说明尚未有人购买。
func (t Trade) Status() TradeStatus {
	switch {
	case t.IsCompleted:
		return StatusCompleted
	case t.IsDelivered:
		return StatusDelivered
	case !IsZeroAddress(t.Buyer):
		return StatusPurchased
	default:
		return StatusPending
	}
}

// IsZeroAddress 判断地址是否为零地址（空串同样视为未设置）。
func IsZeroAddress(addr string) bool {
	if addr == "" {
		return true
	}
	return strings.EqualFold(addr, ZeroAddress)
}

// NormalizeAddress 将链上地址归一化为小写形式，用于存储与比较。
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
