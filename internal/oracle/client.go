package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"escrowmarket/internal/model"
	"escrowmarket/internal/pkg/metrics"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// escrowABI 托管合约的应用二进制接口。
const escrowABI = `[
  {"type":"function","name":"listItem","stateMutability":"payable","inputs":[{"name":"price","type":"uint128"}],"outputs":[]},
  {"type":"function","name":"purchaseItem","stateMutability":"payable","inputs":[{"name":"itemId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"confirmDelivery","stateMutability":"nonpayable","inputs":[{"name":"itemId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"claimPayment","stateMutability":"nonpayable","inputs":[{"name":"itemId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"editItemPrice","stateMutability":"nonpayable","inputs":[{"name":"itemId","type":"uint256"},{"name":"newPrice","type":"uint128"}],"outputs":[]},
  {"type":"function","name":"getTradeDetails","stateMutability":"view","inputs":[{"name":"itemId","type":"uint256"}],"outputs":[{"name":"seller","type":"address"},{"name":"buyer","type":"address"},{"name":"price","type":"uint256"},{"name":"isDelivered","type":"bool"},{"name":"isCompleted","type":"bool"}]},
  {"type":"event","name":"ItemListed","anonymous":false,"inputs":[{"name":"seller","type":"address","indexed":true},{"name":"itemId","type":"uint256","indexed":true},{"name":"price","type":"uint256","indexed":false}]},
  {"type":"event","name":"ItemPurchased","anonymous":false,"inputs":[{"name":"itemId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"price","type":"uint256","indexed":false}]},
  {"type":"event","name":"ItemDelivered","anonymous":false,"inputs":[{"name":"itemId","type":"uint256","indexed":true}]},
  {"type":"event","name":"PaymentClaimed","anonymous":false,"inputs":[{"name":"itemId","type":"uint256","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"ItemPriceUpdated","anonymous":false,"inputs":[{"name":"itemId","type":"uint256","indexed":true},{"name":"newPrice","type":"uint256","indexed":false}]}
]`

// 合约调用的三类失败，调用方据此决定 HTTP 语义与降级策略。
var (
	// ErrOracleUnavailable 节点不可达或确认超时，链上真实结果未知。
	ErrOracleUnavailable = errors.New("oracle unavailable")
	// ErrOracleRejected 交易被合约回滚或节点明确拒绝。
	ErrOracleRejected = errors.New("oracle rejected transaction")
	// ErrEventNotFound 交易已确认但回执中缺少预期事件。
	ErrEventNotFound = errors.New("expected contract event not found in receipt")
)

// Backend 抽象合约客户端依赖的节点能力，测试时用模拟实现替换 ethclient。
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client 托管合约的链上适配器。
//
// 所有生命周期操作（挂单、购买、确认收货、提款、改价）都在这里落到
// 合约调用上；写操作同步等待回执，读操作走 eth_call。Client 自身不
// 持有私钥，签名身份由调用方以 Session 形式逐次传入。
type Client struct {
	backend  Backend
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract

	listingFee     *big.Int
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// NewClient 创建合约适配器。
//
// listingFeeWei 是合约要求随 listItem 附带的固定手续费（wei 十进制
// 字符串）；confirmTimeout 限制等待回执的最长时间。
func NewClient(backend Backend, contractAddr string, listingFeeWei string, confirmTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	if backend == nil {
		return nil, errors.New("backend is nil")
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("invalid contract address: %s", contractAddr)
	}
	fee, ok := new(big.Int).SetString(strings.TrimSpace(listingFeeWei), 10)
	if !ok || fee.Sign() < 0 {
		return nil, fmt.Errorf("invalid listing fee: %s", listingFeeWei)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	addr := common.HexToAddress(contractAddr)
	return &Client{
		backend:        backend,
		address:        addr,
		abi:            parsed,
		contract:       bind.NewBoundContract(addr, parsed, backend, backend, backend),
		listingFee:     fee,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}, nil
}

// ListingFee 返回挂单手续费（wei）。
func (c *Client) ListingFee() *big.Int {
	return new(big.Int).Set(c.listingFee)
}

// ListResult listItem 确认后的回执信息。
type ListResult struct {
	ItemID uint64 // 合约分配的 item 标识，取自 ItemListed 事件
	Price  string // 合约确认的托管价格（ETH 十进制字符串）
	TxHash string
}

// List 上链挂单并等待确认，返回合约分配的 itemId 与确认价格。
//
// itemId 由合约内部计数器产生，只能从回执的 ItemListed 事件里拿到；
// 回执缺少该事件时返回 ErrEventNotFound，此时绝不能用猜测值建镜像。
func (c *Client) List(ctx context.Context, session *Session, priceEth string) (*ListResult, error) {
	const method = "listItem"
	start := time.Now()

	price, err := ParseEther(priceEth)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOracleRejected, err)
	}

	opts, err := session.transactOpts()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOracleUnavailable, err)
	}
	opts.Context = ctx
	opts.Value = new(big.Int).Set(c.listingFee)

	tx, err := c.contract.Transact(opts, method, price)
	if err != nil {
		c.observe(method, start, err)
		return nil, fmt.Errorf("%w: %s: %s", ErrOracleRejected, method, err)
	}

	receipt, err := c.waitMined(ctx, method, tx)
	c.observe(method, start, err)
	if err != nil {
		return nil, err
	}

	result, err := c.decodeItemListed(receipt)
	if err != nil {
		return nil, err
	}
	result.TxHash = tx.Hash().Hex()
	c.logger.Info("item listed on chain",
		slog.Uint64("item_id", result.ItemID),
		slog.String("price", result.Price),
		slog.String("tx", result.TxHash))
	return result, nil
}

// Purchase 以买家身份付款购买，交易金额为当前托管价格。
func (c *Client) Purchase(ctx context.Context, session *Session, itemID uint64, priceEth string) error {
	value, err := ParseEther(priceEth)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOracleRejected, err)
	}
	return c.transactAndWait(ctx, session, "purchaseItem", value, new(big.Int).SetUint64(itemID))
}

// ConfirmDelivery 以买家身份确认收货。
func (c *Client) ConfirmDelivery(ctx context.Context, session *Session, itemID uint64) error {
	return c.transactAndWait(ctx, session, "confirmDelivery", nil, new(big.Int).SetUint64(itemID))
}

// ClaimPayment 以卖家身份提取已确认收货的托管货款。
func (c *Client) ClaimPayment(ctx context.Context, session *Session, itemID uint64) error {
	return c.transactAndWait(ctx, session, "claimPayment", nil, new(big.Int).SetUint64(itemID))
}

// EditPrice 以卖家身份修改链上托管价格。
func (c *Client) EditPrice(ctx context.Context, session *Session, itemID uint64, priceEth string) error {
	price, err := ParseEther(priceEth)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOracleRejected, err)
	}
	return c.transactAndWait(ctx, session, "editItemPrice", nil, new(big.Int).SetUint64(itemID), price)
}

// GetTradeDetails 读取一笔交易的权威生命周期状态（eth_call，不签名）。
func (c *Client) GetTradeDetails(ctx context.Context, itemID uint64) (*model.Trade, error) {
	const method = "getTradeDetails"
	start := time.Now()

	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, new(big.Int).SetUint64(itemID))
	c.observe(method, start, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrOracleUnavailable, method, err)
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("%w: %s: unexpected output arity %d", ErrOracleUnavailable, method, len(out))
	}

	seller, ok1 := out[0].(common.Address)
	buyer, ok2 := out[1].(common.Address)
	price, ok3 := out[2].(*big.Int)
	delivered, ok4 := out[3].(bool)
	completed, ok5 := out[4].(bool)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil, fmt.Errorf("%w: %s: unexpected output types", ErrOracleUnavailable, method)
	}

	return &model.Trade{
		ItemID:      itemID,
		Seller:      model.NormalizeAddress(seller.Hex()),
		Buyer:       model.NormalizeAddress(buyer.Hex()),
		Price:       FormatEther(price),
		IsDelivered: delivered,
		IsCompleted: completed,
	}, nil
}

func (c *Client) transactAndWait(ctx context.Context, session *Session, method string, value *big.Int, args ...interface{}) error {
	start := time.Now()

	opts, err := session.transactOpts()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOracleUnavailable, err)
	}
	opts.Context = ctx
	opts.Value = value

	tx, err := c.contract.Transact(opts, method, args...)
	if err != nil {
		c.observe(method, start, err)
		return fmt.Errorf("%w: %s: %s", ErrOracleRejected, method, err)
	}

	_, err = c.waitMined(ctx, method, tx)
	c.observe(method, start, err)
	if err != nil {
		return err
	}
	c.logger.Info("contract call confirmed",
		slog.String("method", method),
		slog.String("from", session.Address().Hex()),
		slog.String("tx", tx.Hash().Hex()))
	return nil
}

// waitMined 等待交易回执并检查执行结果。
//
// 超时或网络失败返回 ErrOracleUnavailable（链上结果未知），回执状态
// 非成功返回 ErrOracleRejected（已确认被回滚）。
func (c *Client) waitMined(ctx context.Context, method string, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx := ctx
	if c.confirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.confirmTimeout)
		defer cancel()
	}
	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return nil, fmt.Errorf("%w: wait %s receipt: %s", ErrOracleUnavailable, method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s reverted, tx %s", ErrOracleRejected, method, tx.Hash().Hex())
	}
	return receipt, nil
}

// decodeItemListed 从回执日志中解出 ItemListed 事件。
func (c *Client) decodeItemListed(receipt *types.Receipt) (*ListResult, error) {
	event := c.abi.Events["ItemListed"]
	for _, lg := range receipt.Logs {
		if lg.Address != c.address || len(lg.Topics) < 3 || lg.Topics[0] != event.ID {
			continue
		}
		itemID := new(big.Int).SetBytes(lg.Topics[2].Bytes())
		vals, err := event.Inputs.NonIndexed().Unpack(lg.Data)
		if err != nil || len(vals) != 1 {
			return nil, fmt.Errorf("%w: malformed ItemListed data", ErrEventNotFound)
		}
		price, ok := vals[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("%w: malformed ItemListed data", ErrEventNotFound)
		}
		return &ListResult{
			ItemID: itemID.Uint64(),
			Price:  FormatEther(price),
		}, nil
	}
	return nil, fmt.Errorf("%w: ItemListed missing, tx %s", ErrEventNotFound, receipt.TxHash.Hex())
}

func (c *Client) observe(method string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	if metrics.OracleCallsTotal != nil {
		metrics.OracleCallsTotal.WithLabelValues(method, status).Inc()
		metrics.OracleCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
}
