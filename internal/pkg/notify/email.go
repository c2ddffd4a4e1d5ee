package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"escrowmarket/internal/config"
	"escrowmarket/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过邮件向运营邮箱发送结算通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// SettlementCompleted 发送交易结清邮件。
//
// 邮件配置不完整时静默跳过，结算通知是尽力而为，绝不影响主流程。
func (n *EmailNotifier) SettlementCompleted(ctx context.Context, listing *model.Listing, trade *model.Trade) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip settlement notification")
		return nil
	}
	to := strings.TrimSpace(n.cfg.OpsEmail)
	if to == "" {
		n.logger.Warn("ops email empty, skip settlement notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", to)
	m.SetHeader("Subject", fmt.Sprintf("[EscrowMarket] 交易结清 #%d", listing.ItemID))
	m.SetBody("text/html", n.buildHTMLBody(listing, trade))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send settlement email: %w", err)
	}

	n.logger.Info("settlement email sent",
		slog.String("to", to),
		slog.Uint64("item_id", listing.ItemID))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(listing *model.Listing, trade *model.Trade) string {
	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 560px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .amount { font-size: 24px; font-weight: bold; color: #16a34a; margin: 8px 0 12px; }
  .row { margin: 6px 0; font-size: 14px; }
  .label { color: #6b7280; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[EscrowMarket] ✅ 托管交易结清</div>
    <div class="content">
      <div class="amount">%s ETH</div>
      <div class="row"><span class="label">商品:</span> %s (item #%d)</div>
      <div class="row"><span class="label">卖家:</span> %s</div>
      <div class="row"><span class="label">买家:</span> %s</div>
      <div class="footer">货款已由卖家从托管合约提取。</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template,
		trade.Price,
		listing.ItemName,
		listing.ItemID,
		trade.Seller,
		trade.Buyer,
	)
}
