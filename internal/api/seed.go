package api

import (
	"context"
	"log/slog"

	"escrowmarket/internal/model"
)

// SeedDemoData 为本地环境注入演示挂单。
//
// 仅在 env 为 local 且镜像为空时生效，生产环境里是空操作；演示数据
// 不对应任何真实链上交易，轮询器对它们读不到状态只会记 warn。
func (s *Server) SeedDemoData(ctx context.Context) error {
	if s.cfg.App.Env != "local" {
		return nil
	}

	existing, err := s.listings.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	demos := []model.Listing{
		{
			ItemID:        1001,
			ItemName:      "Mechanical Keyboard (NIB)",
			Description:   "Brand new 75% mechanical keyboard, shipped from EU.",
			Price:         "0.05",
			SellerAddress: "0x00000000000000000000000000000000000000a1",
			TwitterLink:   "https://twitter.com/escrowmarket",
		},
		{
			ItemID:        1002,
			ItemName:      "Vintage Film Camera",
			Description:   "Fully working rangefinder, light seals replaced.",
			Price:         "0.12",
			SellerAddress: "0x00000000000000000000000000000000000000a2",
			TelegramLink:  "https://t.me/escrowmarket",
		},
	}
	for i := range demos {
		if _, err := s.listings.Create(ctx, &demos[i]); err != nil {
			return err
		}
	}

	s.logger.Info("demo listings seeded", slog.Int("count", len(demos)))
	return nil
}
