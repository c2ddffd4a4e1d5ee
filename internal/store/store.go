package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"escrowmarket/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound 表示请求的挂单不存在。
var ErrNotFound = errors.New("listing not found")

// ErrDuplicate 表示该链上 item 已被镜像过（item_id 唯一索引冲突）。
var ErrDuplicate = errors.New("listing already mirrored")

// Store 基于 MySQL 的挂单镜像存储。
//
// 它只负责描述性元数据的持久化与检索，对链上生命周期状态一无所知。
type Store struct {
	db *gorm.DB
}

// New 创建挂单存储。
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate 建表（幂等）。
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&model.Listing{})
}

// Create 持久化一条新挂单并分配镜像序号。
//
// 序号取当前最大 id 加一（空表为 1）。分配必须与插入处于同一个加锁
// 事务中，否则并发创建会撞号；item_id 上的唯一索引兜底防止同一链上
// item 被镜像两次。
func (s *Store) Create(ctx context.Context, listing *model.Listing) (*model.Listing, error) {
	if listing == nil {
		return nil, errors.New("listing is nil")
	}
	listing.SellerAddress = model.NormalizeAddress(listing.SellerAddress)
	listing.IsActive = true

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxID uint
		if err := tx.Model(&model.Listing{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("COALESCE(MAX(id), 0)").
			Scan(&maxID).Error; err != nil {
			return fmt.Errorf("allocate listing id: %w", err)
		}
		listing.ID = maxID + 1
		if err := tx.Create(listing).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert listing: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// GetByID 按镜像序号查询挂单。
func (s *Store) GetByID(ctx context.Context, id uint) (*model.Listing, error) {
	var listing model.Listing
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&listing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &listing, nil
}

// GetByItemID 按链上 item 标识查询挂单。
func (s *Store) GetByItemID(ctx context.Context, itemID uint64) (*model.Listing, error) {
	var listing model.Listing
	if err := s.db.WithContext(ctx).Where("item_id = ?", itemID).First(&listing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &listing, nil
}

// List 返回全部挂单（无序，调用方自行排序）。
func (s *Store) List(ctx context.Context) ([]model.Listing, error) {
	listings := []model.Listing{}
	if err := s.db.WithContext(ctx).Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

// ListActive 按 id 升序分批返回在售挂单，供轮询器做 keyset 翻页。
func (s *Store) ListActive(ctx context.Context, afterID uint, limit int) ([]model.Listing, error) {
	if limit <= 0 {
		limit = 100
	}
	listings := []model.Listing{}
	if err := s.db.WithContext(ctx).
		Where("is_active = ? AND id > ?", true, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

// UpdatePrice 无条件覆盖挂单标价（last-writer-wins，不做版本校验）。
func (s *Store) UpdatePrice(ctx context.Context, itemID uint64, price string) error {
	return s.updateField(ctx, itemID, "price", price)
}

// UpdateActive 更新挂单的在售标记（幂等，同值重写不报错）。
func (s *Store) UpdateActive(ctx context.Context, itemID uint64, isActive bool) error {
	return s.updateField(ctx, itemID, "is_active", isActive)
}

func (s *Store) updateField(ctx context.Context, itemID uint64, column string, value interface{}) error {
	res := s.db.WithContext(ctx).
		Model(&model.Listing{}).
		Where("item_id = ?", itemID).
		Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// MySQL 对同值更新也报 0 行，需要区分"不存在"与"值未变"
		var count int64
		if err := s.db.WithContext(ctx).Model(&model.Listing{}).Where("item_id = ?", itemID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
	}
	return nil
}

// likeEscaper 转义 LIKE 的元字符，用户输入只做字面子串匹配。
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern 将用户查询词包装成字面匹配的 LIKE 模式。
func likePattern(query string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(strings.TrimSpace(query))) + "%"
}

// Search 按商品名做大小写不敏感的字面子串匹配；无命中返回空切片而非错误。
func (s *Store) Search(ctx context.Context, query string) ([]model.Listing, error) {
	listings := []model.Listing{}
	if err := s.db.WithContext(ctx).
		Where("LOWER(item_name) LIKE ?", likePattern(query)).
		Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}
