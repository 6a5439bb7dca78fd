package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/config"
	"github.com/xqhhhhhh/shopee-extension/internal/model"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// upsert 冲突时更新的列。
var updateColumns = []string{
	"updated_at", "product_id", "seller_name", "category", "listed_date",
	"price_min", "price_max", "discount",
	"total_qty", "last30_qty", "total_revenue", "last30_revenue",
	"sku", "warnings", "captured_at",
}

// GormStore 基于 SQL 数据库的快照存储，(date, url) 上有唯一索引。
type GormStore struct {
	db     *gorm.DB
	maxAge time.Duration
}

// NewGormStore 创建 SQL 快照存储并迁移表结构。
func NewGormStore(db *gorm.DB, maxAge time.Duration) (*GormStore, error) {
	if err := db.AutoMigrate(&model.DailyRecord{}); err != nil {
		return nil, fmt.Errorf("migrate daily records: %w", err)
	}
	return &GormStore{db: db, maxAge: maxAge}, nil
}

func (s *GormStore) Upsert(ctx context.Context, records ...model.DailyRecord) error {
	if len(records) == 0 {
		return nil
	}
	// 同一批内 (date, url) 重复时只保留最后一条
	records = Merge(nil, records)
	for i := range records {
		records[i].ID = 0
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}, {Name: "url"}},
		DoUpdates: clause.AssignmentColumns(updateColumns),
	}).Create(&records).Error; err != nil {
		return fmt.Errorf("upsert daily records: %w", err)
	}
	return nil
}

func (s *GormStore) History(ctx context.Context, since string) ([]model.DailyRecord, error) {
	var out []model.DailyRecord
	q := s.db.WithContext(ctx).Order("date ASC").Order("url ASC")
	if since != "" {
		q = q.Where("date >= ?", since)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query daily records: %w", err)
	}
	return out, nil
}

func (s *GormStore) Prune(ctx context.Context, now time.Time) (int, error) {
	res := s.db.WithContext(ctx).Where("date < ?", Cutoff(now, s.maxAge)).Delete(&model.DailyRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune daily records: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// OpenDB 按驱动名打开数据库连接。
//
// 参数:
//
//	driver: mysql / postgres / sqlite
//	dsn: 连接串；sqlite 时为文件路径
//
// 返回值:
//
//	*gorm.DB: 数据库连接
//	error: 驱动不支持或连接失败
func OpenDB(driver, dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	}

	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres":
		dialector = postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true})
	case "sqlite":
		if dir := filepath.Dir(dsn); dsn != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported snapshot driver: %s", driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.Exec("PRAGMA journal_mode=WAL")
	}
	return db, nil
}

// New 按配置选择快照存储后端。
//
// 参数:
//
//	cfg: 快照配置
//	rdb: Redis 客户端（redis 后端使用）
//	key: Redis 后端的 key
//	logger: 日志记录器
//
// 返回值:
//
//	Store: 快照存储
//	error: 数据库打开或迁移失败
func New(cfg config.SnapshotConfig, rdb *redis.Client, key string, logger *slog.Logger) (Store, error) {
	if cfg.Driver == "" || cfg.Driver == "redis" {
		logger.Info("snapshot store initialized", slog.String("driver", "redis"), slog.String("key", key))
		return NewRedisStore(rdb, key, cfg.MaxAge), nil
	}
	db, err := OpenDB(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	store, err := NewGormStore(db, cfg.MaxAge)
	if err != nil {
		return nil, err
	}
	logger.Info("snapshot store initialized", slog.String("driver", cfg.Driver))
	return store, nil
}

var _ Store = (*GormStore)(nil)
