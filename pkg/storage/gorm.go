package storage

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type requestLogRow struct {
	ID        uint      `gorm:"primaryKey"`
	IP        string    `gorm:"size:45;not null;index:idx_request_logs_ip_ts,priority:1"`
	Path      string    `gorm:"size:2048;not null"`
	Timestamp time.Time `gorm:"not null;index;index:idx_request_logs_ip_ts,priority:2"`
	Country   *string   `gorm:"size:128"`
	City      *string   `gorm:"size:128"`
}

func (requestLogRow) TableName() string { return "request_logs" }

type blockedIPRow struct {
	IP        string `gorm:"primaryKey;size:45"`
	Reason    string `gorm:"size:512"`
	CreatedAt time.Time
}

func (blockedIPRow) TableName() string { return "blocked_ips" }

type suspiciousIPRow struct {
	ID        uint      `gorm:"primaryKey"`
	IP        string    `gorm:"size:45;not null;index"`
	Reason    string    `gorm:"size:512;not null"`
	Timestamp time.Time `gorm:"not null"`
}

func (suspiciousIPRow) TableName() string { return "suspicious_ips" }

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func openGorm(config Config, logger *log.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch config.Backend {
	case BackendPostgres:
		dialector = postgres.Open(config.DSN)
	case BackendSQLite:
		dialector = sqlite.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unknown SQL backend: %s", config.Backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.New(logger, gormlogger.Config{
			SlowThreshold:             config.SlowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// GormStore implements Store on top of a SQL database. All timestamps are
// written and compared in UTC.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps db, creating the tables first when migrate is set.
func NewGormStore(db *gorm.DB, migrate bool) (*GormStore, error) {
	if migrate {
		if err := db.AutoMigrate(&requestLogRow{}, &blockedIPRow{}, &suspiciousIPRow{}); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return &GormStore{db: db}, nil
}

func (g *GormStore) IsBlocked(ctx context.Context, ip string) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&blockedIPRow{}).Where("ip = ?", ip).Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("failed to query blocklist: %w", err)
	}
	return n > 0, nil
}

func (g *GormStore) Block(ctx context.Context, entry BlockedIP) error {
	row := blockedIPRow{IP: entry.IP, Reason: entry.Reason, CreatedAt: entry.CreatedAt.UTC()}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "ip"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to block %s: %w", entry.IP, err)
	}
	return nil
}

func (g *GormStore) Unblock(ctx context.Context, ip string) error {
	result := g.db.WithContext(ctx).Where("ip = ?", ip).Delete(&blockedIPRow{})
	if result.Error != nil {
		return fmt.Errorf("failed to unblock %s: %w", ip, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *GormStore) ListBlocked(ctx context.Context) ([]BlockedIP, error) {
	var rows []blockedIPRow
	if err := g.db.WithContext(ctx).Order("ip").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list blocklist: %w", err)
	}

	list := make([]BlockedIP, 0, len(rows))
	for _, r := range rows {
		list = append(list, BlockedIP{IP: r.IP, Reason: r.Reason, CreatedAt: r.CreatedAt.UTC()})
	}
	return list, nil
}

func (g *GormStore) Append(ctx context.Context, entry RequestLogEntry) error {
	row := requestLogRow{
		IP:        entry.IP,
		Path:      entry.Path,
		Timestamp: entry.Timestamp.UTC(),
		Country:   nullable(entry.Country),
		City:      nullable(entry.City),
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append request log: %w", err)
	}
	return nil
}

func (g *GormStore) CountByIP(ctx context.Context, from, to time.Time) (map[string]int, error) {
	var rows []struct {
		IP    string
		Count int
	}
	err := g.db.WithContext(ctx).
		Model(&requestLogRow{}).
		Select("ip, COUNT(*) AS count").
		Where("timestamp >= ? AND timestamp < ?", from.UTC(), to.UTC()).
		Group("ip").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}

	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.IP] = r.Count
	}
	return counts, nil
}

func (g *GormStore) IPsWithPaths(ctx context.Context, from, to time.Time, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	var ips []string
	err := g.db.WithContext(ctx).
		Model(&requestLogRow{}).
		Distinct("ip").
		Where("timestamp >= ? AND timestamp < ?", from.UTC(), to.UTC()).
		Where("path IN ?", paths).
		Order("ip").
		Pluck("ip", &ips).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query sensitive paths: %w", err)
	}
	return ips, nil
}

func (g *GormStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := g.db.WithContext(ctx).Where("timestamp < ?", before.UTC()).Delete(&requestLogRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune request logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (g *GormStore) AppendFlags(ctx context.Context, flags []SuspiciousIP) error {
	if len(flags) == 0 {
		return nil
	}

	rows := make([]suspiciousIPRow, 0, len(flags))
	for _, f := range flags {
		rows = append(rows, suspiciousIPRow{IP: f.IP, Reason: f.Reason, Timestamp: f.Timestamp.UTC()})
	}
	if err := g.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to append flags: %w", err)
	}
	return nil
}

func (g *GormStore) ListFlags(ctx context.Context, ip string) ([]SuspiciousIP, error) {
	q := g.db.WithContext(ctx).Order("timestamp, id")
	if ip != "" {
		q = q.Where("ip = ?", ip)
	}

	var rows []suspiciousIPRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}

	flags := make([]SuspiciousIP, 0, len(rows))
	for _, r := range rows {
		flags = append(flags, SuspiciousIP{IP: r.IP, Reason: r.Reason, Timestamp: r.Timestamp.UTC()})
	}
	return flags, nil
}

func (g *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *GormStore) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
