package db

import (
	"fmt"

	"devpath/internal/logger"
	"devpath/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// accounts 表每次写入都通过 pg_notify 推送 uid，供 pgstore 的订阅使用
const accountNotifyTrigger = `
CREATE OR REPLACE FUNCTION notify_account_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('account_changes', COALESCE(NEW.uid, OLD.uid));
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS accounts_notify ON accounts;
CREATE TRIGGER accounts_notify
	AFTER INSERT OR UPDATE OR DELETE ON accounts
	FOR EACH ROW EXECUTE FUNCTION notify_account_change();
`

// OpenPostgres 连接数据库并完成迁移
func OpenPostgres(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Database connection established")

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

func Migrate(gdb *gorm.DB) error {
	err := gdb.AutoMigrate(
		&models.Account{},
		&models.RoleGrant{},
		&models.LeaderboardEntry{},
		&models.BadgeAward{},
		&models.Project{},
		&models.NotificationCampaign{},
		&models.InboxItem{},
		&models.AdminKey{},
		&models.AuditEntry{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := gdb.Exec(accountNotifyTrigger).Error; err != nil {
		return fmt.Errorf("failed to install account trigger: %w", err)
	}
	logger.Info("Database migration completed")
	return nil
}
