// adminkey 带外重置管理员密钥。当前密钥丢失时这是唯一的恢复途径
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"devpath/internal/config"
	"devpath/internal/db"
	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/services"

	"github.com/google/uuid"
)

func main() {
	var (
		operator = flag.String("operator", os.Getenv("USER"), "操作者标识，写入审计记录")
		timeout  = flag.Duration("timeout", 30*time.Second, "存储操作超时")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.InitGlobalLogger(&cfg.Log)
	defer logger.Sync()

	if cfg.Store.Driver == "memory" {
		logger.Fatalf("store.driver=memory has no persistent admin key to reset")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	st, err := db.OpenStore(ctx, cfg.Store)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	plain, hash, err := services.NewAdminKey()
	if err != nil {
		logger.Fatalf("generate key: %v", err)
	}
	now := time.Now()
	if err := st.SwapAdminKey(ctx, "", &models.AdminKey{
		ID:        models.AdminKeyDocID,
		Hash:      hash,
		RotatedBy: "adminkey:" + *operator,
		RotatedAt: now,
	}); err != nil {
		logger.Fatalf("store new key: %v", err)
	}
	if err := st.AppendAudit(ctx, &models.AuditEntry{
		ID:        uuid.NewString(),
		Action:    services.AuditAdminKeyReset,
		ActorUID:  "adminkey:" + *operator,
		Detail:    "out-of-band reset",
		CreatedAt: now,
	}); err != nil {
		logger.Warnf("append audit entry: %v", err)
	}

	// 明文只在这里出现一次
	fmt.Println(plain)
}
