package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"devpath/internal/config"
	"devpath/internal/logger"
	"devpath/internal/models"
	"devpath/internal/store/memstore"
)

// 参考时区下的固定“今天”
var testLoc = config.DefaultCatalog().Location()
var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, testLoc)

func day(offset int) string {
	return testNow.AddDate(0, 0, offset).Format(DayLayout)
}

// days 返回 day(from) 到 day(to) 的连续日期
func days(from, to int) []string {
	var out []string
	for i := from; i <= to; i++ {
		out = append(out, day(i))
	}
	return out
}

type testEnv struct {
	ctx       context.Context
	store     *memstore.Store
	catalog   *config.Catalog
	log       *logger.Logger
	projector *Projector
	ledger    *Ledger
	badges    *BadgeEngine
	gate      *AdminGate
	recalc    *Recalculator
	fanout    *Dispatcher
	sessions  *SessionManager
	profiles  *ProfileService
	ops       *AdminOps
}

func newTestEnv(t *testing.T, excluded ...string) *testEnv {
	t.Helper()
	st := memstore.New()
	st.Now = func() time.Time { return testNow }
	catalog := config.DefaultCatalog()
	log := logger.NewNop()
	metrics := NewMetrics()

	env := &testEnv{ctx: context.Background(), store: st, catalog: catalog, log: log}
	env.projector = NewProjector(st, excluded, 16, metrics, log)
	env.ledger = NewLedger(st, catalog, env.projector, metrics, log)
	env.ledger.now = func() time.Time { return testNow }
	env.badges = NewBadgeEngine(st, catalog, metrics, log)
	env.badges.now = func() time.Time { return testNow }
	env.gate = NewAdminGate(st, NewLocalLimiter(100, 100), "root@devpath.dev", nil, metrics, log)
	env.recalc = NewRecalculator(st, catalog, env.projector, metrics, log)
	env.recalc.now = func() time.Time { return testNow }
	env.fanout = NewDispatcher(st, MarkdownRenderer{}, nil, metrics, log)
	env.fanout.now = func() time.Time { return testNow }
	env.sessions = NewSessionManager(st, env.ledger, env.badges, "root@devpath.dev", log)
	env.profiles = NewProfileService(st, env.badges, env.projector, log)
	env.ops = NewAdminOps(st, env.badges, env.gate, log)
	return env
}

// seed 直接写入一个账号，返回存储中的副本
func (e *testEnv) seed(t *testing.T, acc *models.Account) *models.Account {
	t.Helper()
	acc.Normalize()
	stored, created, err := e.store.CreateAccountIfAbsent(e.ctx, acc)
	if err != nil {
		t.Fatalf("seed %s: %v", acc.UID, err)
	}
	if !created {
		t.Fatalf("seed %s: already exists", acc.UID)
	}
	return stored
}

func (e *testEnv) account(t *testing.T, uid string) *models.Account {
	t.Helper()
	acc, err := e.store.GetAccount(e.ctx, uid)
	if err != nil {
		t.Fatalf("get account %s: %v", uid, err)
	}
	return acc
}

// fakeCache 测试用的本地会话缓存
type fakeCache struct {
	mu      sync.Mutex
	token   string
	cleared int
}

func (c *fakeCache) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

func (c *fakeCache) SetToken(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	return nil
}

func (c *fakeCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.cleared++
	return nil
}

func (c *fakeCache) Cleared() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared
}
