package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"devpath/internal/models"
	"devpath/internal/store"

	"github.com/jackc/pgx/v5"
	"gorm.io/gorm"
)

// AccountChannel accounts 表触发器 pg_notify 使用的频道，payload 为 uid
const AccountChannel = "account_changes"

type subscriber struct {
	ch   chan store.AccountChange
	done bool
}

// offer 只保留最新快照
func (s *subscriber) offer(c store.AccountChange) {
	if s.done {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- c
}

func (s *subscriber) close() {
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}

// listener 一条 LISTEN 连接，按 uid 分发给订阅者
type listener struct {
	dsn string
	db  *gorm.DB

	mu      sync.Mutex
	subs    map[string]map[*subscriber]struct{}
	running bool
	cancel  context.CancelFunc
}

func newListener(dsn string, db *gorm.DB) *listener {
	return &listener{dsn: dsn, db: db, subs: make(map[string]map[*subscriber]struct{})}
}

func (l *listener) subscribe(ctx context.Context, uid string) (<-chan store.AccountChange, error) {
	if l.dsn == "" {
		return nil, errors.New("pgstore: listener dsn not configured")
	}
	var acc models.Account
	if err := l.db.WithContext(ctx).First(&acc, "uid = ?", uid).Error; err != nil {
		return nil, translate(err)
	}
	acc.Normalize()

	l.mu.Lock()
	if !l.running {
		if err := l.start(); err != nil {
			l.mu.Unlock()
			return nil, err
		}
	}
	sub := &subscriber{ch: make(chan store.AccountChange, 1)}
	if l.subs[uid] == nil {
		l.subs[uid] = make(map[*subscriber]struct{})
	}
	l.subs[uid][sub] = struct{}{}
	sub.offer(store.AccountChange{Account: &acc})
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		if set, ok := l.subs[uid]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(l.subs, uid)
			}
		}
		sub.close()
	}()
	return sub.ch, nil
}

// start 调用方须持有 l.mu
func (l *listener) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connectCancel()
	conn, err := pgx.Connect(connectCtx, l.dsn)
	if err != nil {
		cancel()
		return fmt.Errorf("pgstore: listen connect: %w", err)
	}
	if _, err := conn.Exec(connectCtx, "LISTEN "+AccountChannel); err != nil {
		cancel()
		conn.Close(context.Background())
		return fmt.Errorf("pgstore: listen: %w", err)
	}
	l.running = true
	l.cancel = cancel
	go l.loop(ctx, conn)
	return nil
}

func (l *listener) loop(ctx context.Context, conn *pgx.Conn) {
	defer conn.Close(context.Background())
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.fail(err)
			return
		}
		l.dispatch(ctx, n.Payload)
	}
}

func (l *listener) dispatch(ctx context.Context, uid string) {
	l.mu.Lock()
	_, watched := l.subs[uid]
	l.mu.Unlock()
	if !watched {
		return
	}
	var acc models.Account
	err := l.db.WithContext(ctx).First(&acc, "uid = ?", uid).Error
	change := store.AccountChange{Account: &acc}
	if err != nil {
		change = store.AccountChange{Err: translate(err)}
	} else {
		acc.Normalize()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs[uid] {
		sub.offer(change)
		if change.Err != nil {
			sub.close()
		}
	}
	if change.Err != nil {
		delete(l.subs, uid)
	}
}

// fail 连接断开，通知全部订阅者并关闭，下次订阅会重新建立连接
func (l *listener) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, set := range l.subs {
		for sub := range set {
			sub.offer(store.AccountChange{Err: fmt.Errorf("pgstore: listen: %w", err)})
			sub.close()
		}
	}
	l.subs = make(map[string]map[*subscriber]struct{})
	l.running = false
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *listener) stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.running = false
	for _, set := range l.subs {
		for sub := range set {
			sub.close()
		}
	}
	l.subs = make(map[string]map[*subscriber]struct{})
}
