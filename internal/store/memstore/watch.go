package memstore

import (
	"context"
	"sync"

	"devpath/internal/models"
	"devpath/internal/store"
)

// watcher 容量为 1 的合并通道：消费者跟不上时只保留最新快照，顺序不会颠倒
type watcher struct {
	mu     sync.Mutex
	ch     chan store.AccountChange
	closed bool
}

func (w *watcher) offer(acc *models.Account) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	change := store.AccountChange{Account: acc}
	select {
	case w.ch <- change:
	default:
		select {
		case <-w.ch:
		default:
		}
		w.ch <- change
	}
}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
}

func (s *Store) WatchAccount(ctx context.Context, uid string) (<-chan store.AccountChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkFault("WatchAccount", uid); err != nil {
		return nil, err
	}
	w := &watcher{ch: make(chan store.AccountChange, 1)}
	if s.watchers[uid] == nil {
		s.watchers[uid] = make(map[*watcher]struct{})
	}
	s.watchers[uid][w] = struct{}{}
	if acc, ok := s.accounts[uid]; ok {
		w.offer(acc.Clone())
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if ws := s.watchers[uid]; ws != nil {
			delete(ws, w)
			if len(ws) == 0 {
				delete(s.watchers, uid)
			}
		}
		s.mu.Unlock()
		w.close()
	}()
	return w.ch, nil
}

// notify 调用方须持有 s.mu
func (s *Store) notify(acc *models.Account) {
	for w := range s.watchers[acc.UID] {
		w.offer(acc.Clone())
	}
}

// BreakWatchers 向某账号的所有订阅推送错误并关闭（测试订阅降级路径）
func (s *Store) BreakWatchers(uid string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers[uid] {
		w.mu.Lock()
		if !w.closed {
			select {
			case <-w.ch:
			default:
			}
			w.ch <- store.AccountChange{Err: err}
			w.closed = true
			close(w.ch)
		}
		w.mu.Unlock()
	}
	delete(s.watchers, uid)
}
