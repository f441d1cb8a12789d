package mongostore

import (
	"context"
	"fmt"

	"devpath/internal/models"
	"devpath/internal/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type changeEvent struct {
	OperationType string          `bson:"operationType"`
	FullDocument  *models.Account `bson:"fullDocument"`
}

// WatchAccount 通过 change stream 订阅单个账号，先推送一次当前快照
func (s *Store) WatchAccount(ctx context.Context, uid string) (<-chan store.AccountChange, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"documentKey._id": uid}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	cs, err := s.c(colAccounts).Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: watch %s: %w", uid, err)
	}

	// 先打开 stream 再读快照，避免两者之间的提交丢失
	acc, err := s.GetAccount(ctx, uid)
	if err != nil {
		cs.Close(context.Background())
		return nil, err
	}

	ch := make(chan store.AccountChange, 1)
	offer := func(c store.AccountChange) {
		select {
		case <-ch:
		default:
		}
		ch <- c
	}
	offer(store.AccountChange{Account: acc})

	go func() {
		defer close(ch)
		defer cs.Close(context.Background())
		for cs.Next(ctx) {
			var ev changeEvent
			if err := cs.Decode(&ev); err != nil {
				offer(store.AccountChange{Err: err})
				return
			}
			if ev.OperationType == "delete" {
				offer(store.AccountChange{Err: store.ErrNotFound})
				return
			}
			if ev.FullDocument == nil {
				continue
			}
			ev.FullDocument.Normalize()
			offer(store.AccountChange{Account: ev.FullDocument})
		}
		if ctx.Err() == nil {
			if err := cs.Err(); err != nil {
				offer(store.AccountChange{Err: err})
			}
		}
	}()
	return ch, nil
}
