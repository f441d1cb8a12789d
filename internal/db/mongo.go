package db

import (
	"context"
	"fmt"
	"time"

	"devpath/internal/logger"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// MongoManager MongoDB 连接管理
type MongoManager struct {
	client   *mongo.Client
	database *mongo.Database
}

// NewMongoManager uri 需要指向副本集，事务与 change stream 依赖它
func NewMongoManager(ctx context.Context, uri, database string) (*MongoManager, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetMaxPoolSize(100).
		SetReadPreference(readpref.Primary()).
		SetWriteConcern(writeconcern.Majority())

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	logger.Infof("MongoDB connected, database=%s", database)
	return &MongoManager{client: client, database: client.Database(database)}, nil
}

func (mm *MongoManager) Database() *mongo.Database {
	return mm.database
}

func (mm *MongoManager) Close(ctx context.Context) error {
	return mm.client.Disconnect(ctx)
}
