package domain

import (
	"context"
	"time"
)

// MessageStore persists correlated messages.
type MessageStore interface {
	// SaveMessage upserts by message id.
	SaveMessage(ctx context.Context, msg Message) error
	// FindByRequestID tries an exact match first, then a case-insensitive one.
	FindByRequestID(ctx context.Context, requestID string) (*Message, error)
}

// DataStore holds blobs shared through the coordination server.
type DataStore interface {
	PutData(ctx context.Context, blob DataBlob) error
	GetData(ctx context.Context, id string) (*DataBlob, error)
	// PurgeData removes blobs created before the cutoff and reports how many went.
	PurgeData(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// OrderStore holds the companion entity of each queue record.
type OrderStore interface {
	CreateOrder(ctx context.Context, order Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	SetOrderStatus(ctx context.Context, id string, kind TaskKind, status string) error
}
