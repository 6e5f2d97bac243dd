package solana

import "context"

// WSClient defines Solana WebSocket subscription interface.
type WSClient interface {
	// SubscribeAccount streams changes to one account.
	SubscribeAccount(ctx context.Context, pubkey string) (<-chan AccountNotification, error)

	// Unsubscribe stops a stream returned by SubscribeAccount and closes its channel.
	Unsubscribe(ctx context.Context, ch <-chan AccountNotification) error

	// Close closes the WebSocket connection.
	Close() error
}

// AccountNotification is one accountSubscribe update.
type AccountNotification struct {
	Pubkey   string
	Slot     int64
	Lamports uint64
	Owner    string
	Data     string // base64 encoded
}
