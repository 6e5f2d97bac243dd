package stub

import (
	"context"
	"errors"
	"sync"

	"rugshield/internal/solana"
)

// WSClient implements solana.WSClient for testing. Notifications are
// injected with Push.
type WSClient struct {
	mu     sync.Mutex
	subs   map[string][]chan solana.AccountNotification
	closed bool

	// SubscribeErr, when set, is returned by SubscribeAccount.
	SubscribeErr error
}

var _ solana.WSClient = (*WSClient)(nil)

// NewWSClient creates a new stub WS client.
func NewWSClient() *WSClient {
	return &WSClient{subs: make(map[string][]chan solana.AccountNotification)}
}

// SubscribeAccount registers a stream for pubkey.
func (c *WSClient) SubscribeAccount(_ context.Context, pubkey string) (<-chan solana.AccountNotification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("client closed")
	}
	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}
	ch := make(chan solana.AccountNotification, 16)
	c.subs[pubkey] = append(c.subs[pubkey], ch)
	return ch, nil
}

// Unsubscribe closes the stream.
func (c *WSClient) Unsubscribe(_ context.Context, ch <-chan solana.AccountNotification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, chans := range c.subs {
		for i, sub := range chans {
			if (<-chan solana.AccountNotification)(sub) == ch {
				close(sub)
				c.subs[key] = append(chans[:i], chans[i+1:]...)
				return nil
			}
		}
	}
	return nil
}

// Close closes every stream.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, chans := range c.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	c.subs = nil
	return nil
}

// Push delivers n to every stream of n.Pubkey.
func (c *WSClient) Push(n solana.AccountNotification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs[n.Pubkey] {
		ch <- n
	}
}

// Subscribed returns the number of open streams for pubkey.
func (c *WSClient) Subscribed(pubkey string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs[pubkey])
}
