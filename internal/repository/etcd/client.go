// Package etcd provides etcd client functionality for distributed coordination:
// the cluster registry the planner reads, the plan store and leader election.
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"github.com/limiquantix/replan/internal/config"
)

// ErrKeyNotFound indicates the key was not found in etcd.
var ErrKeyNotFound = errors.New("key not found")

// Client wraps an etcd client with leader election. Every key is rooted at the
// configured prefix.
type Client struct {
	client  *clientv3.Client
	session *concurrency.Session
	prefix  string
	logger  *zap.Logger
}

// NewClient creates a new etcd client. sessionTTL is the lease TTL, in seconds,
// backing leader election.
func NewClient(cfg config.EtcdConfig, sessionTTL int, logger *zap.Logger) (*Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(sessionTTL))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	logger.Info("Connected to etcd", zap.Strings("endpoints", cfg.Endpoints))

	return &Client{
		client:  client,
		session: session,
		prefix:  cfg.Prefix,
		logger:  logger.With(zap.String("component", "etcd")),
	}, nil
}

// Close closes the etcd client and session.
func (c *Client) Close() error {
	if c.session != nil {
		c.session.Close()
	}
	return c.client.Close()
}

// Health checks if etcd is reachable.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.Status(ctx, c.client.Endpoints()[0])
	return err
}

func (c *Client) key(parts ...string) string {
	return path.Join(append([]string{"/", c.prefix}, parts...)...)
}

// =============================================================================
// Key-Value Operations
// =============================================================================

// Put stores a JSON encoded value in etcd.
func (c *Client) Put(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if _, err := c.client.Put(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

// Get retrieves a JSON encoded value from etcd.
func (c *Client) Get(ctx context.Context, key string, dest any) error {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get key: %w", err)
	}

	if len(resp.Kvs) == 0 {
		return ErrKeyNotFound
	}

	return json.Unmarshal(resp.Kvs[0].Value, dest)
}

// Delete removes a key from etcd and reports whether it existed.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	resp, err := c.client.Delete(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to delete key: %w", err)
	}
	return resp.Deleted > 0, nil
}

// List returns the raw values of every key under prefix, by key order.
func (c *Client) List(ctx context.Context, prefix string) ([][]byte, error) {
	resp, err := c.client.Get(ctx, prefix+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return values, nil
}

// =============================================================================
// Watch Operations
// =============================================================================

// WatchEvent represents an etcd watch event.
type WatchEvent struct {
	Type  EventType
	Key   string
	Value []byte
}

// EventType represents the type of watch event.
type EventType string

const (
	EventTypePut    EventType = "PUT"
	EventTypeDelete EventType = "DELETE"
)

// Watch watches for changes on a key or prefix.
func (c *Client) Watch(ctx context.Context, key string, prefix bool) <-chan WatchEvent {
	events := make(chan WatchEvent, 10)

	opts := []clientv3.OpOption{}
	if prefix {
		opts = append(opts, clientv3.WithPrefix())
	}

	go func() {
		defer close(events)

		watchCh := c.client.Watch(ctx, key, opts...)
		for {
			select {
			case <-ctx.Done():
				return
			case resp, ok := <-watchCh:
				if !ok {
					return
				}
				for _, ev := range resp.Events {
					eventType := EventTypePut
					if ev.Type == clientv3.EventTypeDelete {
						eventType = EventTypeDelete
					}
					select {
					case events <- WatchEvent{Type: eventType, Key: string(ev.Kv.Key), Value: ev.Kv.Value}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return events
}

// =============================================================================
// Leader Election
// =============================================================================

// Leader represents a leader election participant.
type Leader struct {
	election *concurrency.Election
	client   *Client
	name     string
	isLeader atomic.Bool
}

// LeaderCallback is called when leadership status changes.
type LeaderCallback func(isLeader bool)

// CampaignForLeader starts a leader election campaign in the background.
func (c *Client) CampaignForLeader(ctx context.Context, name string, callback LeaderCallback) *Leader {
	election := concurrency.NewElection(c.session, c.key("leaders", name))

	leader := &Leader{
		election: election,
		client:   c,
		name:     name,
	}

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := election.Campaign(ctx, strconv.FormatInt(int64(c.session.Lease()), 10)); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Warn("Leader campaign failed, retrying", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}

			leader.isLeader.Store(true)
			c.logger.Info("Became leader", zap.String("name", name))
			if callback != nil {
				callback(true)
			}

			select {
			case <-ctx.Done():
				return
			case <-c.session.Done():
				leader.isLeader.Store(false)
				c.logger.Info("Lost leadership", zap.String("name", name))
				if callback != nil {
					callback(false)
				}
				return
			}
		}
	}()

	return leader
}

// IsLeader returns true if this instance is currently the leader.
func (l *Leader) IsLeader() bool {
	return l.isLeader.Load()
}

// Resign resigns from leadership.
func (l *Leader) Resign(ctx context.Context) error {
	if !l.isLeader.Load() {
		return nil
	}

	if err := l.election.Resign(ctx); err != nil {
		return fmt.Errorf("failed to resign: %w", err)
	}

	l.isLeader.Store(false)
	l.client.logger.Info("Resigned from leadership", zap.String("name", l.name))
	return nil
}
