package kvstore

import (
	"context"
	"time"

	log "github.com/golang/glog"
	"github.com/pkg/errors"
	"github.com/samuel/go-zookeeper/zk"
)

const (
	maxRetries     = 5
	initialBackoff = 1 * time.Second
	maxBackoff     = 8 * time.Second
)

// ZKStore is a Store backed by a ZooKeeper ensemble. It retries any failed
// operation, whatever the error, with exponential backoff ("backoff := 1;
// ...; backoff = backoff << 1").
type ZKStore struct {
	conn *zk.Conn
}

// DialZK connects to the given ZooKeeper servers.
func DialZK(servers []string, sessionTimeout time.Duration) (*ZKStore, error) {
	conn, _, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: connecting to zookeeper")
	}
	return &ZKStore{conn: conn}, nil
}

// Close releases the underlying ZooKeeper session.
func (s *ZKStore) Close() {
	s.conn.Close()
}

func (s *ZKStore) Exists(ctx context.Context, key string) (exists bool, err error) {
	err = withBackoff(ctx, func() error {
		exists, _, err = s.conn.Exists(path(key))
		return err
	})
	return exists, err
}

func (s *ZKStore) Get(ctx context.Context, key string) (value string, err error) {
	err = withBackoff(ctx, func() error {
		data, _, err := s.conn.Get(path(key))
		if err != nil {
			return err
		}
		value = string(data)
		return nil
	})
	return value, err
}

func (s *ZKStore) Create(ctx context.Context, key, value string) error {
	return withBackoff(ctx, func() error {
		_, err := s.conn.Create(path(key), []byte(value), 0, zk.WorldACL(zk.PermAll))
		if err == zk.ErrNodeExists {
			log.Warningf("kvstore: %s already exists, leaving it as-is", key)
			return nil
		}
		return err
	})
}

func (s *ZKStore) Set(ctx context.Context, key, value string) error {
	return withBackoff(ctx, func() error {
		_, stat, err := s.conn.Get(path(key))
		if err != nil {
			return err
		}
		_, err = s.conn.Set(path(key), []byte(value), stat.Version)
		return err
	})
}

func (s *ZKStore) Delete(ctx context.Context, key string) error {
	return withBackoff(ctx, func() error {
		_, stat, err := s.conn.Get(path(key))
		if err == zk.ErrNoNode {
			return nil
		}
		if err != nil {
			return err
		}
		err = s.conn.Delete(path(key), stat.Version)
		if err == zk.ErrNoNode {
			return nil
		}
		return err
	})
}

// path maps a dotted key such as "relay_mesos.framework.myframework" onto a
// single flat znode under the root, avoiding the need to pre-create
// intermediate parents.
func path(key string) string {
	return "/" + key
}

func withBackoff(ctx context.Context, fn func() error) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		log.Warningf("kvstore: attempt %d failed: %v; backing off %s", attempt+1, lastErr, backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return errors.Wrap(lastErr, "kvstore: exhausted retries")
}
