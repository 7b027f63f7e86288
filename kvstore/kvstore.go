// Package kvstore implements the Coordinator's FrameworkIdentity
// persistence collaborator: a tiny key/value interface backed by Apache
// ZooKeeper (github.com/samuel/go-zookeeper/zk), used here for framework-id
// persistence across restarts.
package kvstore

import "context"

// Store is a tiny external key-value collaborator: exists, get, create,
// set, delete on a string key holding an opaque string value.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Create(ctx context.Context, key, value string) error
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// FrameworkIDPath returns the persisted-state key for a framework name:
// "relay_mesos.framework.<name>".
func FrameworkIDPath(frameworkName string) string {
	return "relay_mesos.framework." + frameworkName
}
