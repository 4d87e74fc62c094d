/*
Package tokenstore stages credentials until their counterpart picks them up.

Records are keyed by a role prefix and the machine id (HT:<machine_id> for
host tokens deposited by devices, CT:<machine_id> for client tokens posted
by controllers) and live no longer than their ttl. Values are opaque.
*/
package tokenstore

import (
	"context"
	"time"
)

// DefaultTTL bounds the life of an unconsumed credential.
const DefaultTTL = 15 * time.Minute

const (
	hostKeyPrefix   = "HT:"
	clientKeyPrefix = "CT:"
)

// HostKey is the key of the host token staged by device.
func HostKey(machineID string) string { return hostKeyPrefix + machineID }

// ClientKey is the key of the client token posted by controller.
func ClientKey(machineID string) string { return clientKeyPrefix + machineID }

// Store is a keyed store with expiration. Get and Pop return
// model.ErrNotFound for missing or expired keys, and *UnavailableError
// when the engine can't serve the request.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// Pop reads and deletes the key in one step: concurrent callers can't
	// both receive the value.
	Pop(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
