// Package session implements the session store and the gate that ties every
// relay operation to a previously authenticated identity.
package session

import (
	"fmt"

	"github.com/bridi/sealchat/config"
	"github.com/bridi/sealchat/types"
)

// Store maps opaque session tokens to authenticated identities.
type Store interface {
	// Create issues a fresh token for an identity.
	Create(identity types.Identity) (string, error)
	// Resolve returns the identity for a token; ok is false for unknown or
	// expired tokens.
	Resolve(token string) (identity types.Identity, ok bool, err error)
	// Invalidate removes a token unconditionally.
	Invalidate(token string) error
	// Sweep removes expired sessions and returns how many were dropped.
	Sweep() (int, error)
	Close() error
}

// NewStore builds the configured session store backend.
func NewStore(cfg *config.Config) (Store, error) {
	switch cfg.SessionConfig.Type {
	case "", "memory":
		return NewMemoryStore(cfg.SessionConfig.TTL), nil
	case "buntdb":
		return NewBuntStore(cfg.SessionConfig.DSN, cfg.SessionConfig.TTL)
	default:
		return nil, fmt.Errorf("unknown session store type %q", cfg.SessionConfig.Type)
	}
}
