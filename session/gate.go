package session

import (
	"fmt"
	"time"

	"github.com/bridi/sealchat/types"
	lru "github.com/hashicorp/golang-lru"
)

// cacheTTL bounds how long a resolved identity may be served from the gate's
// cache before the store is asked again (so invalidation in a shared store is
// picked up within this window).
const cacheTTL = time.Minute

// AuthError rejects a single operation: no or stale session, or a claimed user
// id that does not match the connection's authenticated identity. Never fatal
// to the process; fatal to the connection only at admission.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s", e.Reason)
}

type cachedIdentity struct {
	identity types.Identity
	until    time.Time
}

// Gate wraps every relay operation with an authorization check against the
// session store before registry, membership index or router are touched.
type Gate struct {
	store Store
	cache *lru.Cache
}

func NewGate(store Store, cacheSize int) (*Gate, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Gate{store: store, cache: cache}, nil
}

// Admit resolves a session token to an identity. Failure means the connection
// (or request) is refused, never silently downgraded.
func (g *Gate) Admit(token string) (types.Identity, error) {
	if token == "" {
		return types.Identity{}, &AuthError{Reason: "no session token"}
	}
	if v, ok := g.cache.Get(token); ok {
		cached := v.(cachedIdentity)
		if time.Now().Before(cached.until) {
			return cached.identity, nil
		}
		g.cache.Remove(token)
	}
	identity, ok, err := g.store.Resolve(token)
	if err != nil {
		return types.Identity{}, &AuthError{Reason: fmt.Sprintf("session store: %v", err)}
	}
	if !ok {
		return types.Identity{}, &AuthError{Reason: "no valid session"}
	}
	g.cache.Add(token, cachedIdentity{identity: identity, until: time.Now().Add(cacheTTL)})
	return identity, nil
}

// Check verifies that an operation's claimed user id equals the authenticated
// identity. Mismatches fail with AuthError and must produce no side effect in
// the caller.
func (g *Gate) Check(identity types.Identity, claimedUserID int64) error {
	if identity.UserID != claimedUserID {
		return &AuthError{Reason: "session not matching user"}
	}
	return nil
}

// Logout invalidates a token in the store and the cache.
func (g *Gate) Logout(token string) error {
	g.cache.Remove(token)
	return g.store.Invalidate(token)
}
