package keystore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sirosfoundation/go-erezept/pkg/security"
)

// loader reads an identity from its backing store
type loader func(ctx context.Context, role Role) (*Identity, error)

// identityCache keeps loaded identities per role
type identityCache struct {
	mu         sync.RWMutex
	identities map[Role]*Identity
	closed     bool
	now        func() time.Time
	logger     *slog.Logger
	revocation *revocationCheck
}

func newIdentityCache(logger *slog.Logger, opts ...Option) *identityCache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &identityCache{
		identities: make(map[Role]*Identity),
		now:        time.Now,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// get returns the cached identity for role or loads it. A cached identity
// whose certificate expired in the meantime is dropped.
func (c *identityCache) get(ctx context.Context, role Role, load loader) (*Identity, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}

	c.mu.RLock()
	closed := c.closed
	id, ok := c.identities[role]
	c.mu.RUnlock()
	if closed {
		return nil, ErrProviderDone
	}

	if ok {
		if err := security.CheckValidity(id.Certificate, c.now()); err != nil {
			c.mu.Lock()
			delete(c.identities, role)
			c.mu.Unlock()
			return nil, fmt.Errorf("identity %s: %w", role, err)
		}
		return id, nil
	}

	id, err := load(ctx, role)
	if err != nil {
		return nil, err
	}
	if err := security.CheckValidity(id.Certificate, c.now()); err != nil {
		return nil, fmt.Errorf("identity %s: %w", role, err)
	}
	if err := checkKeyPair(id.Signer, id.Certificate); err != nil {
		return nil, fmt.Errorf("identity %s: %w", role, err)
	}
	if c.revocation != nil {
		if err := c.revocation.check(ctx, id.Certificate); err != nil {
			return nil, fmt.Errorf("identity %s: %w", role, err)
		}
	}

	c.logger.Debug("loaded identity",
		"role", role,
		"subject", id.Certificate.Subject.String(),
		"algorithm", keyAlgorithmName(id.Certificate.PublicKey),
		"notAfter", id.Certificate.NotAfter)

	c.mu.Lock()
	c.identities[role] = id
	c.mu.Unlock()
	return id, nil
}

func (c *identityCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.identities = make(map[Role]*Identity)
}
