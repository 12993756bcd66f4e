// Package identity issues the anonymous session identity of a local client.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"diagramsync/internal/models"

	"github.com/google/uuid"
)

// Cache persists one identity between runs.
type Cache interface {
	LoadIdentity() (models.Identity, error)
	SaveIdentity(models.Identity) error
}

var (
	adjectives = []string{
		"Happy", "Clever", "Brave", "Swift", "Calm", "Bright", "Gentle", "Bold",
		"Quiet", "Witty", "Lucky", "Eager", "Jolly", "Nimble", "Sunny", "Keen",
	}
	nouns = []string{
		"Panda", "Fox", "Otter", "Falcon", "Koala", "Tiger", "Dolphin", "Owl",
		"Badger", "Heron", "Lynx", "Beaver", "Robin", "Whale", "Gecko", "Wolf",
	}
)

type Provider struct {
	cache Cache
	log   *slog.Logger
	now   func() time.Time
	rand  *rand.Rand

	mu       sync.Mutex
	identity *models.Identity
}

func NewProvider(cache Cache, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		cache: cache,
		log:   logger.With("component", "identity"),
		now:   time.Now,
		rand:  rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// GetOrCreate returns the cached identity, loading it from the cache or
// creating and persisting a fresh one on first use. A missing or corrupt
// cache entry yields a fresh identity. If persisting it fails, the identity is
// still returned and kept for the life of the provider, along with the error.
func (p *Provider) GetOrCreate() (models.Identity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getOrCreate()
}

func (p *Provider) getOrCreate() (models.Identity, error) {
	if p.identity != nil {
		return cloneIdentity(*p.identity), nil
	}

	if p.cache != nil {
		cached, err := p.cache.LoadIdentity()
		switch {
		case err == nil && wellFormed(cached):
			p.identity = &cached
			return cloneIdentity(cached), nil
		case err == nil:
			p.log.Warn("discarding malformed cached identity", "session_id", cached.SessionID)
		case !errors.Is(err, models.ErrNotFound):
			p.log.Warn("discarding unreadable cached identity", "error", err)
		}
	}

	identity := models.Identity{
		SessionID:  uuid.NewString(),
		Nickname:   p.nickname(),
		CreatedAt:  p.now().UTC(),
		DiagramIDs: []string{},
	}
	p.identity = &identity
	p.log.Info("created session identity", "session_id", identity.SessionID, "nickname", identity.Nickname)
	return cloneIdentity(identity), p.persist(identity)
}

// SessionID returns the session id without touching the cache after the first call.
func (p *Provider) SessionID() string {
	id, err := p.GetOrCreate()
	if err != nil {
		p.log.Error("failed to get identity", "error", err)
	}
	return id.SessionID
}

func (p *Provider) Nickname() string {
	id, err := p.GetOrCreate()
	if err != nil {
		p.log.Error("failed to get identity", "error", err)
	}
	return id.Nickname
}

// RegenerateNickname replaces the nickname and persists it. The session id is kept.
func (p *Provider) RegenerateNickname() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A failed save of a new identity is retried by the persist below.
	identity, _ := p.getOrCreate()
	previous := identity.Nickname
	for identity.Nickname == previous {
		identity.Nickname = p.nickname()
	}
	p.identity = &identity
	return identity.Nickname, p.persist(identity)
}

// RememberDiagram records diagramID in the identity's visited diagrams.
func (p *Provider) RememberDiagram(diagramID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// A failed save of a new identity is retried by the persist below.
	identity, _ := p.getOrCreate()
	if slices.Contains(identity.DiagramIDs, diagramID) {
		return nil
	}
	identity.DiagramIDs = append(identity.DiagramIDs, diagramID)
	p.identity = &identity
	return p.persist(identity)
}

func (p *Provider) persist(identity models.Identity) error {
	if p.cache == nil {
		return nil
	}
	if err := p.cache.SaveIdentity(identity); err != nil {
		return fmt.Errorf("failed to save identity: %w", err)
	}
	return nil
}

func (p *Provider) nickname() string {
	return fmt.Sprintf("%s%s%d",
		adjectives[p.rand.IntN(len(adjectives))],
		nouns[p.rand.IntN(len(nouns))],
		p.rand.IntN(1000),
	)
}

func wellFormed(identity models.Identity) bool {
	if identity.Nickname == "" {
		return false
	}
	_, err := uuid.Parse(identity.SessionID)
	return err == nil
}

func cloneIdentity(identity models.Identity) models.Identity {
	identity.DiagramIDs = slices.Clone(identity.DiagramIDs)
	return identity
}
