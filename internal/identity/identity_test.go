package identity

import (
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"diagramsync/internal/models"
	"diagramsync/internal/storage"

	"github.com/google/uuid"
)

type fakeCache struct {
	identity *models.Identity
	loadErr  error
	saveErr  error
	loads    int
	saves    int
}

func (c *fakeCache) LoadIdentity() (models.Identity, error) {
	c.loads++
	if c.loadErr != nil {
		return models.Identity{}, c.loadErr
	}
	if c.identity == nil {
		return models.Identity{}, models.ErrNotFound
	}
	return *c.identity, nil
}

func (c *fakeCache) SaveIdentity(identity models.Identity) error {
	c.saves++
	if c.saveErr != nil {
		return c.saveErr
	}
	c.identity = &identity
	return nil
}

var nicknamePattern = regexp.MustCompile(`^[A-Z][a-z]+[A-Z][a-z]+\d{1,3}$`)

func TestProvider_CreatesAndCaches(t *testing.T) {
	cache := &fakeCache{}
	p := NewProvider(cache, nil)

	first, err := p.GetOrCreate()
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := uuid.Parse(first.SessionID); err != nil {
		t.Errorf("expected uuid session id, got %q", first.SessionID)
	}
	if !nicknamePattern.MatchString(first.Nickname) {
		t.Errorf("unexpected nickname %q", first.Nickname)
	}
	if cache.saves != 1 {
		t.Errorf("expected identity to be persisted once, got %d", cache.saves)
	}

	for range 10 {
		if p.SessionID() != first.SessionID {
			t.Fatal("session id changed between calls")
		}
		if p.Nickname() != first.Nickname {
			t.Fatal("nickname changed between calls")
		}
	}
	if cache.loads != 1 {
		t.Errorf("expected cache to be read once, got %d", cache.loads)
	}
}

func TestProvider_ReusesCached(t *testing.T) {
	cached := models.Identity{
		SessionID: uuid.NewString(),
		Nickname:  "CalmHeron7",
		CreatedAt: time.Now().Add(-time.Hour),
	}
	cache := &fakeCache{identity: &cached}
	p := NewProvider(cache, nil)

	got, err := p.GetOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if got.SessionID != cached.SessionID || got.Nickname != cached.Nickname {
		t.Errorf("expected cached identity %+v, got %+v", cached, got)
	}
	if cache.saves != 0 {
		t.Errorf("cached identity must not be rewritten, got %d saves", cache.saves)
	}
}

func TestProvider_FallsBackOnBadCache(t *testing.T) {
	tests := []struct {
		name  string
		cache *fakeCache
	}{
		{"Corrupt", &fakeCache{loadErr: errors.New("msgpack: invalid code")}},
		{"BadSessionID", &fakeCache{identity: &models.Identity{SessionID: "nope", Nickname: "X"}}},
		{"EmptyNickname", &fakeCache{identity: &models.Identity{SessionID: uuid.NewString()}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProvider(tt.cache, nil)
			got, err := p.GetOrCreate()
			if err != nil {
				t.Fatalf("expected silent fallback, got %v", err)
			}
			if _, err := uuid.Parse(got.SessionID); err != nil {
				t.Errorf("expected fresh uuid, got %q", got.SessionID)
			}
			if got.Nickname == "" || got.Nickname == "X" {
				t.Errorf("expected fresh nickname, got %q", got.Nickname)
			}
			if tt.cache.saves != 1 {
				t.Errorf("expected fresh identity persisted, got %d saves", tt.cache.saves)
			}
		})
	}
}

func TestProvider_SaveError(t *testing.T) {
	errDisk := errors.New("disk full")
	cache := &fakeCache{saveErr: errDisk}
	p := NewProvider(cache, nil)

	got, err := p.GetOrCreate()
	if !errors.Is(err, errDisk) {
		t.Errorf("expected save error, got %v", err)
	}
	if _, err := uuid.Parse(got.SessionID); err != nil {
		t.Fatalf("expected identity despite save error, got %q", got.SessionID)
	}

	for range 3 {
		if id := p.SessionID(); id != got.SessionID {
			t.Fatalf("session id changed from %q to %q", got.SessionID, id)
		}
	}
	if p.Nickname() != got.Nickname {
		t.Error("nickname changed after save error")
	}
	if cache.loads != 1 || cache.saves != 1 {
		t.Errorf("expected one load and one save, got %d loads %d saves", cache.loads, cache.saves)
	}

	if err := p.RememberDiagram("d1"); !errors.Is(err, errDisk) {
		t.Errorf("expected save error, got %v", err)
	}
	if p.SessionID() != got.SessionID {
		t.Error("session id changed after RememberDiagram")
	}
}

func TestProvider_RegenerateNickname(t *testing.T) {
	cache := &fakeCache{}
	p := NewProvider(cache, nil)
	first, _ := p.GetOrCreate()

	nick, err := p.RegenerateNickname()
	if err != nil {
		t.Fatalf("RegenerateNickname failed: %v", err)
	}
	if nick == first.Nickname {
		t.Error("expected a different nickname")
	}
	if p.SessionID() != first.SessionID {
		t.Error("session id must survive nickname regeneration")
	}
	if p.Nickname() != nick || cache.identity.Nickname != nick {
		t.Error("new nickname not cached or persisted")
	}
}

func TestProvider_RememberDiagram(t *testing.T) {
	cache := &fakeCache{}
	p := NewProvider(cache, nil)

	for _, id := range []string{"d1", "d2", "d1"} {
		if err := p.RememberDiagram(id); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := p.GetOrCreate()
	if len(got.DiagramIDs) != 2 || got.DiagramIDs[0] != "d1" || got.DiagramIDs[1] != "d2" {
		t.Errorf("expected [d1 d2], got %v", got.DiagramIDs)
	}
	if len(cache.identity.DiagramIDs) != 2 {
		t.Errorf("expected persisted diagram ids, got %v", cache.identity.DiagramIDs)
	}

	got.DiagramIDs[0] = "mutated"
	again, _ := p.GetOrCreate()
	if again.DiagramIDs[0] != "d1" {
		t.Error("returned identity must not alias the cached one")
	}
}

func TestProvider_Bbolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")

	store, err := storage.NewBboltStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	first, err := NewProvider(store, nil).GetOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	store, err = storage.NewBboltStorage(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	second, err := NewProvider(store, nil).GetOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if second.SessionID != first.SessionID || second.Nickname != first.Nickname {
		t.Errorf("identity not reused across runs: %+v vs %+v", first, second)
	}
}
