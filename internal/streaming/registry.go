package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"hls-streamcore/internal/platform/metrics"
)

// PersistedSession is the serializable subset of a Session's fields (§6/§4.8):
// everything needed to re-enter Resolving on restore, nothing that can't
// survive a process restart (store contents, in-flight fetches, estimator
// state are all reconstructed fresh).
type PersistedSession struct {
	ID              SessionID       `json:"id"`
	OwnerID         OwnerID         `json:"owner_id"`
	ManifestURL     string          `json:"manifest_url"`
	CurrentVariant  int             `json:"current_variant_ix"`
	StateTag        SessionStateTag `json:"state_tag"`
	ResumeEpoch     int64           `json:"resume_epoch"`
	TimestampUnixMS int64           `json:"timestamp"`
}

// SessionStore is the durable backend behind SessionRegistry.Save/Restore,
// keyed exactly as §6 specifies: "session:{id}" and "owner:{owner_id}".
// Grounded on the teacher's Store/InMemoryStore split and on
// ManuGH-xg2g's BadgerStore (internal/v3/store/badger_store.go).
type SessionStore interface {
	PutSession(rec PersistedSession) error
	GetSession(id SessionID) (PersistedSession, bool, error)
	DeleteSession(id SessionID) error
	PutOwner(owner OwnerID, id SessionID) error
	GetOwner(owner OwnerID) (SessionID, bool, error)
	DeleteOwner(owner OwnerID) error
	Close() error
}

// MemorySessionStore is a non-durable SessionStore, used when persistence is
// disabled and in tests; data does not survive a process restart.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[SessionID]PersistedSession
	owners   map[OwnerID]SessionID
}

// NewMemorySessionStore returns an empty MemorySessionStore.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[SessionID]PersistedSession),
		owners:   make(map[OwnerID]SessionID),
	}
}

func (m *MemorySessionStore) PutSession(rec PersistedSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[rec.ID] = rec
	return nil
}

func (m *MemorySessionStore) GetSession(id SessionID) (PersistedSession, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	return rec, ok, nil
}

func (m *MemorySessionStore) DeleteSession(id SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemorySessionStore) PutOwner(owner OwnerID, id SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[owner] = id
	return nil
}

func (m *MemorySessionStore) GetOwner(owner OwnerID) (SessionID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.owners[owner]
	return id, ok, nil
}

func (m *MemorySessionStore) DeleteOwner(owner OwnerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, owner)
	return nil
}

func (m *MemorySessionStore) Close() error { return nil }

// BadgerSessionStore is the durable SessionStore backend, an embedded KV
// store keyed "session:{id}" / "owner:{owner_id}" per §6. Grounded on
// ManuGH-xg2g's internal/v3/store/badger_store.go.
type BadgerSessionStore struct {
	db *badger.DB
}

// OpenBadgerSessionStore opens (creating if absent) a Badger database at dir.
func OpenBadgerSessionStore(dir string) (*BadgerSessionStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerSessionStore{db: db}, nil
}

func (b *BadgerSessionStore) Close() error { return b.db.Close() }

func sessionKey(id SessionID) []byte { return []byte("session:" + string(id)) }
func ownerKey(owner OwnerID) []byte  { return []byte("owner:" + string(owner)) }

func (b *BadgerSessionStore) PutSession(rec PersistedSession) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(rec.ID), buf)
	})
}

func (b *BadgerSessionStore) GetSession(id SessionID) (PersistedSession, bool, error) {
	var out PersistedSession
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err == badger.ErrKeyNotFound {
		return PersistedSession{}, false, nil
	}
	if err != nil {
		return PersistedSession{}, false, err
	}
	return out, true, nil
}

func (b *BadgerSessionStore) DeleteSession(id SessionID) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
}

func (b *BadgerSessionStore) PutOwner(owner OwnerID, id SessionID) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ownerKey(owner), []byte(id))
	})
}

func (b *BadgerSessionStore) GetOwner(owner OwnerID) (SessionID, bool, error) {
	var out SessionID
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ownerKey(owner))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			out = SessionID(val)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return out, true, nil
}

func (b *BadgerSessionStore) DeleteOwner(owner OwnerID) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(ownerKey(owner))
	})
}

// SessionFactory builds the collaborators a restored or newly-opened Session
// needs (RequestProxy, Sink, Transmuxer) for a given owner/manifest. The
// registry itself is agnostic to how those are constructed.
type SessionFactory func(owner OwnerID, manifestURL string, headers http.Header) (RequestProxy, Sink, Transmuxer)

// SessionRegistry owns the lifetime of every StreamSession: one per owner
// (the "one stream per tab" rule), persisted via a SessionStore so a crashed
// or restarted process can Restore in-flight sessions. Grounded on the
// teacher's Repository (concurrency-safe façade over a Store).
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[SessionID]*StreamSession
	owners   map[OwnerID]SessionID

	store          SessionStore
	factory        SessionFactory
	maxBufferBytes int64
	metrics        *metrics.Metrics
	tunables       Tunables
}

// NewSessionRegistry returns a registry backed by store, using factory to
// build per-session collaborators. maxBufferBytes <= 0 uses the default.
// met may be nil. tun carries the operator-configurable engine tunables
// (platform/config.Engine), threaded into every session this registry opens
// or restores.
func NewSessionRegistry(store SessionStore, factory SessionFactory, maxBufferBytes int64, met *metrics.Metrics, tun Tunables) *SessionRegistry {
	return &SessionRegistry{
		sessions:       make(map[SessionID]*StreamSession),
		owners:         make(map[OwnerID]SessionID),
		store:          store,
		factory:        factory,
		maxBufferBytes: maxBufferBytes,
		metrics:        met,
		tunables:       tun,
	}
}

// Open creates and starts a new session for owner, or returns
// ErrOwnerHasActiveSession if one already exists (duplicate detections for
// an owner with an active session are dropped, per §4.8).
func (r *SessionRegistry) Open(ctx context.Context, owner OwnerID, manifestURL string, headers http.Header) (SessionID, error) {
	r.mu.Lock()
	if existing, ok := r.owners[owner]; ok {
		r.mu.Unlock()
		return existing, ErrOwnerHasActiveSession
	}
	r.mu.Unlock()

	id := SessionID(uuid.NewString())
	proxy, sink, transmuxer := r.factory(owner, manifestURL, headers)
	session := NewStreamSession(ctx, id, owner, manifestURL, headers, proxy, sink, transmuxer, r.maxBufferBytes, r.metrics, r.tunables)

	r.mu.Lock()
	r.sessions[id] = session
	r.owners[owner] = id
	r.mu.Unlock()

	if r.store != nil {
		_ = r.store.PutSession(persistedFrom(session))
		_ = r.store.PutOwner(owner, id)
	}

	go session.Run()
	return id, nil
}

func persistedFrom(s *StreamSession) PersistedSession {
	tag, _ := s.State()
	return PersistedSession{
		ID:              s.ID,
		OwnerID:         s.OwnerID,
		ManifestURL:     s.Manifest,
		CurrentVariant:  s.currentVariant,
		StateTag:        tag,
		TimestampUnixMS: time.Now().UnixMilli(),
	}
}

// Get returns the live session for id, or ErrSessionNotFound.
func (r *SessionRegistry) Get(id SessionID) (*StreamSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Pause/Resume/Seek/SetQuality/Close proxy to the named session, per §6's
// Owner API.

func (r *SessionRegistry) Pause(id SessionID) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Pause()
	return nil
}

func (r *SessionRegistry) Resume(id SessionID) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Resume()
	return nil
}

func (r *SessionRegistry) Seek(id SessionID, tSeconds float64) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Seek(tSeconds)
	return nil
}

func (r *SessionRegistry) SetQuality(id SessionID, variantIx int, auto bool) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.SetQuality(variantIx, auto)
	return nil
}

// Close tears a session down: aborts it, clears its store slice, erases
// persisted state, and removes it from the registry (§4.8 owner teardown).
func (r *SessionRegistry) Close(id SessionID) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	owner := s.OwnerID
	delete(r.sessions, id)
	delete(r.owners, owner)
	r.mu.Unlock()

	s.Close()

	if r.store != nil {
		_ = r.store.DeleteSession(id)
		_ = r.store.DeleteOwner(owner)
	}
	return nil
}

// ActiveCount returns the number of sessions currently tracked.
func (r *SessionRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Restore reconstructs non-persistable fields (store, fetcher, estimator,
// ABR) for a previously-persisted session and re-enters Resolving (§4.8),
// recovering a session that was active when the process last stopped.
// cmd/engine does not call it (or RestoreAll) at startup.
func (r *SessionRegistry) Restore(ctx context.Context, id SessionID) (*StreamSession, error) {
	if r.store == nil {
		return nil, ErrSessionNotFound
	}
	rec, ok, err := r.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}

	proxy, sink, transmuxer := r.factory(rec.OwnerID, rec.ManifestURL, nil)
	session := NewStreamSession(ctx, rec.ID, rec.OwnerID, rec.ManifestURL, nil, proxy, sink, transmuxer, r.maxBufferBytes, r.metrics, r.tunables)

	r.mu.Lock()
	r.sessions[rec.ID] = session
	r.owners[rec.OwnerID] = rec.ID
	r.mu.Unlock()

	go session.Run()
	return session, nil
}

// RestoreAll restores, for each of owners, the session recorded for it in the
// durable store's owner index. Best-effort: an owner with no record, or a
// session that fails to restore, is skipped.
func (r *SessionRegistry) RestoreAll(ctx context.Context, owners []OwnerID) {
	for _, owner := range owners {
		id, ok, err := r.store.GetOwner(owner)
		if err != nil || !ok {
			continue
		}
		_, _ = r.Restore(ctx, id)
	}
}
