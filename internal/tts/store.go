package tts

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clip is synthesized audio waiting to be fetched by the client.
type Clip struct {
	ID        string
	Audio     []byte
	Format    string
	ExpiresAt time.Time
}

// AudioStore keeps clips in memory for a short time after synthesis.
type AudioStore struct {
	mu    sync.Mutex
	clips map[string]Clip
	ttl   time.Duration
	now   func() time.Time
}

// NewAudioStore creates a store whose clips expire after ttl.
func NewAudioStore(ttl time.Duration) *AudioStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AudioStore{clips: make(map[string]Clip), ttl: ttl, now: time.Now}
}

// Put stores audio and returns its id. Expired clips are swept on write.
func (s *AudioStore) Put(audio []byte, format string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, c := range s.clips {
		if now.After(c.ExpiresAt) {
			delete(s.clips, id)
		}
	}

	id := uuid.NewString()
	s.clips[id] = Clip{ID: id, Audio: audio, Format: format, ExpiresAt: now.Add(s.ttl)}
	return id
}

// Get returns a live clip.
func (s *AudioStore) Get(id string) (Clip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clips[id]
	if !ok || s.now().After(c.ExpiresAt) {
		delete(s.clips, id)
		return Clip{}, ErrAudioNotFound
	}
	return c, nil
}

// Len returns the number of stored clips, expired or not.
func (s *AudioStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clips)
}
