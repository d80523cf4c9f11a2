package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/msync/internal/bus"
	"go.uber.org/zap"
)

// Credential is what the external login flow leaves on disk.
type Credential struct {
	Token      string `toml:"token"`
	SessionKey string `toml:"session_key"`
	UserID     int64  `toml:"user_id"`
	Username   string `toml:"username"`
}

// Store reads the credential file lazily and re-reads it whenever the file
// changes on disk. A credential the server rejected is withheld until the
// file is rewritten.
type Store struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	cred    Credential
	modTime time.Time
	invalid bool
	cancel  context.CancelFunc
}

// NewStore creates a store backed by path. The file need not exist yet.
func NewStore(path string, logger *zap.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Token returns the bearer token, or "" when none is usable.
func (s *Store) Token() string {
	c, ok := s.current()
	if !ok {
		return ""
	}
	return c.Token
}

// SessionKey returns the session key sent with REST calls and file URLs.
func (s *Store) SessionKey() string {
	c, ok := s.current()
	if !ok {
		return ""
	}
	return c.SessionKey
}

// UserID returns the signed-in user's id, or 0.
func (s *Store) UserID() int64 {
	c, _ := s.current()
	return c.UserID
}

// Username returns the signed-in user's name.
func (s *Store) Username() string {
	c, _ := s.current()
	return c.Username
}

// Invalidate withholds the current credential until the file changes.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.invalid {
		s.logger.Warn("credential invalidated", zap.String("path", s.path))
	}
	s.invalid = true
}

// Save writes c to disk with owner-only permissions and makes it current.
func (s *Store) Save(c Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(c)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	if encErr != nil {
		return encErr
	}
	s.mu.Lock()
	s.modTime = time.Time{}
	s.mu.Unlock()
	return nil
}

// Start invalidates the credential whenever the server rejects it.
func (s *Store) Start(ctx context.Context, b *bus.Bus) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := b.Subscribe("auth.", 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Kind == bus.AuthRejected {
					s.Invalidate()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops watching for rejections.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Store) current() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("stat credential file", zap.Error(err))
		}
		s.cred = Credential{}
		s.modTime = time.Time{}
		return Credential{}, false
	}
	if !info.ModTime().Equal(s.modTime) || s.modTime.IsZero() {
		c, err := load(s.path)
		if err != nil {
			s.logger.Warn("read credential file", zap.Error(err))
			return Credential{}, false
		}
		s.cred = c
		s.modTime = info.ModTime()
		s.invalid = false
	}
	if s.invalid {
		return s.cred, false
	}
	return s.cred, s.cred.Token != ""
}

func load(path string) (Credential, error) {
	var c Credential
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Credential{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return c, nil
}
