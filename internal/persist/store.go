// Package persist keeps the per-profile console state on disk.
package persist

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"pkt.systems/chaosdeck/schema"
	"pkt.systems/pslog"
)

// DefaultProfile is used when no profile is named.
const DefaultProfile schema.ProfileName = "default"

// Profile is the state a console profile carries between runs.
type Profile struct {
	SessionID         schema.SessionID   `json:"session_id"`
	CurrentSnapshotID schema.SnapshotID  `json:"current_snapshot_id,omitempty"`
	Cluster           schema.ClusterName `json:"cluster,omitempty"`
}

// Store persists profiles to disk.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// Load reads a profile from disk.
func (s *Store) Load(name schema.ProfileName) (Profile, bool, error) {
	path := s.pathForProfile(name)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.debug("profile load miss", "profile", name)
			return Profile{}, false, nil
		}
		s.warn("profile load failed", "profile", name, "err", err)
		return Profile{}, false, err
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		s.warn("profile load failed", "profile", name, "err", err)
		return Profile{}, false, err
	}
	s.debug("profile load ok", "profile", name, "session", profile.SessionID)
	return profile, true, nil
}

// LoadOrInit reads a profile and assigns a session id the first time the profile is used.
func (s *Store) LoadOrInit(name schema.ProfileName) (Profile, error) {
	profile, _, err := s.Load(name)
	if err != nil {
		return Profile{}, err
	}
	if profile.SessionID != "" {
		return profile, nil
	}
	profile.SessionID = schema.SessionID(uuid.NewString())
	if err := s.Save(name, profile); err != nil {
		return Profile{}, err
	}
	s.debug("profile session assigned", "profile", name, "session", profile.SessionID)
	return profile, nil
}

// Update loads the profile, applies fn and saves the result.
func (s *Store) Update(name schema.ProfileName, fn func(*Profile)) (Profile, error) {
	profile, err := s.LoadOrInit(name)
	if err != nil {
		return Profile{}, err
	}
	fn(&profile)
	if err := s.Save(name, profile); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// Save writes a profile to disk atomically.
func (s *Store) Save(name schema.ProfileName, profile Profile) error {
	path := s.pathForProfile(name)
	if err := s.write(path, profile); err != nil {
		s.warn("profile save failed", "profile", name, "err", err)
		return err
	}
	if s.log != nil {
		s.log.Trace("profile save ok", "profile", name)
	}
	return nil
}

func (s *Store) write(path string, profile Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "profile-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) debug(msg string, kv ...any) {
	if s.log != nil {
		s.log.Debug(msg, kv...)
	}
}

func (s *Store) warn(msg string, kv ...any) {
	if s.log != nil {
		s.log.Warn(msg, kv...)
	}
}

func (s *Store) pathForProfile(name schema.ProfileName) string {
	clean := sanitize(string(name))
	if clean == "" {
		clean = string(DefaultProfile)
	}
	return filepath.Join(s.dir, clean+".json")
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
