// Package identity reads and writes the device identity produced by
// pairing. The file lives under the XDG data directory and environment
// variables override it, so a device can be provisioned without pairing.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/oklog/ulid/v2"

	"github.com/notifyhub/signal-sync/internal/domain"
)

const (
	EnvDeviceID    = "SIGNAL_SYNC_DEVICE_ID"
	EnvDeviceToken = "SIGNAL_SYNC_DEVICE_TOKEN"
	EnvEndpoint    = "SIGNAL_SYNC_ENDPOINT"
)

// Source supplies the current identity.
type Source interface {
	Identity(ctx context.Context) (domain.DeviceIdentity, error)
}

// DefaultPath returns the identity file location under XDG_DATA_HOME.
func DefaultPath() string {
	return filepath.Join(xdg.DataHome, "signal-sync", "device.json")
}

// record is the on-disk form.
type record struct {
	DeviceID    string     `json:"device_id"`
	DeviceToken string     `json:"device_token,omitempty"`
	Endpoint    string     `json:"endpoint,omitempty"`
	PairedAt    *time.Time `json:"paired_at,omitempty"`
}

// FileSource is a Source backed by a JSON file. The file is read on every
// call; nothing is cached.
type FileSource struct {
	path string
	mu   sync.Mutex
}

func NewFileSource(path string) *FileSource {
	if path == "" {
		path = DefaultPath()
	}
	return &FileSource{path: path}
}

func (s *FileSource) Path() string { return s.path }

func (s *FileSource) Identity(_ context.Context) (domain.DeviceIdentity, error) {
	rec, err := s.load()
	if err != nil {
		return domain.DeviceIdentity{}, err
	}
	id := domain.DeviceIdentity{
		DeviceID:    rec.DeviceID,
		DeviceToken: rec.DeviceToken,
		Endpoint:    rec.Endpoint,
	}
	applyEnvOverrides(&id)
	return id, nil
}

// EnsureDeviceID returns the persisted device id, generating and saving
// one on first use. The id never changes afterwards, including across
// re-pairing.
func (s *FileSource) EnsureDeviceID() (string, error) {
	if v := strings.TrimSpace(os.Getenv(EnvDeviceID)); v != "" {
		return v, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load()
	if err != nil {
		return "", err
	}
	if rec.DeviceID != "" {
		return rec.DeviceID, nil
	}
	rec.DeviceID = NewDeviceID()
	if err := s.write(rec); err != nil {
		return "", err
	}
	return rec.DeviceID, nil
}

// Save stores a token and endpoint obtained by pairing. The device id in
// the file is kept; id.DeviceID is only used when the file has none.
func (s *FileSource) Save(id domain.DeviceIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load()
	if err != nil {
		return err
	}
	if rec.DeviceID == "" {
		rec.DeviceID = id.DeviceID
	}
	if rec.DeviceID == "" {
		rec.DeviceID = NewDeviceID()
	}
	rec.DeviceToken = id.DeviceToken
	rec.Endpoint = id.Endpoint
	now := time.Now().UTC()
	rec.PairedAt = &now
	return s.write(rec)
}

func (s *FileSource) load() (record, error) {
	var rec record
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("read identity file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode identity file: %w", err)
	}
	return rec, nil
}

// write replaces the file atomically so a concurrent reader never sees a
// partial identity.
func (s *FileSource) write(rec record) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create identity directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".device-*.json")
	if err != nil {
		return fmt.Errorf("create identity file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod identity file: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write identity file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close identity file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace identity file: %w", err)
	}
	return nil
}

func applyEnvOverrides(id *domain.DeviceIdentity) {
	if v := strings.TrimSpace(os.Getenv(EnvDeviceID)); v != "" {
		id.DeviceID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDeviceToken)); v != "" {
		id.DeviceToken = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEndpoint)); v != "" {
		id.Endpoint = v
	}
}

// NewDeviceID generates a ULID for device identification.
func NewDeviceID() string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Static returns a Source that always reports id.
func Static(id domain.DeviceIdentity) Source {
	return staticSource(id)
}

type staticSource domain.DeviceIdentity

func (s staticSource) Identity(context.Context) (domain.DeviceIdentity, error) {
	return domain.DeviceIdentity(s), nil
}

var _ Source = (*FileSource)(nil)
