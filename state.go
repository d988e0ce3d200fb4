package dane

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// MirrorLinks are the four symlinks making up the active-cert mirror, in
// swap order.
var MirrorLinks = [4]string{"cert.pem", "chain.pem", "fullchain.pem", "privkey.pem"}

// marker is the JSON body of a deployment marker file. The file's mtime,
// not this timestamp, gates the rollover; the timestamp is informational.
type marker struct {
	Date string `json:"date"`
}

// Store manages the on-disk rollover state under the active-cert root: the
// digest-named deployment markers and the active-cert mirror symlinks.
type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) *Store {
	if dir == "" || logger == nil {
		panic("NewStore: received empty dir or nil logger")
	}
	return &Store{dir: dir, logger: logger.With("component", "state_store")}
}

// ActiveCertPath returns the path of the mirror's cert.pem symlink.
func (s *Store) ActiveCertPath() string {
	return filepath.Join(s.dir, "cert.pem")
}

// ReadActiveCert reads the bytes of the currently active certificate,
// following the mirror symlink. Callers treat any error as "certificate
// changed" on first comparison (e.g. first run, missing directory).
func (s *Store) ReadActiveCert() ([]byte, error) {
	return os.ReadFile(s.ActiveCertPath())
}

func (s *Store) markerPath(digest string) string {
	return filepath.Join(s.dir, digest+".json")
}

// MarkerInfo reports whether a deployment marker exists for the digest and,
// if so, how long ago its records were first published.
func (s *Store) MarkerInfo(digest string) (exists bool, age time.Duration, err error) {
	fi, err := os.Stat(s.markerPath(digest))
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("state: failed to stat marker for %s: %w", digest, err)
	}
	return true, time.Since(fi.ModTime()), nil
}

// WriteMarker records that TLSA records for the digest were successfully
// published. Markers are written once and never mutated; a later digest's
// marker supersedes them.
func (s *Store) WriteMarker(digest string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("state: failed to create active-cert dir: %w", err)
	}
	data, err := json.Marshal(marker{Date: TimeFormat(time.Now())})
	if err != nil {
		return fmt.Errorf("state: failed to marshal marker: %w", err)
	}
	if err := os.WriteFile(s.markerPath(digest), data, 0o644); err != nil {
		return fmt.Errorf("state: failed to write marker for %s: %w", digest, err)
	}
	s.logger.Info("Deployment marker written", "digest", digest)
	return nil
}

// SwapMirror repoints the four mirror symlinks at the targets of the live
// bundle's links. Each link is replaced unlink-then-relink, sequentially,
// with the target captured before the unlink. A swap failure leaves earlier
// links already advanced; there is no rollback.
func (s *Store) SwapMirror(liveDir string) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("state: failed to create active-cert dir: %w", err)
	}
	for _, name := range MirrorLinks {
		livePath := filepath.Join(liveDir, name)
		target, err := os.Readlink(livePath)
		if err != nil {
			// Regular file rather than a symlink: mirror the path itself.
			target = livePath
		}
		mirrorPath := filepath.Join(s.dir, name)
		if err := os.Remove(mirrorPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to unlink old mirror entry, continuing", "link", mirrorPath, "error", err)
		}
		if err := os.Symlink(target, mirrorPath); err != nil {
			return fmt.Errorf("state: failed to relink %s -> %s: %w", mirrorPath, target, err)
		}
		s.logger.Info("Mirror link updated", "link", name, "target", target)
	}
	return nil
}
