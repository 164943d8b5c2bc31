// Package versions keeps numbered snapshots of the managed program.
//
// Snapshots live in a backup directory as <stem>_v<N><ext>, where stem and ext
// come from the live program's file name. Retention deletes the lowest
// versions first. The store assumes a single writer.
package versions

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrProgramMissing is returned by Backup when the live program does not exist.
	ErrProgramMissing = errors.New("managed program missing")
	// ErrVersionNotFound is returned when a requested snapshot was never stored or was pruned.
	ErrVersionNotFound = errors.New("version not found")
)

// Snapshot describes one stored version. Source is only populated by Get and Backup.
type Snapshot struct {
	Version   int       `json:"version"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Source    string    `json:"-"`
}

// Store manages the live program file and its snapshots.
type Store struct {
	programPath string
	backupDir   string
	maxVersions int
	stem        string
	ext         string
	pattern     *regexp.Regexp
	logger      *zap.Logger
}

// NewStore creates the backup directory if needed. maxVersions <= 0 disables pruning.
func NewStore(programPath, backupDir string, maxVersions int, logger *zap.Logger) (*Store, error) {
	if programPath == "" {
		return nil, errors.New("program path is required")
	}
	if backupDir == "" {
		return nil, errors.New("backup directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	base := filepath.Base(programPath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	return &Store{
		programPath: programPath,
		backupDir:   backupDir,
		maxVersions: maxVersions,
		stem:        stem,
		ext:         ext,
		pattern:     regexp.MustCompile("^" + regexp.QuoteMeta(stem) + `_v(\d+)` + regexp.QuoteMeta(ext) + "$"),
		logger:      logger,
	}, nil
}

// ProgramPath returns the live program path.
func (s *Store) ProgramPath() string { return s.programPath }

// BackupDir returns the snapshot directory.
func (s *Store) BackupDir() string { return s.backupDir }

// MaxVersions returns the retention limit.
func (s *Store) MaxVersions() int { return s.maxVersions }

// SnapshotPath returns where version would be stored.
func (s *Store) SnapshotPath(version int) string {
	return filepath.Join(s.backupDir, fmt.Sprintf("%s_v%d%s", s.stem, version, s.ext))
}

// Exists reports whether the live program is present.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.programPath)
	return err == nil && info.Mode().IsRegular()
}

// ModTime returns when the live program was last written.
func (s *Store) ModTime() (time.Time, error) {
	info, err := os.Stat(s.programPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrProgramMissing, s.programPath)
		}
		return time.Time{}, fmt.Errorf("stat program: %w", err)
	}
	return info.ModTime(), nil
}

// Read returns the live program source.
func (s *Store) Read() (string, error) {
	data, err := os.ReadFile(s.programPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrProgramMissing, s.programPath)
		}
		return "", fmt.Errorf("read program: %w", err)
	}
	return string(data), nil
}

// Write replaces the live program with source.
func (s *Store) Write(source string) error {
	return writeFileAtomic(s.programPath, []byte(source))
}

// Backup copies the live program into the snapshot for version and then
// applies retention.
func (s *Store) Backup(version int) (Snapshot, error) {
	if version < 1 {
		return Snapshot{}, fmt.Errorf("invalid version %d", version)
	}
	data, err := os.ReadFile(s.programPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrProgramMissing, s.programPath)
		}
		return Snapshot{}, fmt.Errorf("read program: %w", err)
	}

	path := s.SnapshotPath(version)
	if err := writeFileAtomic(path, data); err != nil {
		return Snapshot{}, fmt.Errorf("write snapshot v%d: %w", version, err)
	}

	snap := Snapshot{Version: version, Path: path, Size: int64(len(data)), CreatedAt: time.Now(), Source: string(data)}
	if info, err := os.Stat(path); err == nil {
		snap.CreatedAt = info.ModTime()
	}
	s.logger.Info("Backup created", zap.Int("version", version), zap.String("path", path))

	if _, err := s.Prune(); err != nil {
		s.logger.Warn("Retention failed", zap.Error(err))
	}
	return snap, nil
}

// Prune deletes the lowest stored versions until at most maxVersions remain
// and returns the deleted versions.
func (s *Store) Prune() ([]int, error) {
	if s.maxVersions <= 0 {
		return nil, nil
	}
	stored, err := s.versions()
	if err != nil {
		return nil, err
	}
	if len(stored) <= s.maxVersions {
		return nil, nil
	}

	excess := stored[:len(stored)-s.maxVersions]
	var deleted []int
	var errs []error
	for _, v := range excess {
		if err := os.Remove(s.SnapshotPath(v)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove v%d: %w", v, err))
			continue
		}
		deleted = append(deleted, v)
		s.logger.Debug("Pruned snapshot", zap.Int("version", v))
	}
	return deleted, errors.Join(errs...)
}

// Rollback restores the snapshot for version over the live program.
func (s *Store) Rollback(version int) error {
	data, err := os.ReadFile(s.SnapshotPath(version))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: v%d", ErrVersionNotFound, version)
		}
		return fmt.Errorf("read snapshot v%d: %w", version, err)
	}
	if err := writeFileAtomic(s.programPath, data); err != nil {
		return fmt.Errorf("restore v%d: %w", version, err)
	}
	s.logger.Info("Rolled back", zap.Int("version", version))
	return nil
}

// CurrentVersion returns one more than the highest stored snapshot, or 1.
func (s *Store) CurrentVersion() int {
	stored, err := s.versions()
	if err != nil || len(stored) == 0 {
		return 1
	}
	return stored[len(stored)-1] + 1
}

// List returns the stored snapshots ordered by version. Source is left empty.
func (s *Store) List() ([]Snapshot, error) {
	stored, err := s.versions()
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(stored))
	for _, v := range stored {
		path := s.SnapshotPath(v)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		out = append(out, Snapshot{Version: v, Path: path, Size: info.Size(), CreatedAt: info.ModTime()})
	}
	return out, nil
}

// Get loads one snapshot including its source.
func (s *Store) Get(version int) (Snapshot, error) {
	path := s.SnapshotPath(version)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, fmt.Errorf("%w: v%d", ErrVersionNotFound, version)
		}
		return Snapshot{}, fmt.Errorf("read snapshot v%d: %w", version, err)
	}
	snap := Snapshot{Version: version, Path: path, Size: int64(len(data)), Source: string(data)}
	if info, err := os.Stat(path); err == nil {
		snap.CreatedAt = info.ModTime()
	}
	return snap, nil
}

// versions scans the backup directory, ignoring files that are not snapshots
// of this program.
func (s *Store) versions() ([]int, error) {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan backups: %w", err)
	}
	var out []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := s.pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil || v < 1 {
			continue
		}
		out = append(out, v)
	}
	sort.Ints(out)
	return out, nil
}

// writeFileAtomic writes through a temp file in the target directory and
// renames it into place, keeping the original mode when the target exists.
func writeFileAtomic(path string, data []byte) error {
	mode := fs.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
