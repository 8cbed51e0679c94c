package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/folio/internal/database"
)

// BackupMetadata rides along inside every archive.
type BackupMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Database  string    `json:"database"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"` // sha256 of the snapshot file
}

// BackupInfo summarizes a stored archive for listings.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// RotationPolicy bounds how many archives survive a rotation.
type RotationPolicy struct {
	RetentionDays int
	MinKeep       int
}

// BackupService snapshots the database with VACUUM INTO, packs the
// snapshot and its metadata into a tar.gz, and (when a store is
// attached) ships it off-site and rotates old archives.
type BackupService struct {
	db     *database.DB
	store  ObjectStore // nil means local-only
	policy RotationPolicy
	log    zerolog.Logger

	now func() time.Time
}

// NewBackupService creates a backup service. store may be nil for
// local-only snapshots.
func NewBackupService(db *database.DB, store ObjectStore, policy RotationPolicy, log zerolog.Logger) *BackupService {
	if policy.MinKeep <= 0 {
		policy.MinKeep = 3
	}
	return &BackupService{
		db:     db,
		store:  store,
		policy: policy,
		log:    log.With().Str("service", "backup").Logger(),
		now:    time.Now,
	}
}

// CreateArchive snapshots the database and writes a tar.gz into
// destDir. Returns the archive path.
func (s *BackupService) CreateArchive(destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	staging, err := os.MkdirTemp(destDir, "staging-")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	snapshotPath := filepath.Join(staging, s.db.Name()+".db")
	if err := s.db.VacuumInto(snapshotPath); err != nil {
		return "", fmt.Errorf("failed to snapshot database: %w", err)
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat snapshot: %w", err)
	}
	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return "", err
	}

	metadata := BackupMetadata{
		Timestamp: s.now().UTC(),
		Database:  s.db.Name(),
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}
	metadataPath := filepath.Join(staging, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return "", err
	}

	archivePath := filepath.Join(destDir,
		fmt.Sprintf("folio-backup-%s.tar.gz", s.now().Format("2006-01-02-150405")))
	if err := createTarGz(archivePath, []string{snapshotPath, metadataPath}); err != nil {
		return "", err
	}

	s.log.Info().
		Str("archive", archivePath).
		Int64("snapshot_bytes", info.Size()).
		Msg("Created backup archive")
	return archivePath, nil
}

// Run creates an archive, uploads it, rotates remote archives, and
// removes the local copy. Requires an attached store.
func (s *BackupService) Run(ctx context.Context, workDir string) error {
	if s.store == nil {
		return fmt.Errorf("no object store configured")
	}

	archivePath, err := s.CreateArchive(workDir)
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)

	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	if err := s.store.Upload(ctx, filepath.Base(archivePath), f); err != nil {
		return err
	}
	return s.Rotate(ctx)
}

// Rotate deletes remote archives older than the retention window,
// always keeping at least MinKeep regardless of age.
func (s *BackupService) Rotate(ctx context.Context) error {
	if s.store == nil {
		return fmt.Errorf("no object store configured")
	}
	objects, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	if len(objects) <= s.policy.MinKeep {
		return nil
	}

	cutoff := s.now().AddDate(0, 0, -s.policy.RetentionDays)
	deletable := len(objects) - s.policy.MinKeep
	deleted := 0
	for _, obj := range objects {
		if deleted >= deletable {
			break
		}
		if s.policy.RetentionDays > 0 && !obj.LastModified.Before(cutoff) {
			break // oldest-first: nothing past this point is stale
		}
		if err := s.store.Delete(ctx, obj.Key); err != nil {
			return err
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Msg("Rotated old backups")
	}
	return nil
}

// ListRemote summarizes the stored archives, newest last.
func (s *BackupService) ListRemote(ctx context.Context) ([]BackupInfo, error) {
	if s.store == nil {
		return nil, fmt.Errorf("no object store configured")
	}
	objects, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		infos = append(infos, BackupInfo{
			Key:       obj.Key,
			Timestamp: obj.LastModified,
			SizeBytes: obj.SizeBytes,
			AgeHours:  int64(s.now().Sub(obj.LastModified).Hours()),
		})
	}
	return infos, nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	data, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal backup metadata: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write backup metadata: %w", err)
	}
	return nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func createTarGz(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, file := range files {
		if err := addToTar(tw, file); err != nil {
			return err
		}
	}
	return nil
}

func addToTar(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("failed to build tar header for %s: %w", path, err)
	}
	header.Name = filepath.Base(path)
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("failed to write %s into archive: %w", path, err)
	}
	return nil
}
