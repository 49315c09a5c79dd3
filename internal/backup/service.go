package backup

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
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/taipei-trader/internal/domain"
)

const (
	archivePrefix    = "trader-backup-"
	archiveTimestamp = "2006-01-02-150405"
	minBackupsToKeep = 3
)

// DatabaseSource produces a consistent copy of the database file.
type DatabaseSource interface {
	BackupTo(destPath string) error
}

// ObjectStore is the slice of the S3 client the service uses.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// EventRecorder appends to the audit trail.
type EventRecorder interface {
	Create(e *domain.Event) error
}

// Metadata is the checksum sheet packed next to the database copy.
type Metadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata describes one file inside the archive.
type FileMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one stored archive for listing and rotation.
type BackupInfo struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
}

// Service runs the scheduled database backup.
type Service struct {
	store         ObjectStore
	db            DatabaseSource
	stagingDir    string
	retentionDays int
	events        EventRecorder
	log           zerolog.Logger
	now           func() time.Time
}

// Deps wires a Service. Events is optional.
type Deps struct {
	Store         ObjectStore
	DB            DatabaseSource
	StagingDir    string
	RetentionDays int
	Events        EventRecorder
	Log           zerolog.Logger
}

func New(d Deps) *Service {
	if d.StagingDir == "" {
		d.StagingDir = os.TempDir()
	}
	return &Service{
		store:         d.Store,
		db:            d.DB,
		stagingDir:    d.StagingDir,
		retentionDays: d.RetentionDays,
		events:        d.Events,
		log:           d.Log.With().Str("component", "backup").Logger(),
		now:           time.Now,
	}
}

// Run snapshots the database, archives it with its checksum sheet,
// uploads the archive and rotates old ones. Rotation failures only
// warn; the upload already succeeded.
func (s *Service) Run(ctx context.Context) error {
	start := s.now()
	staging := filepath.Join(s.stagingDir, "backup-staging")
	if err := os.MkdirAll(staging, 0755); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	dbCopy := filepath.Join(staging, "trader.db")
	if err := s.db.BackupTo(dbCopy); err != nil {
		return fmt.Errorf("failed to snapshot database: %w", err)
	}

	info, err := os.Stat(dbCopy)
	if err != nil {
		return fmt.Errorf("failed to stat database copy: %w", err)
	}
	checksum, err := fileChecksum(dbCopy)
	if err != nil {
		return fmt.Errorf("failed to checksum database copy: %w", err)
	}

	meta := Metadata{
		Timestamp: start.UTC(),
		Files: []FileMetadata{
			{Name: "trader.db", SizeBytes: info.Size(), Checksum: checksum},
		},
	}
	metaPath := filepath.Join(staging, "backup-metadata.json")
	if err := writeMetadata(metaPath, meta); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := archivePrefix + start.UTC().Format(archiveTimestamp) + ".tar.gz"
	archivePath := filepath.Join(staging, archiveName)
	if err := createArchive(archivePath, []string{dbCopy, metaPath}); err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()
	if err := s.store.Upload(ctx, archiveName, archive); err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}

	archiveInfo, _ := os.Stat(archivePath)
	var sizeKB int64
	if archiveInfo != nil {
		sizeKB = archiveInfo.Size() / 1024
	}
	s.log.Info().
		Str("archive", archiveName).
		Int64("size_kb", sizeKB).
		Dur("elapsed", s.now().Sub(start)).
		Msg("Database backup uploaded")
	s.recordEvent(fmt.Sprintf("database backup uploaded: %s (%d KB)", archiveName, sizeKB))

	if err := s.rotate(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return nil
}

// ListBackups returns stored archives newest first. Keys that do not
// match the archive naming are skipped.
func (s *Service) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if !strings.HasPrefix(obj.Key, archivePrefix) || !strings.HasSuffix(obj.Key, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(obj.Key, archivePrefix), ".tar.gz")
		ts, err := time.Parse(archiveTimestamp, stamp)
		if err != nil {
			s.log.Warn().Str("key", obj.Key).Msg("Skipping backup with unparsable timestamp")
			continue
		}
		backups = append(backups, BackupInfo{Key: obj.Key, Timestamp: ts, SizeBytes: obj.Size})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// rotate deletes archives past the retention window, always keeping
// the newest minBackupsToKeep. Retention zero keeps everything.
func (s *Service) rotate(ctx context.Context) error {
	if s.retentionDays <= 0 {
		return nil
	}
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -s.retentionDays)

	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep || !b.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.Key); err != nil {
			s.log.Error().Err(err).Str("key", b.Key).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("key", b.Key).Time("timestamp", b.Timestamp).Msg("Deleted old backup")
		deleted++
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("Backup rotation completed")
	}
	return nil
}

func (s *Service) recordEvent(msg string) {
	if s.events == nil {
		return
	}
	if err := s.events.Create(&domain.Event{
		Type:      domain.EventInfo,
		Category:  "backup",
		Component: "backup",
		Message:   msg,
	}); err != nil {
		s.log.Error().Err(err).Msg("Failed to record backup event")
	}
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil)), nil
}

func writeMetadata(path string, meta Metadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(meta)
}

func createArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	for _, path := range files {
		if err := addFile(tw, path); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(path), err)
		}
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
