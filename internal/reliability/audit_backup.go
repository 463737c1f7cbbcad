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
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/database"
)

const (
	archivePrefix    = "autopilot-ledger-"
	archiveTimestamp = "2006-01-02-150405"
	minBackupsToKeep = 3
)

// AuditBackupService archives the ledger database to an S3-compatible
// bucket. The ledger is the audit trail of every decision and transaction;
// losing it loses the ability to answer "why did the engine do that".
type AuditBackupService struct {
	store   *ObjectStore
	dbs     map[string]*database.DB
	dataDir string
	log     zerolog.Logger
}

// BackupMetadata describes the databases inside one archive.
type BackupMetadata struct {
	Timestamp time.Time          `json:"timestamp"`
	Databases []DatabaseMetadata `json:"databases"`
}

// DatabaseMetadata describes one database file in a backup.
type DatabaseMetadata struct {
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one archive stored in the bucket.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// NewAuditBackupService creates the backup service for the given databases.
func NewAuditBackupService(store *ObjectStore, dbs map[string]*database.DB, dataDir string, log zerolog.Logger) *AuditBackupService {
	return &AuditBackupService{
		store:   store,
		dbs:     dbs,
		dataDir: dataDir,
		log:     log.With().Str("service", "audit_backup").Logger(),
	}
}

// CreateAndUpload snapshots every database, archives them with metadata,
// and uploads the archive.
func (s *AuditBackupService) CreateAndUpload(ctx context.Context) error {
	start := time.Now()

	stagingDir := filepath.Join(s.dataDir, "backup-staging")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Databases: make([]DatabaseMetadata, 0, len(s.dbs)),
	}

	var members []string
	for name, db := range s.dbs {
		snapshotPath := filepath.Join(stagingDir, name+".db")

		// VACUUM INTO produces a consistent single-file snapshot even
		// with WAL mode active.
		if _, err := db.Conn().ExecContext(ctx, "VACUUM INTO ?", snapshotPath); err != nil {
			return fmt.Errorf("snapshot %s: %w", name, err)
		}

		info, err := os.Stat(snapshotPath)
		if err != nil {
			return fmt.Errorf("stat %s snapshot: %w", name, err)
		}
		checksum, err := checksumFile(snapshotPath)
		if err != nil {
			return fmt.Errorf("checksum %s snapshot: %w", name, err)
		}

		metadata.Databases = append(metadata.Databases, DatabaseMetadata{
			Name:      name,
			Filename:  name + ".db",
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
		members = append(members, name+".db")
	}

	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	members = append(members, "backup-metadata.json")

	archiveName := archivePrefix + time.Now().Format(archiveTimestamp) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, stagingDir, members); err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archiveFile.Close()

	if err := s.store.Upload(ctx, archiveName, archiveFile); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}

	info, _ := os.Stat(archivePath)
	var sizeKB int64
	if info != nil {
		sizeKB = info.Size() / 1024
	}
	s.log.Info().
		Dur("duration_ms", time.Since(start)).
		Str("archive", archiveName).
		Int64("size_kb", sizeKB).
		Msg("Audit backup completed")
	return nil
}

// ListBackups returns stored archives, newest first.
func (s *AuditBackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.store.List(ctx, archivePrefix)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		filename := *obj.Key
		if !strings.HasSuffix(filename, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(filename, archivePrefix), ".tar.gz")
		ts, err := time.Parse(archiveTimestamp, stamp)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("Unparseable backup filename")
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{
			Filename:  filename,
			Timestamp: ts,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes archives past the retention period while always
// keeping the newest three.
func (s *AuditBackupService) RotateOldBackups(ctx context.Context, retentionDays int) error {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep || retentionDays <= 0 {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Msg("Old audit backups rotated out")
	}
	return nil
}

func checksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

func createArchive(archivePath, sourceDir string, members []string) error {
	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer archiveFile.Close()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer gzipWriter.Close()

	tarWriter := tar.NewWriter(gzipWriter)
	defer tarWriter.Close()

	for _, member := range members {
		if err := addToArchive(tarWriter, filepath.Join(sourceDir, member), member); err != nil {
			return err
		}
	}
	return nil
}

func addToArchive(tw *tar.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header for %s: %w", name, err)
	}
	header.Name = name

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header for %s: %w", name, err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("write %s into archive: %w", name, err)
	}
	return nil
}
