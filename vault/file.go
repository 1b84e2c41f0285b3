package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/emberward/residentd/interfaces"
)

// FileVault implements interfaces.BlobStore on the local filesystem. Each
// resident's blob lives in a single file named by the resident id; writes go
// to a temp file in the same directory followed by a rename, which is the
// atomic-replace guarantee the run engine's Persist step relies on.
type FileVault struct {
	baseDir string
	log     *slog.Logger
}

// NewFileVault creates a file-backed vault rooted at baseDir, creating the
// directory if needed. Blob files are written 0600.
func NewFileVault(baseDir string, log *slog.Logger) (*FileVault, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &FileVault{baseDir: baseDir, log: log}, nil
}

// Read retrieves a resident's blob. Returns ErrBlobNotFound if the file does
// not exist.
func (v *FileVault) Read(ctx context.Context, id interfaces.ResidentID) (*interfaces.EncryptedBlob, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(v.blobPath(id))
	if os.IsNotExist(err) {
		return nil, interfaces.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	var blob interfaces.EncryptedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, fmt.Errorf("failed to decode blob: %w", err)
	}

	v.log.Debug("Read blob from file vault",
		slog.String("resident", id.String()),
		slog.Int("size", len(data)))

	return &blob, nil
}

// Write atomically replaces the resident's blob.
func (v *FileVault) Write(ctx context.Context, blob *interfaces.EncryptedBlob) error {
	if err := blob.ResidentID.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to encode blob: %w", err)
	}

	final := v.blobPath(blob.ResidentID)
	tmp, err := os.CreateTemp(v.baseDir, "."+blob.ResidentID.String()+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp blob: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp blob: %w", err)
	}

	// Rename is the commit point: either the old blob or the new one is
	// visible, never a partial write.
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace blob: %w", err)
	}

	v.log.Debug("Wrote blob to file vault",
		slog.String("resident", blob.ResidentID.String()),
		slog.Int("size", len(data)))

	return nil
}

// Delete removes the resident's blob file. Missing files are not an error.
func (v *FileVault) Delete(ctx context.Context, id interfaces.ResidentID) error {
	if err := id.Validate(); err != nil {
		return err
	}

	err := os.Remove(v.blobPath(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	v.log.Info("Deleted blob from file vault", slog.String("resident", id.String()))
	return nil
}

// Exists reports whether a blob file is present for the resident.
func (v *FileVault) Exists(ctx context.Context, id interfaces.ResidentID) (bool, error) {
	if err := id.Validate(); err != nil {
		return false, err
	}

	_, err := os.Stat(v.blobPath(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// Name returns an identifier for logging.
func (v *FileVault) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(v.baseDir))
}

func (v *FileVault) blobPath(id interfaces.ResidentID) string {
	return filepath.Join(v.baseDir, id.String()+".blob")
}
