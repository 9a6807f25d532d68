package server

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/statcache/internal/statcache"
	gcsstorage "github.com/JakeFAU/statcache/internal/storage/gcs"
)

const snapshotContentType = "application/json"

// ExportSnapshot writes the current keyspace as a snapshot document to dest,
// which is either a local path (optionally file://) or a gs:// URI. It
// returns the location written and the number of entries.
func (a *App) ExportSnapshot(ctx context.Context, dest string) (string, int, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return "", 0, fmt.Errorf("export destination is required")
	}
	entries, err := a.store.LoadAll(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("load cache: %w", err)
	}
	data, err := statcache.EncodeDocument(entries)
	if err != nil {
		return "", 0, fmt.Errorf("encode snapshot: %w", err)
	}

	var location string
	if strings.HasPrefix(dest, "gs://") {
		location, err = a.exportGCS(ctx, dest, data)
	} else {
		location, err = exportFile(strings.TrimPrefix(dest, "file://"), data)
	}
	if err != nil {
		return "", 0, err
	}
	a.logger.Info("snapshot exported", zap.String("location", location), zap.Int("keys", len(entries)))
	return location, len(entries), nil
}

func (a *App) exportGCS(ctx context.Context, uri string, data []byte) (string, error) {
	bucket, object, err := gcsstorage.ParseURI(uri)
	if err != nil {
		return "", err
	}
	if err := a.ensureStorageClient(ctx); err != nil {
		return "", err
	}
	blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{Bucket: bucket})
	if err != nil {
		return "", fmt.Errorf("gcs blob store init failed: %w", err)
	}
	location, err := blobs.PutObject(ctx, object, snapshotContentType, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	return location, nil
}

// exportFile writes through a temp file and rename so readers never see a
// partial document.
func exportFile(path string, data []byte) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".export-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename snapshot: %w", err)
	}
	return path, nil
}
