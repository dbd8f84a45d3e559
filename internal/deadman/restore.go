package deadman

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

type entry struct {
	key  string
	data []byte
}

// restore writes every snapshot file over the live store. The archive is
// fully read before the first write so a corrupt snapshot changes nothing.
// The marker and status keys are never written: the marker belongs to the
// operator, and refreshing it would disarm the next tick.
func (w *Watchdog) restore(ctx context.Context) (restored, pruned int, err error) {
	archive, err := w.recovery.Get(ctx, w.cfg.SnapshotKey)
	if err != nil {
		return 0, 0, fmt.Errorf("get snapshot: %w", err)
	}
	entries, err := w.readArchive(archive)
	if err != nil {
		return 0, 0, err
	}

	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if w.reserved(e.key) {
			w.logger.Debug("Skipping reserved snapshot entry", zap.String("key", e.key))
			continue
		}
		if err := ctx.Err(); err != nil {
			return restored, 0, fmt.Errorf("restore interrupted: %w", err)
		}
		if err := w.live.Put(ctx, e.key, contentType(e.key), e.data); err != nil {
			return restored, 0, fmt.Errorf("put %s: %w", e.key, err)
		}
		keep[e.key] = struct{}{}
		restored++
	}

	if w.cfg.Prune {
		pruned, err = w.prune(ctx, keep)
		if err != nil {
			return restored, pruned, err
		}
	}
	return restored, pruned, nil
}

func (w *Watchdog) readArchive(archive []byte) ([]entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("open snapshot archive: %w", err)
	}
	entries := make([]entry, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		key, ok := sanitizeKey(f.Name)
		if !ok {
			w.logger.Warn("Skipping unsafe snapshot entry", zap.String("name", f.Name))
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open snapshot entry %s: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		closeErr := rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read snapshot entry %s: %w", f.Name, err)
		}
		if closeErr != nil {
			return nil, fmt.Errorf("close snapshot entry %s: %w", f.Name, closeErr)
		}
		entries = append(entries, entry{key: key, data: data})
	}
	if len(entries) == 0 {
		return nil, errors.New("snapshot archive has no files")
	}
	return entries, nil
}

// prune removes live keys missing from the snapshot. The marker and status
// keys are never pruned so the watchdog stays armed.
func (w *Watchdog) prune(ctx context.Context, keep map[string]struct{}) (int, error) {
	objects, err := w.live.List(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("list live objects: %w", err)
	}
	pruned := 0
	for _, obj := range objects {
		if _, ok := keep[obj.Key]; ok || w.reserved(obj.Key) {
			continue
		}
		if err := w.live.Delete(ctx, obj.Key); err != nil {
			return pruned, fmt.Errorf("delete %s: %w", obj.Key, err)
		}
		pruned++
	}
	return pruned, nil
}

func (w *Watchdog) reserved(key string) bool {
	return key == w.cfg.MarkerKey || (w.cfg.StatusKey != "" && key == w.cfg.StatusKey)
}

func sanitizeKey(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	for _, segment := range strings.Split(name, "/") {
		if segment == ".." {
			return "", false
		}
	}
	key := strings.TrimPrefix(path.Clean("/"+name), "/")
	if key == "" {
		return "", false
	}
	return key, true
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
