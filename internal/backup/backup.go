package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Rajchodisetti/session-trader/internal/alerts"
	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/observ"
)

const prefix = "trader-backup-"

type Result struct {
	Path    string
	Files   int
	Bytes   int64
	Missing []string
	Pruned  []string
}

// Archiver writes a gzipped tar of the state files into a backup directory
// and keeps only the newest KeepLast archives.
type Archiver struct {
	cfg config.Backup
}

func New(cfg config.Backup) *Archiver { return &Archiver{cfg: cfg} }

// Run creates one archive stamped with now. Missing sources are skipped and
// reported; an archive with no files at all is an error.
func (a *Archiver) Run(ctx context.Context, now time.Time) (Result, error) {
	var res Result
	if err := os.MkdirAll(a.cfg.Dir, 0755); err != nil {
		return res, fmt.Errorf("create backup dir: %w", err)
	}

	name := prefix + now.UTC().Format("20060102T150405Z") + ".tar.gz"
	final := filepath.Join(a.cfg.Dir, name)
	tmp, err := os.CreateTemp(a.cfg.Dir, "."+name+".tmp-*")
	if err != nil {
		return res, fmt.Errorf("create temp archive: %w", err)
	}
	defer os.Remove(tmp.Name())

	gz := gzip.NewWriter(tmp)
	tw := tar.NewWriter(gz)
	for _, src := range a.cfg.Sources {
		if err := ctx.Err(); err != nil {
			tmp.Close()
			return res, err
		}
		n, err := addFile(tw, src)
		if errors.Is(err, os.ErrNotExist) {
			res.Missing = append(res.Missing, src)
			continue
		}
		if err != nil {
			tmp.Close()
			return res, fmt.Errorf("archive %s: %w", src, err)
		}
		res.Files++
		res.Bytes += n
	}
	if err := tw.Close(); err != nil {
		tmp.Close()
		return res, err
	}
	if err := gz.Close(); err != nil {
		tmp.Close()
		return res, err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return res, err
	}
	if err := tmp.Close(); err != nil {
		return res, err
	}
	if res.Files == 0 {
		return res, fmt.Errorf("nothing to back up: all %d sources missing", len(a.cfg.Sources))
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return res, fmt.Errorf("rename archive: %w", err)
	}
	res.Path = final

	pruned, err := a.prune()
	res.Pruned = pruned
	if err != nil {
		return res, fmt.Errorf("prune backups: %w", err)
	}
	observ.Log("backup_written", map[string]any{"path": final, "files": res.Files, "bytes": res.Bytes, "missing": len(res.Missing), "pruned": len(pruned)})
	return res, nil
}

func addFile(tw *tar.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	hdr.Name = filepath.ToSlash(filepath.Clean(path))
	hdr.Name = strings.TrimPrefix(hdr.Name, "/")
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, err
	}
	return io.Copy(tw, f)
}

// prune removes all but the newest KeepLast archives. Names sort by time.
func (a *Archiver) prune() ([]string, error) {
	if a.cfg.KeepLast <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".tar.gz") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) <= a.cfg.KeepLast {
		return nil, nil
	}
	var pruned []string
	for _, n := range names[:len(names)-a.cfg.KeepLast] {
		if err := os.Remove(filepath.Join(a.cfg.Dir, n)); err != nil {
			return pruned, err
		}
		pruned = append(pruned, n)
	}
	return pruned, nil
}

// Job adapts the archiver to a weekly trigger that reports the outcome.
func (a *Archiver) Job(n alerts.Notifier) func(context.Context, time.Time) error {
	return func(ctx context.Context, now time.Time) error {
		res, err := a.Run(ctx, now)
		if err != nil {
			return err
		}
		fields := []alerts.Field{
			{Title: "Archive", Value: filepath.Base(res.Path)},
			{Title: "Files", Value: fmt.Sprintf("%d (%d bytes)", res.Files, res.Bytes)},
		}
		sev := alerts.Info
		if len(res.Missing) > 0 {
			sev = alerts.Warning
			fields = append(fields, alerts.Field{Title: "Missing", Value: strings.Join(res.Missing, ", ")})
		}
		return n.Notify(ctx, alerts.Message{
			Kind:     alerts.KindBackup,
			Severity: sev,
			Title:    "Weekly backup written",
			Fields:   fields,
			At:       now,
		})
	}
}
