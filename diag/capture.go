/*
Package diag captures step-by-step evidence of a run and bundles it for
post-mortem.

Failures in here are logged and swallowed: diagnostics must never turn a
working run into a failed one, and when a run IS failing, a capture error must
never mask the original error.
*/
package diag

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/loan-sync/portal"
)

// Capture collects per-step artifacts (screenshot, HTML, body text) under one
// run directory.
type Capture struct {
	dir string
	log *logrus.Entry

	mu  sync.Mutex
	seq int
}

// NewCapture creates a timestamped run directory under baseDir.
func NewCapture(baseDir string, log *logrus.Entry) (*Capture, error) {
	if log == nil {
		log = logrus.WithField("component", "diag")
	}
	dir := filepath.Join(baseDir, time.Now().UTC().Format("run-20060102T150405Z"))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create capture directory: %w", err)
	}
	return &Capture{dir: dir, log: log}, nil
}

// Dir returns the run directory.
func (c *Capture) Dir() string { return c.dir }

// Step saves a screenshot, the page HTML, and the body text for one named
// step. Best-effort; every failure is logged and swallowed.
func (c *Capture) Step(ctx context.Context, surface portal.Surface, step string) {
	if surface == nil {
		return
	}
	prefix := c.nextPrefix(step)

	if png, err := surface.Screenshot(ctx); err == nil {
		c.write(prefix+".png", png)
	} else {
		c.log.WithError(err).WithField("step", step).Debug("screenshot failed")
	}
	if html, err := surface.HTML(ctx); err == nil {
		c.write(prefix+".html", []byte(html))
	}
	if text, err := surface.BodyText(ctx); err == nil {
		c.write(prefix+".txt", []byte(text))
	}
}

// AddText saves an arbitrary named text artifact (error summaries, parsed
// snapshots).
func (c *Capture) AddText(name, content string) {
	c.write(c.nextPrefix(name)+".txt", []byte(content))
}

func (c *Capture) nextPrefix(step string) string {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	return filepath.Join(c.dir, fmt.Sprintf("%03d-%s", seq, step))
}

func (c *Capture) write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o600); err != nil {
		c.log.WithError(err).WithField("path", path).Debug("capture write failed")
	}
}

// Bundle zips everything captured so far into zipPath and returns the path.
// Errors are returned for logging but callers must not let them displace the
// run's own error.
func (c *Capture) Bundle(zipPath string) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("read capture directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("create debug bundle: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, name := range names {
		src, err := os.Open(filepath.Join(c.dir, name))
		if err != nil {
			continue
		}
		dst, err := zw.Create(name)
		if err == nil {
			_, err = io.Copy(dst, src)
		}
		src.Close()
		if err != nil {
			zw.Close()
			return fmt.Errorf("bundle %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize debug bundle: %w", err)
	}
	c.log.WithField("bundle", zipPath).Info("debug bundle written")
	return nil
}
