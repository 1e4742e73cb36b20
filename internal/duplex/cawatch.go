package duplex

import (
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CAWatcher watches a CA certificate bundle file for changes and keeps
// an up-to-date *x509.CertPool available for new dials, so a rotated
// CA cert takes effect without restarting the process. Adapted from
// the teacher's internal/config.Watcher (same fsnotify.Watcher +
// debounce-timer reload shape), narrowed from a whole YAML config file
// to one PEM bundle.
type CAWatcher struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher
	pool    atomic.Value // holds *x509.CertPool
	stopCh  chan struct{}
}

// NewCAWatcher loads path once and starts watching it for further
// changes.
func NewCAWatcher(path string, log *slog.Logger) (*CAWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("duplex: creating CA file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("duplex: watching CA file %s: %w", path, err)
	}

	cw := &CAWatcher{path: path, log: log, watcher: w, stopCh: make(chan struct{})}
	if err := cw.reload(); err != nil {
		w.Close()
		return nil, err
	}
	go cw.run()
	return cw, nil
}

// Pool returns the most recently loaded cert pool. Lock-free.
func (cw *CAWatcher) Pool() *x509.CertPool {
	return cw.pool.Load().(*x509.CertPool)
}

func (cw *CAWatcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := cw.reload(); err != nil {
						cw.log.Error("duplex: CA bundle reload failed", "error", err)
					}
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Error("duplex: CA watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *CAWatcher) reload() error {
	pem, err := os.ReadFile(cw.path)
	if err != nil {
		return fmt.Errorf("duplex: reading CA bundle %s: %w", cw.path, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("duplex: no valid certificates found in %s", cw.path)
	}
	cw.pool.Store(pool)
	cw.log.Info("duplex: CA bundle reloaded", "path", cw.path)
	return nil
}

// Close stops the watcher.
func (cw *CAWatcher) Close() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
