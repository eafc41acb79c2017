package hypermangle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// HostObserver is told the served hostname set after every successful
// reload. [LifecycleManager] implements it.
type HostObserver interface {
	SetHosts(hosts []string)
}

// ReloadStatus describes the outcome of the most recent reload attempt.
type ReloadStatus struct {
	// Time is when the last attempt finished, successful or not.
	Time time.Time `json:"time"`

	// Source is file, control, watch or signal.
	Source string `json:"source"`

	Version   uint64 `json:"version"`
	Digest    string `json:"digest,omitempty"`
	RuleCount int    `json:"rule_count"`

	// Unchanged is set when the file matched the active table and
	// nothing was published.
	Unchanged bool `json:"unchanged,omitempty"`

	Error string `json:"error,omitempty"`
}

// Reloader is the single path through which rule tables are replaced,
// whether from the rule file, the control channel, the file watcher or
// SIGHUP. Reloads are serialized.
type Reloader struct {
	Store *RuleStore

	// Path is the rule file read by Reload and written by Apply.
	Path string

	Hosts   HostObserver
	Metrics *Metrics
	Logger  *slog.Logger

	mu   sync.Mutex
	last ReloadStatus
}

// NewReloader creates a Reloader for the rule file at path.
func NewReloader(store *RuleStore, path string) *Reloader {
	return &Reloader{
		Store:  store,
		Path:   path,
		Logger: slog.Default(),
	}
}

// Reload re-reads the rule file and publishes it. A file identical to the
// active table is not republished.
func (r *Reloader) Reload(ctx context.Context, source string) (ReloadStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return r.last, err
	}

	snap, err := LoadSnapshot(r.Path)
	if err != nil {
		return r.fail(source, err)
	}

	if cur := r.Store.Load(); cur.Version > 0 && cur.Digest == snap.Digest() {
		r.last = ReloadStatus{
			Time:      time.Now(),
			Source:    source,
			Version:   cur.Version,
			Digest:    digestString(cur.Digest),
			RuleCount: cur.Len(),
			Unchanged: true,
		}
		r.Logger.Debug("rule file unchanged", "path", r.Path, "version", cur.Version)
		return r.last, nil
	}

	return r.publish(source, r.Path, snap)
}

// Apply validates data, publishes it and then writes it to the rule file
// so that the change survives a restart. The payload gets the same
// validation as a file reload.
func (r *Reloader) Apply(ctx context.Context, source string, data []byte) (ReloadStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return r.last, err
	}

	snap, err := ParseSnapshot(data)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Source = source
		}
		return r.fail(source, err)
	}

	st, err := r.publish(source, source, snap)
	if err != nil {
		return st, err
	}

	if r.Path != "" {
		if err := writeFileAtomic(r.Path, data, 0644); err != nil {
			r.Logger.Error("persist rule file", "path", r.Path, "error", err)
			r.last.Error = fmt.Sprintf("applied but not persisted: %v", err)
			return r.last, fmt.Errorf("persist rule file: %w", err)
		}
	}
	return st, nil
}

// LastReload returns the status of the most recent attempt.
func (r *Reloader) LastReload() ReloadStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// publish replaces the active table. origin names the document in a
// rejected reload's ConfigError.
func (r *Reloader) publish(source, origin string, snap *ConfigSnapshot) (ReloadStatus, error) {
	table, err := r.Store.Publish(snap)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) && ce.Source == "" {
			ce.Source = origin
		}
		return r.fail(source, err)
	}

	r.last = ReloadStatus{
		Time:      time.Now(),
		Source:    source,
		Version:   table.Version,
		Digest:    digestString(table.Digest),
		RuleCount: table.Len(),
	}
	if r.Metrics != nil {
		r.Metrics.RecordReload()
		r.Metrics.SetRuleTable(table.Len(), table.Version)
	}
	if r.Hosts != nil {
		r.Hosts.SetHosts(table.Hosts)
	}

	r.Logger.Info("rules reloaded",
		"source", source,
		"version", table.Version,
		"rules", table.Len(),
		"hosts", len(table.Hosts),
	)
	return r.last, nil
}

func (r *Reloader) fail(source string, err error) (ReloadStatus, error) {
	cur := r.Store.Load()
	r.last = ReloadStatus{
		Time:      time.Now(),
		Source:    source,
		Version:   cur.Version,
		Digest:    digestString(cur.Digest),
		RuleCount: cur.Len(),
		Error:     err.Error(),
	}
	if r.Metrics != nil {
		r.Metrics.RecordReloadError()
	}
	r.Logger.Error("reload rejected, keeping active rules",
		"source", source,
		"version", cur.Version,
		"error", err,
	)
	return r.last, err
}

func digestString(d uint64) string {
	if d == 0 {
		return ""
	}
	return strconv.FormatUint(d, 16)
}

// SIGHUPReloader watches for SIGHUP signals and triggers a reload.
// Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher and waits for it to exit.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// Done is closed once the watcher has exited.
func (r *SIGHUPReloader) Done() <-chan struct{} {
	return r.done
}

// WatchSIGHUP calls reload on every SIGHUP until ctx is cancelled or
// Cancel is called. The signal handler is installed before WatchSIGHUP
// returns. Reload errors are logged and do not stop the watcher.
func WatchSIGHUP(ctx context.Context, reload func(ctx context.Context) error, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading")
				if err := reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
				}
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
