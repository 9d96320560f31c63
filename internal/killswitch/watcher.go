package killswitch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// Watcher defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultKillFile     = "/tmp/tradeguard_kill_switch"
	EnvActive           = "KILL_SWITCH_ACTIVE"
)

// WatchConfig configures the out-of-band activation sources.
type WatchConfig struct {
	// File is the sentinel path. Its presence triggers the switch and its
	// contents become the reason.
	File         string
	PollInterval time.Duration
	// Getenv reads KILL_SWITCH_ACTIVE. Defaults to os.Getenv.
	Getenv func(string) string
}

func (c WatchConfig) withDefaults() WatchConfig {
	if c.File == "" {
		c.File = DefaultKillFile
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Getenv == nil {
		c.Getenv = os.Getenv
	}
	return c
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// CheckSources runs one pass over the environment variable and the
// sentinel file.
func (s *Switch) CheckSources(ctx context.Context, cfg WatchConfig) {
	cfg = cfg.withDefaults()
	if s.IsActive() {
		return
	}
	if truthy(cfg.Getenv(EnvActive)) {
		s.Trigger(ctx, "Environment variable "+EnvActive+" detected", MethodEnvironment, "system")
		return
	}
	s.checkFile(ctx, cfg.File)
}

func (s *Switch) checkFile(ctx context.Context, path string) {
	if s.IsActive() {
		return
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Error("failed to read kill switch file", "path", path, "error", err)
		}
		return
	}
	reason := strings.TrimSpace(string(b))
	if reason == "" {
		reason = "Kill switch file detected"
	}
	s.Trigger(ctx, "Kill file detected: "+reason, MethodExternalSignal, "system")
}

// Watch polls the sources every PollInterval and reacts to the sentinel
// file immediately through fsnotify. It blocks until ctx is done.
func (s *Switch) Watch(ctx context.Context, cfg WatchConfig) error {
	cfg = cfg.withDefaults()
	if !s.watching.CompareAndSwap(false, true) {
		return fmt.Errorf("killswitch: watcher already running")
	}
	defer s.watching.Store(false)

	s.safeCheck(ctx, cfg)

	var events <-chan fsnotify.Event
	var errs <-chan error
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("kill switch file notifications unavailable, polling only", "error", err)
	} else {
		defer func() { _ = fw.Close() }()
		if err := fw.Add(filepath.Dir(cfg.File)); err != nil {
			s.logger.Warn("kill switch file notifications unavailable, polling only",
				"dir", filepath.Dir(cfg.File), "error", err)
		} else {
			events, errs = fw.Events, fw.Errors
		}
	}

	s.logger.Info("kill switch watcher started",
		"file", cfg.File, "interval", cfg.PollInterval.String(), "notify", events != nil)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	target := filepath.Clean(cfg.File)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.safeCheck(ctx, cfg)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) == target && ev.Has(fsnotify.Create|fsnotify.Write) {
				s.checkFile(ctx, cfg.File)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("kill switch file watcher error", "error", err)
		}
	}
}

// Watching reports whether the watcher loop is running.
func (s *Switch) Watching() bool {
	return s.watching.Load()
}

func (s *Switch) safeCheck(ctx context.Context, cfg WatchConfig) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in kill switch watcher", "panic", fmt.Sprint(r))
		}
	}()
	s.CheckSources(ctx, cfg)
}

// ScheduleMaintenance enters maintenance on every tick of spec (standard
// five-field cron) for duration. The caller stops the returned scheduler.
func (s *Switch) ScheduleMaintenance(ctx context.Context, spec string, duration time.Duration) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := s.ScheduledMaintenance(ctx, "scheduled maintenance window", duration); err != nil {
			s.logger.Warn("scheduled maintenance skipped", "state", string(s.State()), "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("killswitch: invalid maintenance schedule %q: %w", spec, err)
	}
	c.Start()
	s.logger.Info("maintenance schedule registered", "schedule", spec, "duration", duration.String())
	return c, nil
}
