package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Source identifies where a configuration value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceRuntime Source = "runtime"
	SourceImport  Source = "import"
)

// ChangeEvent describes a single observed configuration change.
type ChangeEvent struct {
	Path      string    `json:"path"`
	OldValue  any       `json:"old_value"`
	NewValue  any       `json:"new_value"`
	Section   string    `json:"section"`
	Source    Source    `json:"source"`
	User      string    `json:"user,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// layerFiles are the filenames read from config/default/ and config/custom/,
// in merge order. Any of them may be missing.
var layerFiles = []string{
	"bot-config.json",
	"messages.json",
	"commands.json",
	"errors.json",
	"system.json",
	"responses.json",
}

// envBindings maps configuration keys to the environment variables that
// override them.
var envBindings = map[string]string{
	"bridge.url":                   "BRIDGE_URL",
	"bridge.api_key":               "BRIDGE_API_KEY",
	"bridge.poll_interval":         "MESSAGE_POLLING_INTERVAL",
	"bridge.mock":                  "MOCK_WHATSAPP",
	"bot.name":                     "BOT_NAME",
	"bot.command_prefix":           "BOT_PREFIX",
	"bot.language":                 "BOT_LANGUAGE",
	"bot.owner_phone":              "OWNER_PHONE",
	"bot.owner_name":               "OWNER_NAME",
	"database.path":                "DATABASE_PATH",
	"logging.level":                "LOG_LEVEL",
	"rate.default_interval":        "RATE_LIMIT_WINDOW",
	"rate.max_daily":               "RATE_LIMIT_MAX_REQUESTS",
	"registration.max_attempts":    "MAX_NAME_ATTEMPTS",
	"registration.timeout":         "REGISTRATION_TIMEOUT",
	"registration.min_name_length": "MIN_NAME_LENGTH",
	"registration.max_name_length": "MAX_NAME_LENGTH",
}

// Service owns the live configuration. Readers take an atomic snapshot;
// writers rebuild and swap the whole snapshot.
type Service struct {
	dir        string
	maxBackups int
	log        *slog.Logger

	mu        sync.Mutex
	v         *viper.Viper
	warnings  []string
	listeners []func(ChangeEvent)

	snap atomic.Pointer[Config]
}

// NewService creates a Service rooted at dir (the directory that holds
// default/, custom/ and backups/). dir may be empty for a purely
// defaults+env configuration.
func NewService(dir string, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		dir:        dir,
		maxBackups: 10,
		log:        log,
	}
}

// Load performs the full layered load: defaults, default/ files, custom/
// files, then environment overrides. A JSON parse failure is returned as
// an error (fatal at startup); semantic validation problems only warn.
func (s *Service) Load() error {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)

	if s.dir != "" {
		for _, sub := range []string{"default", "custom"} {
			for _, name := range layerFiles {
				path := filepath.Join(s.dir, sub, name)
				data, err := os.ReadFile(path)
				if os.IsNotExist(err) {
					continue
				}
				if err != nil {
					return fmt.Errorf("read config file %s: %w", path, err)
				}
				if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
					return fmt.Errorf("parse config file %s: %w", path, err)
				}
			}
		}
	}

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range warnings {
		s.log.Warn("config validation", "warning", w)
	}

	s.mu.Lock()
	s.v = v
	s.warnings = warnings
	s.mu.Unlock()
	s.snap.Store(cfg)
	return nil
}

// Reload re-runs Load but keeps the previous configuration on failure.
func (s *Service) Reload() error {
	prev := s.snap.Load()
	oldSettings := s.allSettings()

	if err := s.Load(); err != nil {
		if prev != nil {
			s.snap.Store(prev)
		}
		s.log.Warn("config reload failed, keeping previous config", "error", err)
		return err
	}
	s.emitSectionDiffs(oldSettings, s.allSettings(), SourceFile, "")
	return nil
}

// Snapshot returns the current immutable configuration.
func (s *Service) Snapshot() *Config {
	return s.snap.Load()
}

// Warnings returns the validation warnings from the last load.
func (s *Service) Warnings() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.warnings))
	copy(out, s.warnings)
	return out
}

// Get returns the value at a dotted path, or nil.
func (s *Service) Get(path string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v == nil {
		return nil
	}
	return s.v.Get(path)
}

// GetSection returns a top-level section as a map.
func (s *Service) GetSection(name string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v == nil {
		return nil
	}
	return s.v.GetStringMap(name)
}

// Set updates one value at runtime. The change is validated against the
// full tree; invalid changes are reverted and returned as an error.
func (s *Service) Set(path string, value any, source Source, user string) error {
	s.mu.Lock()
	if s.v == nil {
		s.mu.Unlock()
		return fmt.Errorf("configuration not loaded")
	}
	old := s.v.Get(path)
	s.v.Set(path, value)

	cfg := &Config{}
	if err := s.v.Unmarshal(cfg); err != nil {
		s.v.Set(path, old)
		s.mu.Unlock()
		return fmt.Errorf("set %s: %w", path, err)
	}
	if _, err := cfg.Validate(); err != nil {
		s.v.Set(path, old)
		s.mu.Unlock()
		return fmt.Errorf("set %s: %w", path, err)
	}
	s.mu.Unlock()

	s.snap.Store(cfg)
	s.emit(ChangeEvent{
		Path:      path,
		OldValue:  old,
		NewValue:  value,
		Section:   sectionOf(path),
		Source:    source,
		User:      user,
		Timestamp: time.Now(),
	})
	return nil
}

// OnChange registers a listener for configuration change events.
func (s *Service) OnChange(fn func(ChangeEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Export serializes the configuration (optionally a subset of top-level
// sections) to "json" or "yaml".
func (s *Service) Export(format string, sections ...string) ([]byte, error) {
	settings := s.allSettings()
	if len(sections) > 0 {
		filtered := make(map[string]any, len(sections))
		for _, name := range sections {
			if val, ok := settings[name]; ok {
				filtered[name] = val
			}
		}
		settings = filtered
	}

	switch format {
	case "", "json":
		return json.MarshalIndent(settings, "", "  ")
	case "yaml":
		return yaml.Marshal(settings)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// ImportOptions controls Import behavior.
type ImportOptions struct {
	Merge    bool
	Validate bool
	Backup   bool
	DryRun   bool
}

// ImportReport summarizes what an Import did (or would do).
type ImportReport struct {
	ChangedSections []string `json:"changed_sections"`
	DryRun          bool     `json:"dry_run"`
}

// Import applies a JSON configuration document. With Merge false the
// document replaces the whole tree; with Merge true it is deep-merged
// over the current one.
func (s *Service) Import(data []byte, opts ImportOptions) (*ImportReport, error) {
	incoming := map[string]any{}
	if err := json.Unmarshal(data, &incoming); err != nil {
		return nil, fmt.Errorf("parse import data: %w", err)
	}

	candidate := viper.New()
	candidate.SetConfigType("json")
	if opts.Merge {
		if err := candidate.MergeConfigMap(s.allSettings()); err != nil {
			return nil, err
		}
	}
	if err := candidate.MergeConfigMap(incoming); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := candidate.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}
	if opts.Validate {
		if _, err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("import validation: %w", err)
		}
	}

	oldSettings := s.allSettings()
	report := &ImportReport{DryRun: opts.DryRun}
	for name, val := range candidate.AllSettings() {
		if !reflect.DeepEqual(oldSettings[name], val) {
			report.ChangedSections = append(report.ChangedSections, name)
		}
	}
	if opts.DryRun {
		return report, nil
	}

	if opts.Backup {
		if err := s.backup(); err != nil {
			return nil, fmt.Errorf("import backup: %w", err)
		}
	}

	s.mu.Lock()
	s.v = candidate
	s.mu.Unlock()
	s.snap.Store(cfg)
	s.emitSectionDiffs(oldSettings, candidate.AllSettings(), SourceImport, "")
	return report, nil
}

// Save persists the current tree to the custom/ layer, taking a rotated
// backup first.
func (s *Service) Save() error {
	if s.dir == "" {
		return fmt.Errorf("no config directory configured")
	}
	if err := s.backup(); err != nil {
		return err
	}

	settings := s.allSettings()
	for file, sections := range customFileSections {
		doc := map[string]any{}
		for _, name := range sections {
			if val, ok := settings[name]; ok {
				doc[name] = val
			}
		}
		if len(doc) == 0 {
			continue
		}
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return err
		}
		path := filepath.Join(s.dir, "custom", file)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

// customFileSections maps custom-layer filenames to the top-level
// sections they own when saving.
var customFileSections = map[string][]string{
	"bot-config.json": {"bot", "bridge", "database"},
	"system.json":     {"logging", "metrics", "rate", "registration", "processor"},
	"commands.json":   {"classifier"},
	"messages.json":   {"messages"},
}

func (s *Service) allSettings() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v == nil {
		return map[string]any{}
	}
	return s.v.AllSettings()
}

func (s *Service) emit(evt ChangeEvent) {
	s.mu.Lock()
	listeners := make([]func(ChangeEvent), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(evt)
	}
}

// emitSectionDiffs emits one event per top-level section whose contents
// changed between two settings maps.
func (s *Service) emitSectionDiffs(old, new map[string]any, source Source, user string) {
	now := time.Now()
	for name, val := range new {
		if !reflect.DeepEqual(old[name], val) {
			s.emit(ChangeEvent{
				Path:      name,
				OldValue:  old[name],
				NewValue:  val,
				Section:   name,
				Source:    source,
				User:      user,
				Timestamp: now,
			})
		}
	}
	for name, val := range old {
		if _, ok := new[name]; !ok {
			s.emit(ChangeEvent{
				Path:      name,
				OldValue:  val,
				NewValue:  nil,
				Section:   name,
				Source:    source,
				User:      user,
				Timestamp: now,
			})
		}
	}
}

func sectionOf(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return path
}

// setDefaults seeds viper with the built-in defaults. Explicit per-key so
// file and env layers can override any of them independently.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("bot.name", d.Bot.Name)
	v.SetDefault("bot.command_prefix", d.Bot.CommandPrefix)
	v.SetDefault("bot.language", d.Bot.Language)
	v.SetDefault("bot.owner_phone", d.Bot.OwnerPhone)
	v.SetDefault("bot.owner_name", d.Bot.OwnerName)

	v.SetDefault("bridge.url", d.Bridge.URL)
	v.SetDefault("bridge.api_key", d.Bridge.APIKey)
	v.SetDefault("bridge.enabled", d.Bridge.Enabled)
	v.SetDefault("bridge.mock", d.Bridge.Mock)
	v.SetDefault("bridge.call_timeout", d.Bridge.CallTimeout)
	v.SetDefault("bridge.max_retries", d.Bridge.MaxRetries)
	v.SetDefault("bridge.base_delay", d.Bridge.BaseDelay)
	v.SetDefault("bridge.backoff_factor", d.Bridge.BackoffFactor)
	v.SetDefault("bridge.poll_interval", d.Bridge.PollInterval)
	v.SetDefault("bridge.poll_batch", d.Bridge.PollBatch)
	v.SetDefault("bridge.send_rate", d.Bridge.SendRate)
	v.SetDefault("bridge.store_path", d.Bridge.StorePath)
	v.SetDefault("bridge.media_dir", d.Bridge.MediaDir)

	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.dir", d.Logging.Dir)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)

	v.SetDefault("rate.default_interval", d.Rate.DefaultInterval)
	v.SetDefault("rate.command_interval", d.Rate.CommandInterval)
	v.SetDefault("rate.max_daily", d.Rate.MaxDaily)
	v.SetDefault("rate.window_max", d.Rate.WindowMax)
	v.SetDefault("rate.dedup_capacity", d.Rate.DedupCapacity)
	v.SetDefault("rate.hourly_quotas", d.Rate.HourlyQuotas)

	v.SetDefault("registration.max_attempts", d.Registration.MaxAttempts)
	v.SetDefault("registration.timeout", d.Registration.Timeout)
	v.SetDefault("registration.min_name_length", d.Registration.MinNameLength)
	v.SetDefault("registration.max_name_length", d.Registration.MaxNameLength)

	v.SetDefault("processor.max_concurrent", d.Processor.MaxConcurrent)
	v.SetDefault("processor.queue_size", d.Processor.QueueSize)
	v.SetDefault("processor.process_timeout", d.Processor.ProcessTimeout)

	v.SetDefault("classifier.greetings", d.Classifier.Greetings)
	v.SetDefault("classifier.farewells", d.Classifier.Farewells)
	v.SetDefault("classifier.questions", d.Classifier.Questions)
	v.SetDefault("classifier.help", d.Classifier.Help)
	v.SetDefault("classifier.contextual", d.Classifier.Contextual)
	v.SetDefault("classifier.positive", d.Classifier.Positive)
	v.SetDefault("classifier.negative", d.Classifier.Negative)

	v.SetDefault("messages.greetings.new", d.Messages.Greetings.New)
	v.SetDefault("messages.greetings.morning", d.Messages.Greetings.Morning)
	v.SetDefault("messages.greetings.evening", d.Messages.Greetings.Evening)
	v.SetDefault("messages.greetings.night", d.Messages.Greetings.Night)
	v.SetDefault("messages.help.general", d.Messages.Help.General)
	v.SetDefault("messages.responses.default", d.Messages.Responses.Default)
	v.SetDefault("messages.errors.permission", d.Messages.Errors.Permission)
	v.SetDefault("messages.errors.rate_limit", d.Messages.Errors.RateLimit)
	v.SetDefault("messages.errors.quota", d.Messages.Errors.Quota)
	v.SetDefault("messages.errors.internal", d.Messages.Errors.Internal)
	v.SetDefault("messages.registration.ask_name", d.Messages.Registration.AskName)
	v.SetDefault("messages.registration.confirmed", d.Messages.Registration.Confirmed)
	v.SetDefault("messages.registration.temp_assigned", d.Messages.Registration.TempAssigned)
	v.SetDefault("messages.registration.too_short", d.Messages.Registration.TooShort)
	v.SetDefault("messages.registration.too_long", d.Messages.Registration.TooLong)
	v.SetDefault("messages.registration.bad_chars", d.Messages.Registration.BadChars)
	v.SetDefault("messages.registration.is_phone", d.Messages.Registration.IsPhone)
	v.SetDefault("messages.registration.forbidden", d.Messages.Registration.Forbidden)
}
