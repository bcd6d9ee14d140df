package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLayer(t *testing.T, dir, layer, name, content string) {
	t.Helper()
	path := filepath.Join(dir, layer, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	svc := NewService(t.TempDir(), nil)
	require.NoError(t, svc.Load())

	cfg := svc.Snapshot()
	assert.Equal(t, "!", cfg.Bot.CommandPrefix)
	assert.Equal(t, "es", cfg.Bot.Language)
	assert.Equal(t, 5, cfg.Processor.MaxConcurrent)
	assert.Equal(t, 100, cfg.Processor.QueueSize)
	assert.NotEmpty(t, cfg.Messages.Registration.AskName)
}

func TestLoadLayerPrecedence(t *testing.T) {
	dir := t.TempDir()
	writeLayer(t, dir, "default", "bot-config.json",
		`{"bot": {"name": "base-bot", "owner_phone": "34600000001"}}`)
	writeLayer(t, dir, "custom", "bot-config.json",
		`{"bot": {"name": "custom-bot"}}`)

	svc := NewService(dir, nil)
	require.NoError(t, svc.Load())

	cfg := svc.Snapshot()
	// custom/ wins over default/, default/ wins over built-ins.
	assert.Equal(t, "custom-bot", cfg.Bot.Name)
	assert.Equal(t, "34600000001", cfg.Bot.OwnerPhone)
}

func TestLoadEnvOverride(t *testing.T) {
	dir := t.TempDir()
	writeLayer(t, dir, "custom", "system.json", `{"logging": {"level": "info"}}`)
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BOT_PREFIX", "/")

	svc := NewService(dir, nil)
	require.NoError(t, svc.Load())

	cfg := svc.Snapshot()
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/", cfg.Bot.CommandPrefix)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	writeLayer(t, dir, "custom", "bot-config.json", `{"bot": {`)

	svc := NewService(dir, nil)
	err := svc.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config file")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	writeLayer(t, dir, "custom", "system.json", `{"logging": {"level": "verbose"}}`)

	svc := NewService(dir, nil)
	err := svc.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestLoadWarnsButStarts(t *testing.T) {
	dir := t.TempDir()
	writeLayer(t, dir, "custom", "bot-config.json", `{"bot": {"name": ""}}`)

	svc := NewService(dir, nil)
	require.NoError(t, svc.Load())
	assert.Contains(t, svc.Warnings(), "bot.name is empty")
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	writeLayer(t, dir, "custom", "bot-config.json", `{"bot": {"name": "stable"}}`)

	svc := NewService(dir, nil)
	require.NoError(t, svc.Load())

	writeLayer(t, dir, "custom", "bot-config.json", `{"bot": {`)
	require.Error(t, svc.Reload())
	assert.Equal(t, "stable", svc.Snapshot().Bot.Name)
}

func TestSetEmitsChangeEvent(t *testing.T) {
	svc := NewService(t.TempDir(), nil)
	require.NoError(t, svc.Load())

	var events []ChangeEvent
	svc.OnChange(func(evt ChangeEvent) { events = append(events, evt) })

	require.NoError(t, svc.Set("bot.name", "renamed", SourceRuntime, "34600000001@s.whatsapp.net"))

	assert.Equal(t, "renamed", svc.Snapshot().Bot.Name)
	require.Len(t, events, 1)
	assert.Equal(t, "bot.name", events[0].Path)
	assert.Equal(t, "bot", events[0].Section)
	assert.Equal(t, SourceRuntime, events[0].Source)
	assert.Equal(t, "renamed", events[0].NewValue)
}

func TestSetRevertsInvalidValue(t *testing.T) {
	svc := NewService(t.TempDir(), nil)
	require.NoError(t, svc.Load())
	before := svc.Snapshot().Logging.Level

	err := svc.Set("logging.level", "verbose", SourceRuntime, "")
	require.Error(t, err)
	assert.Equal(t, before, svc.Snapshot().Logging.Level)
	assert.Equal(t, before, svc.Get("logging.level"))
}

func TestExportSectionFilter(t *testing.T) {
	svc := NewService(t.TempDir(), nil)
	require.NoError(t, svc.Load())

	data, err := svc.Export("json", "bot")
	require.NoError(t, err)

	doc := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "bot")
	assert.NotContains(t, doc, "bridge")

	_, err = svc.Export("toml")
	assert.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	writeLayer(t, dir, "custom", "bot-config.json", `{"bot": {"name": "round-trip"}}`)

	svc := NewService(dir, nil)
	require.NoError(t, svc.Load())

	data, err := svc.Export("json")
	require.NoError(t, err)

	other := NewService(t.TempDir(), nil)
	require.NoError(t, other.Load())
	report, err := other.Import(data, ImportOptions{Validate: true})
	require.NoError(t, err)
	assert.Contains(t, report.ChangedSections, "bot")
	assert.Equal(t, "round-trip", other.Snapshot().Bot.Name)

	// Importing a service's own export changes nothing.
	report, err = other.Import(data, ImportOptions{Validate: true})
	require.NoError(t, err)
	assert.Empty(t, report.ChangedSections)
}

func TestImportDryRun(t *testing.T) {
	svc := NewService(t.TempDir(), nil)
	require.NoError(t, svc.Load())
	before := svc.Snapshot().Bot.Name

	report, err := svc.Import([]byte(`{"bot": {"name": "would-be"}}`), ImportOptions{
		Merge:  true,
		DryRun: true,
	})
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Contains(t, report.ChangedSections, "bot")
	assert.Equal(t, before, svc.Snapshot().Bot.Name)
}

func TestImportMergePreservesUntouchedSections(t *testing.T) {
	dir := t.TempDir()
	writeLayer(t, dir, "custom", "bot-config.json", `{"bot": {"owner_phone": "34611111111"}}`)

	svc := NewService(dir, nil)
	require.NoError(t, svc.Load())

	_, err := svc.Import([]byte(`{"metrics": {"port": 9191}}`), ImportOptions{
		Merge:    true,
		Validate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 9191, svc.Snapshot().Metrics.Port)
	assert.Equal(t, "34611111111", svc.Snapshot().Bot.OwnerPhone)
}

func TestSavePersistsCustomLayer(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, nil)
	require.NoError(t, svc.Load())
	require.NoError(t, svc.Set("bot.name", "persisted", SourceRuntime, ""))
	require.NoError(t, svc.Save())

	// A fresh service reads the saved value back from custom/.
	again := NewService(dir, nil)
	require.NoError(t, again.Load())
	assert.Equal(t, "persisted", again.Snapshot().Bot.Name)
}

func TestBackupRotation(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(dir, nil)
	svc.maxBackups = 2
	require.NoError(t, svc.Load())

	for i := 0; i < 4; i++ {
		require.NoError(t, svc.backup())
		time.Sleep(2 * time.Millisecond)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	for _, e := range entries {
		_, statErr := os.Stat(filepath.Join(dir, "backups", e.Name(), "configuration.json"))
		assert.NoError(t, statErr)
	}
}
