package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	s := Default()
	if !s.Compaction.Enabled || s.Compaction.ReserveTokens != 16384 {
		t.Fatalf("compaction defaults = %+v", s.Compaction)
	}
	if s.Retry.MaxRetries != 5 || s.Retry.BaseDelayMs != 2000 {
		t.Fatalf("retry defaults = %+v", s.Retry)
	}
	if s.Queue.SteeringMode != "one-at-a-time" || s.Queue.InterruptMode != "wait" {
		t.Fatalf("queue defaults = %+v", s.Queue)
	}
	if s.Rules.RepeatMode != "once" || s.Rules.ContextMode != "keep" {
		t.Fatalf("rule defaults = %+v", s.Rules)
	}
}

func TestLoadRawJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.json5", `{
		// comments are fine
		model: "claude-sonnet-4-20250514",
		retry: { max_retries: 7 },
	}`)

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if raw["model"] != "claude-sonnet-4-20250514" {
		t.Fatalf("model = %v", raw["model"])
	}
}

func TestLoadRawYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.yaml", "model: m1\nretry:\n  max_retries: 2\n")

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if raw["model"] != "m1" {
		t.Fatalf("model = %v", raw["model"])
	}
}

func TestIncludeMergeAndCycleDetection(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "model: base\nthinking_level: low\n")
	main := writeFile(t, dir, "main.yaml", "$include: base.yaml\nmodel: main\n")

	raw, err := LoadRaw(main)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if raw["model"] != "main" {
		t.Fatalf("including file must win: %v", raw["model"])
	}
	if raw["thinking_level"] != "low" {
		t.Fatalf("included value lost: %v", raw["thinking_level"])
	}

	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	cyc := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")
	if _, err := LoadRaw(cyc); err == nil {
		t.Fatal("include cycle must be rejected")
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("WEFT_TEST_MODEL", "env-model")
	dir := t.TempDir()
	path := writeFile(t, dir, "settings.yaml", "model: ${WEFT_TEST_MODEL}\n")

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatal(err)
	}
	if raw["model"] != "env-model" {
		t.Fatalf("model = %v", raw["model"])
	}
}

func TestResolverLayering(t *testing.T) {
	dir := t.TempDir()
	global := writeFile(t, dir, "global.yaml", "model: global\nretry:\n  max_retries: 3\n")
	project := writeFile(t, dir, "project.yaml", "model: project\n")

	r, err := NewResolver(global, project, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	s := r.Current()
	if s.Model != "project" {
		t.Fatalf("project layer must win: %q", s.Model)
	}
	if s.Retry.MaxRetries != 3 {
		t.Fatalf("global value lost: %d", s.Retry.MaxRetries)
	}
	// Untouched settings keep defaults.
	if s.Compaction.ReserveTokens != 16384 {
		t.Fatalf("default lost: %d", s.Compaction.ReserveTokens)
	}
}

func TestRuntimeOverridesWinAndNotify(t *testing.T) {
	dir := t.TempDir()
	global := writeFile(t, dir, "global.yaml", "model: file-model\n")

	r, err := NewResolver(global, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	var notified []Settings
	r.Subscribe(func(s Settings) { notified = append(notified, s) })

	if err := r.SetOverride("model", "override-model"); err != nil {
		t.Fatal(err)
	}
	if r.Current().Model != "override-model" {
		t.Fatalf("override ignored: %q", r.Current().Model)
	}
	if len(notified) == 0 || notified[len(notified)-1].Model != "override-model" {
		t.Fatal("subscriber not notified of override")
	}

	if err := r.SetOverride("retry.max_retries", 9); err != nil {
		t.Fatal(err)
	}
	if r.Current().Retry.MaxRetries != 9 {
		t.Fatalf("nested override ignored: %d", r.Current().Retry.MaxRetries)
	}

	if err := r.ClearOverrides(); err != nil {
		t.Fatal(err)
	}
	if r.Current().Model != "file-model" {
		t.Fatalf("clear did not restore file value: %q", r.Current().Model)
	}
}

func TestMissingFilesAreFine(t *testing.T) {
	r, err := NewResolver("/does/not/exist.yaml", "", nil)
	if err != nil {
		t.Fatalf("missing files must not error: %v", err)
	}
	if r.Current().Retry.MaxRetries != 5 {
		t.Fatal("defaults not applied")
	}
}
