package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()
	if info.Version != Version {
		t.Fatalf("Version = %q, want %q", info.Version, Version)
	}
	if info.GoVersion == "" {
		t.Fatal("expected GoVersion to be populated")
	}
}

func TestLoadSettingsMissingFileReturnsDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Preset != "default" {
		t.Fatalf("Preset = %q, want %q", s.Preset, "default")
	}
	if s.Verbose {
		t.Fatal("expected Verbose to default to false")
	}
}

func TestLoadSettingsEmptyPathReturnsDefaults(t *testing.T) {
	s, err := LoadSettings("")
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if s.Preset != "default" {
		t.Fatalf("Preset = %q, want %q", s.Preset, "default")
	}
}

func TestSaveSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	want := &Settings{Verbose: true, Preset: "production"}
	if err := want.SaveSettings(path); err != nil {
		t.Fatalf("SaveSettings: %v", err)
	}

	got, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("LoadSettings: %v", err)
	}
	if *got != *want {
		t.Fatalf("LoadSettings = %+v, want %+v", got, want)
	}
}

func TestLoadSettingsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}
	if _, err := LoadSettings(path); err == nil {
		t.Fatal("expected an error parsing a malformed settings file")
	}
}
