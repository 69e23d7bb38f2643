// Package cli provides the small set of conveniences every command under
// cmd/ shares: version reporting, usage/help formatting, and a JSON-backed
// settings file distinct from the in-process config.Config the resource
// manager validates. Adapted from the teacher's internal/cli/common.go,
// trimmed to what this module's single demo command actually needs.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
)

const (
	Version   = "0.1.0"
	BuildDate = "2026-08-01"
	CommitSHA = "unknown"
)

// VersionInfo is the structured form PrintVersion emits.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	CommitSHA string `json:"commit_sha"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
}

// GetVersionInfo returns the current build's version metadata.
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		BuildDate: BuildDate,
		CommitSHA: CommitSHA,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion prints version information for toolName, as JSON if
// jsonOutput is set.
func PrintVersion(toolName string, jsonOutput bool) {
	info := GetVersionInfo()

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]any{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to marshal version info to JSON: %v\n", err)
		} else {
			fmt.Println(string(data))
			return
		}
	}

	fmt.Printf("%s v%s\n", toolName, info.Version)
	fmt.Printf("Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Printf("Commit: %s\n", info.CommitSHA)
	}
	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s/%s\n", info.Platform, info.Arch)
}

// ExitWithError prints a formatted error to stderr and exits with code 1.
func ExitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// Settings is the demo command's own persisted preferences, independent of
// config.Config (which governs the resource manager's runtime behavior,
// not the CLI's).
type Settings struct {
	Verbose bool   `json:"verbose"`
	Preset  string `json:"preset"` // "minimal", "default", or "production"
}

// LoadSettings reads Settings from path, returning defaults if the file
// does not exist.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{Preset: "default"}
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read settings file: %w", err)
	}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse settings file: %w", err)
	}
	return s, nil
}

// SaveSettings writes s to path as indented JSON.
func (s *Settings) SaveSettings(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write settings file: %w", err)
	}
	return nil
}

// CommandInfo documents one subcommand for PrintUsage.
type CommandInfo struct {
	Name        string
	Description string
}

// PrintUsage prints the top-level usage block for tool.
func PrintUsage(tool string, commands []CommandInfo) {
	fmt.Printf("%s - GPU-adjacent resource-lifecycle demo\n\n", tool)
	fmt.Printf("USAGE:\n")
	fmt.Printf("    %s <command> [OPTIONS]\n\n", tool)

	if len(commands) > 0 {
		fmt.Printf("COMMANDS:\n")
		for _, cmd := range commands {
			fmt.Printf("    %-12s %s\n", cmd.Name, cmd.Description)
		}
		fmt.Printf("\n")
	}

	fmt.Printf("GLOBAL OPTIONS:\n")
	fmt.Printf("    --help, -h     Show help information\n")
	fmt.Printf("    --version      Show version information\n")
	fmt.Printf("    --json         Output version in JSON format\n")
}
