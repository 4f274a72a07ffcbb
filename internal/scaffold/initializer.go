package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/lodge/internal/config"
)

//go:embed templates/*
var templatesFS embed.FS

// ConfigFile is the configuration file created by Initialize.
const ConfigFile = "lodge.yml"

// WorkersDir holds example worker scripts.
const WorkersDir = "workers"

// FileInfo represents a file to be created during initialization
type FileInfo struct {
	Path        string
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes lodge.yml and an example worker under dir.
// If force is true, an existing lodge.yml and workers/ directory are removed first.
// Returns the paths created, relative to dir.
func Initialize(dir string, force bool) ([]string, error) {
	if force {
		if err := handleForce(dir); err != nil {
			return nil, err
		}
	}

	files, err := getTemplateFiles()
	if err != nil {
		return nil, err
	}

	created := make([]string, 0, len(files))
	for _, file := range files {
		path := filepath.Join(dir, file.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(file.Path), err)
		}
		if err := os.WriteFile(path, file.Content, file.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", file.Path, err)
		}
		created = append(created, file.Path)
	}

	// The generated config must load with the same rules `lodge serve` applies.
	if _, err := config.Load(filepath.Join(dir, ConfigFile)); err != nil {
		return nil, fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}

	return created, nil
}

// handleForce removes existing files if --force was specified
func handleForce(dir string) error {
	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil {
		if err := os.Remove(filepath.Join(dir, ConfigFile)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", ConfigFile, err)
		}
	}

	if info, err := os.Stat(filepath.Join(dir, WorkersDir)); err == nil && info.IsDir() {
		if err := os.RemoveAll(filepath.Join(dir, WorkersDir)); err != nil {
			return fmt.Errorf("failed to remove %s/ directory: %w", WorkersDir, err)
		}
	}

	return nil
}

// getTemplateFiles reads all embedded templates
func getTemplateFiles() ([]FileInfo, error) {
	lodgeYml, err := templatesFS.ReadFile("templates/lodge.yml.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read %s template: %w", ConfigFile, err)
	}

	runSh, err := templatesFS.ReadFile("templates/run.sh.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to read run.sh template: %w", err)
	}

	return []FileInfo{
		{Path: ConfigFile, Content: lodgeYml, Permissions: 0644},
		{Path: filepath.Join(WorkersDir, "echo", "run.sh"), Content: runSh, Permissions: 0755},
	}, nil
}
