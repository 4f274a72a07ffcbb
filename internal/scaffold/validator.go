package scaffold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CheckExisting returns an error if dir already holds lodge.yml or a workers/ directory.
func CheckExisting(dir string) error {
	var existing []string

	if _, err := os.Stat(filepath.Join(dir, ConfigFile)); err == nil {
		existing = append(existing, ConfigFile)
	}
	if info, err := os.Stat(filepath.Join(dir, WorkersDir)); err == nil && info.IsDir() {
		existing = append(existing, WorkersDir+"/")
	}

	if len(existing) == 0 {
		return nil
	}
	return &ExistingError{Files: existing}
}

// ExistingError lists the files that block a non-forced initialization.
type ExistingError struct {
	Files []string
}

func (e *ExistingError) Error() string {
	return fmt.Sprintf("project already initialized: found %s", strings.Join(e.Files, ", "))
}
