// Package cache manages the per-task download directories under the engine's
// download root.
package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetTaskDir returns the absolute path to the task's download directory
func GetTaskDir(baseDir, taskID string) string {
	path, err := filepath.Abs(filepath.Join(baseDir, taskID))
	if err != nil {
		return filepath.Join(baseDir, taskID)
	}
	return path
}

// EnsureTaskDir creates the task directory if it doesn't exist
func EnsureTaskDir(baseDir, taskID string) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return "", fmt.Errorf("cache: invalid task id %q", taskID)
	}
	path := GetTaskDir(baseDir, taskID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	return path, nil
}

// RemoveTaskDir deletes everything downloaded for the task. A missing
// directory is not an error.
func RemoveTaskDir(baseDir, taskID string) error {
	if taskID == "" || strings.ContainsAny(taskID, `/\`) || taskID == "." || taskID == ".." {
		return fmt.Errorf("cache: invalid task id %q", taskID)
	}
	return os.RemoveAll(GetTaskDir(baseDir, taskID))
}

// FileExists checks if a regular file exists at path
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ListFiles returns every regular file below dir, sorted, as absolute paths.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".aria2") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
