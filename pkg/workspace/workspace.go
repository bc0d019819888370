// Package workspace defines the worker's local staging directories.
//
// Layout under Root:
//
//	<root>/inputs/    raw downloads and uploads
//	<root>/dataset/   the extracted dataset (reset before every acquisition)
//	<root>/config/    config.json, dataloader.json
//	<root>/logs/      training_<unix>.log
//	<root>/outputs/   files produced by the trainer
//	<root>/models/    base model cache shared across jobs
//	<root>/uploads/   upload-session files served by the worker API
//	<root>/jobs/      job registry records
//
// Only the dataset directory is reset per job; the others are created once
// and accumulate. A Paths value assumes exclusive use by one job at a time.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultRoot is the workspace root used inside the worker container.
const DefaultRoot = "/workspace"

// BundleName is the file name of the all-outputs archive.
const BundleName = "results.zip"

// Paths holds the absolute staging directories of one worker.
type Paths struct {
	Root    string
	Input   string
	Dataset string
	Config  string
	Logs    string
	Output  string
	Models  string
	Uploads string
	Jobs    string
}

// New derives all staging directories from root. Nothing is created.
func New(root string) Paths {
	root = strings.TrimSpace(root)
	if root == "" {
		root = DefaultRoot
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return Paths{
		Root:    root,
		Input:   filepath.Join(root, "inputs"),
		Dataset: filepath.Join(root, "dataset"),
		Config:  filepath.Join(root, "config"),
		Logs:    filepath.Join(root, "logs"),
		Output:  filepath.Join(root, "outputs"),
		Models:  filepath.Join(root, "models"),
		Uploads: filepath.Join(root, "uploads"),
		Jobs:    filepath.Join(root, "jobs"),
	}
}

func (p Paths) all() []string {
	return []string{p.Input, p.Dataset, p.Config, p.Logs, p.Output, p.Models, p.Uploads, p.Jobs}
}

// Init creates every staging directory. It is safe to call repeatedly.
func (p Paths) Init() error {
	for _, dir := range p.all() {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// ResetDataset removes the dataset directory and recreates it empty.
func (p Paths) ResetDataset() error {
	if strings.TrimSpace(p.Dataset) == "" {
		return fmt.Errorf("dataset dir is empty")
	}
	if err := os.RemoveAll(p.Dataset); err != nil {
		return fmt.Errorf("clear dataset dir: %w", err)
	}
	if err := os.MkdirAll(p.Dataset, 0755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}
	return nil
}

// BundlePath is where the all-outputs archive is written.
func (p Paths) BundlePath() string {
	return filepath.Join(p.Root, BundleName)
}
