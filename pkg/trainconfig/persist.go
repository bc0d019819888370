package trainconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Artifact file names under the config directory.
const (
	ConfigFileName     = "config.json"
	DataloaderFileName = "dataloader.json"
)

// Persist writes cfg as indented JSON to dir/name and returns the path.
func Persist(dir, name string, cfg json.Marshaler) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", name, err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}

// Artifacts are the persisted configuration files of one job. An empty
// path means the artifact was not written.
type Artifacts struct {
	ConfigPath     string
	DataloaderPath string
}

// Materializer persists job configuration under one config directory.
type Materializer struct {
	dir    string
	logger *zap.Logger
}

// NewMaterializer returns a Materializer writing into dir.
func NewMaterializer(dir string, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{dir: dir, logger: logger}
}

// Persist writes config.json always and dataloader.json when the dataloader
// document is non-empty, whatever its JSON shape. Write failures are logged and leave the matching
// path empty; they never fail the job, since the in-memory config is still
// usable for argument building.
func (m *Materializer) Persist(cfg Config, dataloader Document) Artifacts {
	var out Artifacts

	if path, err := Persist(m.dir, ConfigFileName, cfg); err != nil {
		m.logger.Error("failed to save config", zap.String("file", ConfigFileName), zap.Error(err))
	} else {
		m.logger.Info("saved config", zap.String("file", ConfigFileName), zap.String("path", path))
		out.ConfigPath = path
	}

	if dataloader.IsEmpty() {
		return out
	}

	if path, err := Persist(m.dir, DataloaderFileName, dataloader); err != nil {
		m.logger.Error("failed to save config", zap.String("file", DataloaderFileName), zap.Error(err))
	} else {
		m.logger.Info("saved config", zap.String("file", DataloaderFileName), zap.String("path", path))
		out.DataloaderPath = path
	}
	return out
}
