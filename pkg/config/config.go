// Package config loads config.json, repairing it in place the way the
// desktop launcher always has: a missing, blank or corrupt file is
// replaced by defaults, and invalid fields are corrected and written
// back without touching the rest of the file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jingkaihe/metaproxy/internal/errx"
	"github.com/jingkaihe/metaproxy/pkg/api"
)

const FileName = "config.json"

// BackupSuffix is appended to a corrupt file before it is replaced.
const BackupSuffix = ".bak"

var knownKeys = map[string]bool{
	"proxyPort":     true,
	"redirectHost":  true,
	"redirectPort":  true,
	"targetDomains": true,
}

// DefaultPath returns ~/.metaproxy/config.json.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".metaproxy", FileName)
}

// Loaded is the result of Load.
type Loaded struct {
	Config *api.ProxyConfig
	Path   string

	// Created is set when defaults were written because the file was
	// missing, blank or corrupt.
	Created bool
	// BackupPath names the copy of a corrupt file, if one was made.
	BackupPath string
	// Repaired lists fields corrected and written back.
	Repaired []api.Correction
}

// Load reads the config at path. The returned config is always
// normalized. Errors are returned only when the file cannot be read or
// the repaired file cannot be written.
func Load(path string, logger *slog.Logger) (*Loaded, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")
	res := &Loaded{Path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("config file not found, writing defaults", "path", path)
		return writeDefaults(res)
	}
	if err != nil {
		return nil, errx.Wrap(ErrReadConfig, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		logger.Info("config file is empty, writing defaults", "path", path)
		return writeDefaults(res)
	}

	cfg, err := decode(data)
	if err != nil {
		backup := path + BackupSuffix
		if err := os.Rename(path, backup); err != nil {
			return nil, errx.Wrap(ErrBackupConfig, err)
		}
		logger.Warn("config file is corrupt, replaced with defaults", "path", path, "backup", backup, "error", err)
		res.BackupPath = backup
		return writeDefaults(res)
	}

	gjson.ParseBytes(data).ForEach(func(key, _ gjson.Result) bool {
		if !knownKeys[key.String()] {
			logger.Warn("ignoring unknown config key", "key", key.String())
		}
		return true
	})

	res.Repaired = cfg.Normalize()
	res.Config = cfg
	if len(res.Repaired) == 0 {
		logger.Debug("config loaded", "path", path)
		return res, nil
	}

	patched, err := patch(data, res.Repaired)
	if err != nil {
		return nil, err
	}
	if err := writeFile(path, patched); err != nil {
		return nil, err
	}
	for _, c := range res.Repaired {
		logger.Warn("config field repaired", "field", c.Field, "value", c.Value)
	}
	return res, nil
}

// Save writes cfg to path as indented JSON, creating parent directories.
func Save(path string, cfg *api.ProxyConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errx.Wrap(ErrWriteConfig, err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeDefaults(res *Loaded) (*Loaded, error) {
	cfg := api.DefaultProxyConfig()
	if err := Save(res.Path, cfg); err != nil {
		return nil, err
	}
	res.Config = cfg
	res.Created = true
	return res, nil
}

// decode validates the raw document with gjson and unmarshals it through
// viper. A document that is not a JSON object, or whose fields have the
// wrong type, is corrupt.
func decode(data []byte) (*api.ProxyConfig, error) {
	if !gjson.ValidBytes(data) {
		return nil, errx.With(api.ErrInvalidConfig, ": not valid JSON")
	}
	if !gjson.ParseBytes(data).IsObject() {
		return nil, errx.With(api.ErrInvalidConfig, ": top level is not an object")
	}
	if d := gjson.GetBytes(data, "targetDomains"); d.Exists() && d.Type != gjson.Null && !d.IsArray() {
		return nil, errx.With(api.ErrInvalidConfig, ": targetDomains is not a list")
	}

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, errx.Wrap(api.ErrInvalidConfig, err)
	}

	cfg := &api.ProxyConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errx.Wrap(api.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// patch rewrites only the corrected keys, keeping unknown keys and the
// formatting of untouched ones.
func patch(data []byte, fixes []api.Correction) ([]byte, error) {
	out := data
	for _, f := range fixes {
		var err error
		out, err = sjson.SetBytes(out, f.Field, f.Value)
		if err != nil {
			return nil, errx.With(ErrPatchConfig, " %s: %w", f.Field, err)
		}
	}
	return out, nil
}

func writeFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errx.Wrap(ErrWriteConfig, err)
	}
	tmp, err := os.CreateTemp(dir, "."+strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+"-*.tmp")
	if err != nil {
		return errx.Wrap(ErrWriteConfig, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errx.Wrap(ErrWriteConfig, err)
	}
	if err := tmp.Close(); err != nil {
		return errx.Wrap(ErrWriteConfig, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return errx.Wrap(ErrWriteConfig, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errx.Wrap(ErrWriteConfig, err)
	}
	return nil
}
