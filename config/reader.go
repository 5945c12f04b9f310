package config

import (
	"io"
	"path/filepath"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"

	"go.viam.com/posetrack/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Read reads a config from the given file. ${VAR} references are expanded from the environment
// before parsing and relative paths are taken relative to the file's directory.
func Read(filePath string) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", filePath)
	}
	cfg, err := FromBytes(buf)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", filePath)
	}
	cfg.ConfigFilePath = filePath
	if err := cfg.ResolvePaths(filepath.Dir(filePath)); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePaths makes every file path in the config absolute, relative to baseDir, after
// expanding a leading "~".
func (cfg *Config) ResolvePaths(baseDir string) error {
	paths := []*string{
		&cfg.Detection.DetectorModelPath,
		&cfg.Detection.LandmarkerModelPath,
		&cfg.Detection.AnchorsPath,
		&cfg.Record.Path,
	}
	if cfg.Source.Video != nil {
		paths = append(paths, &cfg.Source.Video.Path)
	}
	if cfg.Source.ImageSequence != nil {
		paths = append(paths, &cfg.Source.ImageSequence.Dir)
	}
	if cfg.Log.File != nil {
		paths = append(paths, &cfg.Log.File.Path)
	}
	for _, p := range paths {
		resolved, err := utils.ResolvePath(baseDir, *p)
		if err != nil {
			return err
		}
		*p = resolved
	}
	return nil
}

// FromReader reads a config from r. Environment references are not expanded.
func FromReader(r io.Reader) (*Config, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return FromBytes(buf)
}

// FromBytes parses and validates a config. The file is JSON5, so comments and unquoted keys are
// allowed. Missing fields keep their defaults and unknown fields are an error.
func FromBytes(buf []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := json5.Unmarshal(buf, &raw); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	cfg := Default()
	if err := decode(raw, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(raw map[string]interface{}, out *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}
