// Package config loads the gateway's YAML configuration file into the
// typed ModelDescriptor set the scheduler is constructed with.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/llmgateway/scheduler/pkg/memory"
	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

// ConfigError wraps any failure encountered while loading or validating
// configuration. The process is expected to exit non-zero before the
// scheduler is constructed when this error is returned.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

// rawConfig mirrors the on-disk YAML configuration file shape.
type rawConfig struct {
	Docker rawDocker           `yaml:"docker"`
	Models map[string]rawModel `yaml:"models"`
}

type rawDocker struct {
	Image       string `yaml:"image"`
	VolumeMount string `yaml:"volumeMount"`
	NetworkName string `yaml:"networkName"`
}

type rawModel struct {
	File   string    `yaml:"file"`
	Params rawParams `yaml:"params"`
	Draft  *rawDraft `yaml:"draft,omitempty"`
}

type rawParams struct {
	Context           ContextSize `yaml:"context"`
	Temperature       float64     `yaml:"temperature"`
	TopK              int         `yaml:"top_k"`
	TopP              float64     `yaml:"top_p"`
	MinP              float64     `yaml:"min_p"`
	RepetitionPenalty float64     `yaml:"repetition_penalty"`
	CacheTypeK        string      `yaml:"cache_type_k"`
	CacheTypeV        string      `yaml:"cache_type_v"`
	FlashAttention    bool        `yaml:"flash_attention"`
	Jinja             bool        `yaml:"jinja"`
	KVQuant           string      `yaml:"kv_quant"`
	ExtraFlags        string      `yaml:"extraFlags,omitempty"`
}

type rawDraft struct {
	File       string `yaml:"file"`
	CacheTypeK string `yaml:"cache_type_k"`
	CacheTypeV string `yaml:"cache_type_v"`
}

var validCacheTypes = map[string]bool{
	"f32": true, "f16": true, "bf16": true, "q8_0": true,
	"q4_0": true, "q4_1": true, "iq4_nl": true, "q5_0": true, "q5_1": true,
}

// Params holds the sampling and cache-quantization parameters that get
// forwarded to the inference binary via ContainerHost.Create, plus KVQuant,
// which feeds memory estimation only and is not passed to the binary.
type Params struct {
	Context           ContextSize
	Temperature       float64
	TopK              int
	TopP              float64
	MinP              float64
	RepetitionPenalty float64
	CacheTypeK        string
	CacheTypeV        string
	FlashAttention    bool
	Jinja             bool
	KVQuant           memory.KVQuant
	ExtraFlags        []string
}

// DraftDescriptor describes an optional speculative-decoding draft model.
type DraftDescriptor struct {
	WeightFilePath string
	CacheTypeK     string
	CacheTypeV     string
}

// ModelDescriptor is the immutable, fully-resolved description of one
// configured model, as consumed by the scheduler and the container host.
type ModelDescriptor struct {
	Name           string
	WeightFilePath string
	ContainerName  string
	Params         Params
	Draft          *DraftDescriptor
}

// Docker holds the Docker-specific settings shared by every container the
// ContainerHost creates.
type Docker struct {
	Image       string
	VolumeMount string
	NetworkName string
}

// Config is the fully validated, resolved configuration the gateway is
// constructed from.
type Config struct {
	Docker Docker
	Models []ModelDescriptor
}

// Load reads and validates the YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and converts raw YAML bytes into a Config. It is split
// out from Load so tests can exercise it without touching the filesystem.
func Parse(data []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, configErrorf("parsing yaml: %w", err)
	}

	if raw.Docker.Image == "" {
		return nil, configErrorf("docker.image is required")
	}
	if raw.Docker.VolumeMount == "" {
		return nil, configErrorf("docker.volumeMount is required")
	}
	if len(raw.Models) == 0 {
		return nil, configErrorf("at least one model must be configured")
	}

	cfg := &Config{
		Docker: Docker{
			Image:       raw.Docker.Image,
			VolumeMount: raw.Docker.VolumeMount,
			NetworkName: raw.Docker.NetworkName,
		},
	}

	for name, m := range raw.Models {
		desc, err := resolveModel(name, m, raw.Docker.VolumeMount)
		if err != nil {
			return nil, err
		}
		cfg.Models = append(cfg.Models, desc)
	}

	return cfg, nil
}

func resolveModel(name string, m rawModel, volumeMount string) (ModelDescriptor, error) {
	if m.File == "" {
		return ModelDescriptor{}, configErrorf("model %q: file is required", name)
	}
	if err := validateCacheType(name, "cache_type_k", m.Params.CacheTypeK); err != nil {
		return ModelDescriptor{}, err
	}
	if err := validateCacheType(name, "cache_type_v", m.Params.CacheTypeV); err != nil {
		return ModelDescriptor{}, err
	}

	kvQuant, err := memory.ParseKVQuant(m.Params.KVQuant)
	if err != nil {
		return ModelDescriptor{}, configErrorf("model %q: %w", name, err)
	}

	var extraFlags []string
	if m.Params.ExtraFlags != "" {
		extraFlags, err = shellwords.Parse(m.Params.ExtraFlags)
		if err != nil {
			return ModelDescriptor{}, configErrorf("model %q: invalid extraFlags: %w", name, err)
		}
	}

	desc := ModelDescriptor{
		Name:           name,
		WeightFilePath: filepath.Join(volumeMount, m.File),
		ContainerName:  "llm_" + name,
		Params: Params{
			Context:           m.Params.Context,
			Temperature:       m.Params.Temperature,
			TopK:              m.Params.TopK,
			TopP:              m.Params.TopP,
			MinP:              m.Params.MinP,
			RepetitionPenalty: m.Params.RepetitionPenalty,
			CacheTypeK:        m.Params.CacheTypeK,
			CacheTypeV:        m.Params.CacheTypeV,
			FlashAttention:    m.Params.FlashAttention,
			Jinja:             m.Params.Jinja,
			KVQuant:           kvQuant,
			ExtraFlags:        extraFlags,
		},
	}

	if m.Draft != nil {
		if m.Draft.File == "" {
			return ModelDescriptor{}, configErrorf("model %q: draft.file is required when draft is set", name)
		}
		desc.Draft = &DraftDescriptor{
			WeightFilePath: filepath.Join(volumeMount, m.Draft.File),
			CacheTypeK:     m.Draft.CacheTypeK,
			CacheTypeV:     m.Draft.CacheTypeV,
		}
	}

	return desc, nil
}

func validateCacheType(model, field, value string) error {
	if value == "" {
		return nil
	}
	if !validCacheTypes[value] {
		return configErrorf("model %q: %s %q is not a recognized cache type", model, field, value)
	}
	return nil
}
