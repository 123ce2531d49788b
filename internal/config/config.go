// Package config provides YAML-based configuration with .env and
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig is the root configuration structure, persisted as harmonise.yaml.
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Inference  InferenceConfig  `yaml:"inference"`
	Processing ProcessingConfig `yaml:"processing"`
	Security   SecurityConfig   `yaml:"security"`

	// FALKey comes from the environment only, never from the YAML file.
	FALKey string `yaml:"-"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bindAddress"`
	EnableCORS   bool   `yaml:"enableCORS"`
	AllowOrigins string `yaml:"allowOrigins"`
	ReadTimeout  int    `yaml:"readTimeoutSeconds"`
	WriteTimeout int    `yaml:"writeTimeoutSeconds"`
	IdleTimeout  int    `yaml:"idleTimeoutSeconds"`
	BodyLimit    string `yaml:"bodyLimit"`
}

// StorageConfig contains output and staging directory settings.
type StorageConfig struct {
	OutputDirectory  string `yaml:"outputDirectory"`
	UploadsDirectory string `yaml:"uploadsDirectory"`
	TempDirectory    string `yaml:"tempDirectory"`
}

// InferenceConfig contains the hosted model endpoint settings and the
// default generation parameters sent with every request.
type InferenceConfig struct {
	Endpoint            string  `yaml:"endpoint"`
	LoraURL             string  `yaml:"loraURL"`
	LoraWeight          float64 `yaml:"loraWeight"`
	DefaultPrompt       string  `yaml:"defaultPrompt"`
	NumInferenceSteps   int     `yaml:"numInferenceSteps"` // 10-50
	GuidanceScale       float64 `yaml:"guidanceScale"`     // 0-20
	NumImages           int     `yaml:"numImages"`         // 1-4
	OutputFormat        string  `yaml:"outputFormat"`      // "jpeg" or "png"
	ResolutionMode      string  `yaml:"resolutionMode"`
	EnableSafetyChecker bool    `yaml:"enableSafetyChecker"`
	SyncMode            bool    `yaml:"syncMode"`
	Acceleration        string  `yaml:"acceleration"` // "none", "regular", "high"
	RequestTimeout      int     `yaml:"requestTimeoutSeconds"`
	DownloadTimeout     int     `yaml:"downloadTimeoutSeconds"`
}

// ProcessingConfig contains batch processing and cleanup settings.
type ProcessingConfig struct {
	MaxBatchSize           int      `yaml:"maxBatchSize"`
	SupportedExtensions    []string `yaml:"supportedExtensions"`
	JobTimeoutMinutes      int      `yaml:"jobTimeoutMinutes"`
	CleanupIntervalMinutes int      `yaml:"cleanupIntervalMinutes"`
	GalleryLimit           int      `yaml:"galleryLimit"`
	ZipGalleryLimit        int      `yaml:"zipGalleryLimit"`
}

// SecurityConfig contains security settings. Auth credentials come from the
// environment only; the server requires basic auth when both are set.
type SecurityConfig struct {
	AllowFileDeletion bool   `yaml:"allowFileDeletion"`
	AuthUsername      string `yaml:"-"`
	AuthPassword      string `yaml:"-"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         7860,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 300,
			IdleTimeout:  120,
			BodyLimit:    "50M",
		},
		Storage: StorageConfig{
			OutputDirectory:  "./output",
			UploadsDirectory: "./output/uploads",
			TempDirectory:    "./output/temp",
		},
		Inference: InferenceConfig{
			Endpoint:            "https://fal.run/fal-ai/flux-kontext-lora",
			LoraURL:             "https://huggingface.co/ShadoWxShinigamI/harmonize/resolve/main/harmonize.safetensors",
			LoraWeight:          1.3,
			DefaultPrompt:       "harmonize with consistent colours and lighting and shadows",
			NumInferenceSteps:   30,
			GuidanceScale:       2.5,
			NumImages:           1,
			OutputFormat:        "png",
			ResolutionMode:      "match_input",
			EnableSafetyChecker: false,
			SyncMode:            false,
			Acceleration:        "none",
			RequestTimeout:      120,
			DownloadTimeout:     30,
		},
		Processing: ProcessingConfig{
			MaxBatchSize:           50,
			SupportedExtensions:    []string{".jpg", ".jpeg", ".png", ".webp", ".bmp"},
			JobTimeoutMinutes:      60,
			CleanupIntervalMinutes: 5,
			GalleryLimit:           20,
			ZipGalleryLimit:        10,
		},
		Security: SecurityConfig{
			AllowFileDeletion: true,
		},
	}
}

// LoadConfig loads configuration from a YAML file, creating it with defaults
// on first run. A .env file alongside the config (if present) is loaded
// before environment overrides are applied.
func LoadConfig(configPath string) (*AppConfig, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load(filepath.Join(filepath.Dir(configPath), ".env"))

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()
	cfg.resolvePaths(filepath.Dir(configPath))

	if cfg.FALKey == "" {
		return nil, fmt.Errorf("FAL_KEY not found in environment; set it in .env or the environment")
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Kontext Harmonise configuration\n# This file is auto-generated on first run.\n\n")
	if err := os.WriteFile(configPath, append(header, output...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values.
func (c *AppConfig) applyEnvironmentOverrides() {
	c.FALKey = os.Getenv("FAL_KEY")

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if bind := os.Getenv("BIND_ADDRESS"); bind != "" {
		c.Server.BindAddress = bind
	}
	if dir := os.Getenv("OUTPUT_DIR"); dir != "" {
		c.Storage.OutputDirectory = dir
		c.Storage.UploadsDirectory = filepath.Join(dir, "uploads")
		c.Storage.TempDirectory = filepath.Join(dir, "temp")
	}
	if prompt := os.Getenv("DEFAULT_PROMPT"); prompt != "" {
		c.Inference.DefaultPrompt = prompt
	}
	c.Security.AuthUsername = os.Getenv("AUTH_USERNAME")
	c.Security.AuthPassword = os.Getenv("AUTH_PASSWORD")
}

// BasicAuthEnabled reports whether basic auth credentials are configured.
func (c *AppConfig) BasicAuthEnabled() bool {
	return c.Security.AuthUsername != "" && c.Security.AuthPassword != ""
}

// resolvePaths makes relative storage paths absolute against the config dir.
func (c *AppConfig) resolvePaths(configDir string) {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(configDir, p)
	}
	c.Storage.OutputDirectory = resolve(c.Storage.OutputDirectory)
	c.Storage.UploadsDirectory = resolve(c.Storage.UploadsDirectory)
	c.Storage.TempDirectory = resolve(c.Storage.TempDirectory)
}

// GetOutputDir returns the result image output directory.
func (c *AppConfig) GetOutputDir() string {
	return c.Storage.OutputDirectory
}

// GetZipDir returns the batch archive directory inside the output dir.
func (c *AppConfig) GetZipDir() string {
	return filepath.Join(c.Storage.OutputDirectory, "zip_downloads")
}

// GetUploadDir returns the upload staging directory.
func (c *AppConfig) GetUploadDir() string {
	return c.Storage.UploadsDirectory
}

// GetServerAddr returns the address the server binds to.
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates all configured data directories.
func (c *AppConfig) EnsureDirectories() error {
	dirs := []string{
		c.Storage.OutputDirectory,
		c.GetZipDir(),
		c.Storage.UploadsDirectory,
		c.Storage.TempDirectory,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// IsSupportedImage reports whether the filename has a supported image extension.
func (c *AppConfig) IsSupportedImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, s := range c.Processing.SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}
