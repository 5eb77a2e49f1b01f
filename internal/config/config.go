// Package config provides the typed, hot-swappable settings handle.
//
// Settings load from a single YAML file. Every relative path inside the file
// resolves against the config file's directory, never the process working
// directory. Readers get a consistent tree via an atomic pointer; writers
// (reload, patch, reset) are serialized behind a mutex and swap the whole
// tree at once.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/viper"

	"github.com/untoldecay/midas/internal/types"
)

// Settings is the full runtime configuration tree.
type Settings struct {
	Runtime     RuntimeSettings     `mapstructure:"runtime"`
	Server      ServerSettings      `mapstructure:"server"`
	Storage     StorageSettings     `mapstructure:"storage"`
	LLM         LLMSettings         `mapstructure:"llm"`
	ASR         ASRSettings         `mapstructure:"asr"`
	Bilibili    BilibiliSettings    `mapstructure:"bilibili"`
	Xiaohongshu XiaohongshuSettings `mapstructure:"xiaohongshu"`
}

type RuntimeSettings struct {
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

type ServerSettings struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type StorageSettings struct {
	DataDir      string `mapstructure:"data_dir"`
	BackupDir    string `mapstructure:"backup_dir"`
	ScratchDir   string `mapstructure:"scratch_dir"`
	BackupRetain int    `mapstructure:"backup_retain"`
}

type LLMSettings struct {
	Enabled        bool   `mapstructure:"enabled"`
	Provider       string `mapstructure:"provider"` // "openai" or "anthropic"
	Model          string `mapstructure:"model"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"` // sensitive
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type ASRSettings struct {
	Mode      string `mapstructure:"mode"` // "whisper_cli" or "disabled"
	ModelSize string `mapstructure:"model_size"`
	Device    string `mapstructure:"device"`
	Language  string `mapstructure:"language"`
	Binary    string `mapstructure:"binary"`
}

type BilibiliSettings struct {
	MaxVideoMinutes int `mapstructure:"max_video_minutes"`
}

type XiaohongshuSettings struct {
	Mode                        string              `mapstructure:"mode"` // "web_readonly"
	CollectionID                string              `mapstructure:"collection_id"`
	DefaultLimit                int                 `mapstructure:"default_limit"`
	MaxLimit                    int                 `mapstructure:"max_limit"`
	RandomDelayMinSeconds       float64             `mapstructure:"random_delay_min_seconds"`
	RandomDelayMaxSeconds       float64             `mapstructure:"random_delay_max_seconds"`
	MinLiveSyncIntervalSeconds  int                 `mapstructure:"min_live_sync_interval_seconds"`
	RequestTimeoutSeconds       int                 `mapstructure:"request_timeout_seconds"`
	CircuitBreakerFailures      int                 `mapstructure:"circuit_breaker_failures"`
	HARPath                     string              `mapstructure:"har_path"`
	CurlPath                    string              `mapstructure:"curl_path"`
	AllowedHosts                []string            `mapstructure:"allowed_hosts"`
	WebReadonly                 WebReadonlySettings `mapstructure:"web_readonly"`
}

type WebReadonlySettings struct {
	DetailFetchMode  string `mapstructure:"detail_fetch_mode"` // auto | always | never
	MaxImagesPerNote int    `mapstructure:"max_images_per_note"`
}

// Handle owns the settings tree. Obtain one with Load; pass it down
// explicitly instead of reading package-level state.
type Handle struct {
	path string // absolute path to the config file
	dir  string // directory of the config file; anchors relative paths

	mu  sync.Mutex // serializes reload/patch/reset
	v   *viper.Viper
	cur atomic.Pointer[Settings]
}

// Load reads the YAML config at path and returns a handle. A missing file is
// not an error; defaults apply and the file is created on first patch.
func Load(path string) (*Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}

	h := &Handle{path: abs, dir: filepath.Dir(abs)}
	h.v = newViper(abs)

	if _, err := os.Stat(abs); err == nil {
		if err := h.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", abs, err)
		}
	}

	s, err := unmarshalSettings(h.v)
	if err != nil {
		return nil, err
	}
	h.cur.Store(s)
	return h, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	// Environment variables take precedence over the config file.
	// E.g. MIDAS_LLM_API_KEY maps to llm.api_key.
	v.SetEnvPrefix("MIDAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.log_level", "info")
	v.SetDefault("runtime.log_file", "")

	v.SetDefault("server.listen_addr", "127.0.0.1:864")

	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.backup_dir", "backups")
	v.SetDefault("storage.scratch_dir", "scratch")
	v.SetDefault("storage.backup_retain", 30)

	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.timeout_seconds", 120)

	v.SetDefault("asr.mode", "whisper_cli")
	v.SetDefault("asr.model_size", "base")
	v.SetDefault("asr.device", "cpu")
	v.SetDefault("asr.language", "zh")
	v.SetDefault("asr.binary", "")

	v.SetDefault("bilibili.max_video_minutes", 240)

	v.SetDefault("xiaohongshu.mode", "web_readonly")
	v.SetDefault("xiaohongshu.collection_id", "")
	v.SetDefault("xiaohongshu.default_limit", 10)
	v.SetDefault("xiaohongshu.max_limit", 50)
	v.SetDefault("xiaohongshu.random_delay_min_seconds", 2.0)
	v.SetDefault("xiaohongshu.random_delay_max_seconds", 6.0)
	v.SetDefault("xiaohongshu.min_live_sync_interval_seconds", 1800)
	v.SetDefault("xiaohongshu.request_timeout_seconds", 20)
	v.SetDefault("xiaohongshu.circuit_breaker_failures", 3)
	v.SetDefault("xiaohongshu.har_path", "xiaohongshu.har")
	v.SetDefault("xiaohongshu.curl_path", "xiaohongshu.curl")
	v.SetDefault("xiaohongshu.allowed_hosts", []string{"edith.xiaohongshu.com", "www.xiaohongshu.com"})
	v.SetDefault("xiaohongshu.web_readonly.detail_fetch_mode", "auto")
	v.SetDefault("xiaohongshu.web_readonly.max_images_per_note", 9)
}

func unmarshalSettings(v *viper.Viper) (*Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, types.Wrap(types.KindInvalidInput, err, "config does not match schema")
	}
	if err := validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func validate(s *Settings) error {
	switch s.Xiaohongshu.WebReadonly.DetailFetchMode {
	case "auto", "always", "never":
	default:
		return types.E(types.KindInvalidInput,
			"xiaohongshu.web_readonly.detail_fetch_mode must be auto, always or never (got %q)",
			s.Xiaohongshu.WebReadonly.DetailFetchMode)
	}
	if s.Xiaohongshu.RandomDelayMaxSeconds < s.Xiaohongshu.RandomDelayMinSeconds {
		return types.E(types.KindInvalidInput, "xiaohongshu.random_delay_max_seconds < random_delay_min_seconds")
	}
	if s.Bilibili.MaxVideoMinutes <= 0 {
		return types.E(types.KindInvalidInput, "bilibili.max_video_minutes must be positive")
	}
	if s.Xiaohongshu.MaxLimit <= 0 || s.Xiaohongshu.DefaultLimit <= 0 {
		return types.E(types.KindInvalidInput, "xiaohongshu limits must be positive")
	}
	switch s.LLM.Provider {
	case "openai", "anthropic":
	default:
		return types.E(types.KindInvalidInput, "llm.provider must be openai or anthropic (got %q)", s.LLM.Provider)
	}
	return nil
}

// Get returns the current settings tree. The returned pointer must be
// treated as read-only.
func (h *Handle) Get() *Settings {
	return h.cur.Load()
}

// Path returns the absolute config file path.
func (h *Handle) Path() string { return h.path }

// Dir returns the config file's directory. All relative on-disk paths in the
// settings tree anchor here.
func (h *Handle) Dir() string { return h.dir }

// Resolve turns a possibly-relative path from the settings tree into an
// absolute path anchored at the config directory.
func (h *Handle) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(h.dir, p)
}

// DataDir returns the absolute database directory.
func (h *Handle) DataDir() string { return h.Resolve(h.Get().Storage.DataDir) }

// BackupDir returns the absolute backup snapshot directory.
func (h *Handle) BackupDir() string { return h.Resolve(h.Get().Storage.BackupDir) }

// ScratchDir returns the absolute scratch directory for audio artifacts.
func (h *Handle) ScratchDir() string { return h.Resolve(h.Get().Storage.ScratchDir) }

// HARPath returns the absolute path of the HAR capture file.
func (h *Handle) HARPath() string { return h.Resolve(h.Get().Xiaohongshu.HARPath) }

// CurlPath returns the absolute path of the cURL capture file.
func (h *Handle) CurlPath() string { return h.Resolve(h.Get().Xiaohongshu.CurlPath) }

// Timeout returns the configured outer LLM deadline.
func (s *LLMSettings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request upstream deadline.
func (s *XiaohongshuSettings) RequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSeconds) * time.Second
}

// MinLiveSyncInterval returns the sync cooldown interval.
func (s *XiaohongshuSettings) MinLiveSyncInterval() time.Duration {
	return time.Duration(s.MinLiveSyncIntervalSeconds) * time.Second
}

// Reload re-reads the config file and swaps the tree if it parses cleanly.
func (h *Handle) Reload() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	v := newViper(h.path)
	if _, err := os.Stat(h.path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file %s: %w", h.path, err)
		}
	}
	s, err := unmarshalSettings(v)
	if err != nil {
		return err
	}
	h.v = v
	h.cur.Store(s)
	return nil
}
