package config

import (
	"fmt"
	"os"

	"github.com/untoldecay/midas/internal/types"
)

// EditableEntry is one row of the editable config surface: a flat
// {path, type, value} produced by walking the editable schema.
type EditableEntry struct {
	Path  string      `json:"path"`
	Type  string      `json:"type"` // bool | int | float | string
	Value interface{} `json:"value"`
}

// editableKey describes a setting the owner may change from a client.
// Sensitive keys (API keys, cookies, raw header maps) are deliberately not
// listed here and are rejected on patch.
type editableKey struct {
	path string
	typ  string
	get  func(*Settings) interface{}
}

var editableSchema = []editableKey{
	{"llm.enabled", "bool", func(s *Settings) interface{} { return s.LLM.Enabled }},
	{"llm.model", "string", func(s *Settings) interface{} { return s.LLM.Model }},
	{"llm.timeout_seconds", "int", func(s *Settings) interface{} { return s.LLM.TimeoutSeconds }},
	{"asr.mode", "string", func(s *Settings) interface{} { return s.ASR.Mode }},
	{"asr.model_size", "string", func(s *Settings) interface{} { return s.ASR.ModelSize }},
	{"asr.device", "string", func(s *Settings) interface{} { return s.ASR.Device }},
	{"asr.language", "string", func(s *Settings) interface{} { return s.ASR.Language }},
	{"xiaohongshu.mode", "string", func(s *Settings) interface{} { return s.Xiaohongshu.Mode }},
	{"xiaohongshu.collection_id", "string", func(s *Settings) interface{} { return s.Xiaohongshu.CollectionID }},
	{"xiaohongshu.default_limit", "int", func(s *Settings) interface{} { return s.Xiaohongshu.DefaultLimit }},
	{"xiaohongshu.max_limit", "int", func(s *Settings) interface{} { return s.Xiaohongshu.MaxLimit }},
	{"xiaohongshu.random_delay_min_seconds", "float", func(s *Settings) interface{} { return s.Xiaohongshu.RandomDelayMinSeconds }},
	{"xiaohongshu.random_delay_max_seconds", "float", func(s *Settings) interface{} { return s.Xiaohongshu.RandomDelayMaxSeconds }},
	{"xiaohongshu.min_live_sync_interval_seconds", "int", func(s *Settings) interface{} { return s.Xiaohongshu.MinLiveSyncIntervalSeconds }},
	{"xiaohongshu.request_timeout_seconds", "int", func(s *Settings) interface{} { return s.Xiaohongshu.RequestTimeoutSeconds }},
	{"xiaohongshu.circuit_breaker_failures", "int", func(s *Settings) interface{} { return s.Xiaohongshu.CircuitBreakerFailures }},
	{"xiaohongshu.web_readonly.detail_fetch_mode", "string", func(s *Settings) interface{} { return s.Xiaohongshu.WebReadonly.DetailFetchMode }},
	{"xiaohongshu.web_readonly.max_images_per_note", "int", func(s *Settings) interface{} { return s.Xiaohongshu.WebReadonly.MaxImagesPerNote }},
	{"bilibili.max_video_minutes", "int", func(s *Settings) interface{} { return s.Bilibili.MaxVideoMinutes }},
	{"runtime.log_level", "string", func(s *Settings) interface{} { return s.Runtime.LogLevel }},
}

// sensitiveKeys are filtered from snapshots and rejected on patch even if a
// client names them explicitly.
var sensitiveKeys = map[string]bool{
	"llm.api_key": true,
}

// EditableSnapshot returns the owner-editable settings as a flat list with
// sensitive fields masked out entirely.
func (h *Handle) EditableSnapshot() []EditableEntry {
	s := h.Get()
	out := make([]EditableEntry, 0, len(editableSchema))
	for _, k := range editableSchema {
		out = append(out, EditableEntry{Path: k.path, Type: k.typ, Value: k.get(s)})
	}
	return out
}

// ApplyPatch deep-merges a map of dotted-path keys into the settings, writes
// the config file, and atomically swaps the tree. Unknown, sensitive or
// type-mismatched keys fail the whole patch with INVALID_INPUT; no partial
// application is visible to readers.
func (h *Handle) ApplyPatch(patch map[string]interface{}) error {
	if len(patch) == 0 {
		return types.E(types.KindInvalidInput, "empty patch")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Coerce the whole patch before touching the live viper so a bad key
	// leaves no residue behind.
	staged := make(map[string]interface{}, len(patch))
	for path, raw := range patch {
		key, ok := findEditable(path)
		if !ok {
			if sensitiveKeys[path] {
				return types.E(types.KindInvalidInput, "key %q is sensitive and cannot be patched", path)
			}
			return types.E(types.KindInvalidInput, "key %q is not editable", path)
		}
		val, err := coerce(key.typ, raw)
		if err != nil {
			return types.E(types.KindInvalidInput, "key %q: %v", path, err)
		}
		staged[path] = val
	}

	for path, val := range staged {
		h.v.Set(path, val)
	}

	s, err := unmarshalSettings(h.v)
	if err != nil {
		// Validation rejected the patched tree; rebuild viper from the
		// last written file so the overrides do not linger.
		h.restoreLocked()
		return err
	}

	if err := h.writeConfigLocked(); err != nil {
		return err
	}
	h.cur.Store(s)
	return nil
}

// ResetToDefaults discards the editable overrides, rewrites the config file
// from defaults (preserving sensitive values already on disk), and swaps.
func (h *Handle) ResetToDefaults() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fresh := newViper(h.path)
	// Carry sensitive values forward so a reset does not log the owner out
	// of the LLM provider.
	for path := range sensitiveKeys {
		if cur := h.v.GetString(path); cur != "" {
			fresh.Set(path, cur)
		}
	}

	s, err := unmarshalSettings(fresh)
	if err != nil {
		return err
	}
	h.v = fresh
	if err := h.writeConfigLocked(); err != nil {
		return err
	}
	h.cur.Store(s)
	return nil
}

// restoreLocked discards in-memory overrides by re-reading the config file.
// Every successful patch and reset writes the file, so it is authoritative.
// Caller holds h.mu.
func (h *Handle) restoreLocked() {
	v := newViper(h.path)
	if _, err := os.Stat(h.path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			// Unreadable file: keep the tainted viper; the next Reload
			// surfaces the read error to the caller.
			return
		}
	}
	h.v = v
}

// writeConfigLocked persists the current viper state to the config file.
// Caller holds h.mu.
func (h *Handle) writeConfigLocked() error {
	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := h.v.WriteConfigAs(h.path); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func findEditable(path string) (editableKey, bool) {
	for _, k := range editableSchema {
		if k.path == path {
			return k, true
		}
	}
	return editableKey{}, false
}

// coerce validates a JSON-decoded value against the declared schema type.
// JSON numbers arrive as float64; ints must be whole.
func coerce(typ string, raw interface{}) (interface{}, error) {
	switch typ {
	case "bool":
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil
	case "int":
		switch n := raw.(type) {
		case float64:
			if n != float64(int64(n)) {
				return nil, fmt.Errorf("expected integer, got %v", n)
			}
			return int(n), nil
		case int:
			return n, nil
		default:
			return nil, fmt.Errorf("expected integer, got %T", raw)
		}
	case "float":
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		default:
			return nil, fmt.Errorf("expected number, got %T", raw)
		}
	case "string":
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", raw)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown schema type %q", typ)
	}
}
