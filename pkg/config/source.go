package config

import (
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Source yields the configuration in effect for one call.
type Source interface {
	Current() *Config
}

// Static is a Source that never changes.
type Static struct {
	cfg *Config
}

// NewStatic wraps a fixed configuration.
func NewStatic(cfg *Config) *Static {
	return &Static{cfg: cfg}
}

// Current returns the wrapped configuration.
func (s *Static) Current() *Config {
	return s.cfg
}

// Holder is a Source backed by a file that can be reloaded while running.
// Readers always see a complete configuration, never a partially updated one.
type Holder struct {
	current atomic.Pointer[Config]
	path    string
}

// NewHolder loads path and returns a Holder for it.
func NewHolder(path string) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	h := &Holder{path: path}
	h.current.Store(cfg)
	return h, nil
}

// Current returns the most recently loaded configuration.
func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Reload re-reads the file. On failure the previous configuration stays active.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		klog.Errorf("Keeping previous configuration, reload of %s failed: %v", h.path, err)
		return err
	}
	prev := h.current.Swap(cfg)
	if prev != nil && prev.ZFS.Base != cfg.ZFS.Base {
		klog.Infof("Base dataset changed from %s to %s", prev.ZFS.Base, cfg.ZFS.Base)
	}
	klog.Infof("Reloaded configuration from %s", h.path)
	return nil
}
