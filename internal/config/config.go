// Package config loads YAML run profiles.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zboralski/loris/internal/extract"
	"github.com/zboralski/loris/internal/firmware"
	"github.com/zboralski/loris/internal/intercept"
)

// SVD selects a device description for trace annotation.
type SVD struct {
	Vendor string   `yaml:"vendor"`
	Part   string   `yaml:"part"`
	Dirs   []string `yaml:"dirs"`
}

// Config is a run profile. Zero fields take the defaults from Default.
type Config struct {
	Firmware   string            `yaml:"firmware"`
	Format     string            `yaml:"format"`
	FlashBase  uint32            `yaml:"flash_base"`
	RAMBase    uint32            `yaml:"ram_base"`
	RAMSize    uint32            `yaml:"ram_size"`
	NoAlias    bool              `yaml:"no_alias"`
	Regions    []firmware.Region `yaml:"regions"`
	BitBand    bool              `yaml:"bitband"`
	Start      uint32            `yaml:"start"`
	Until      uint32            `yaml:"until"`
	Count      int               `yaml:"count"`
	Intercepts []intercept.Rule  `yaml:"intercepts"`
	SVD        SVD               `yaml:"svd"`
	Script     string            `yaml:"script"`
	Stubs      bool              `yaml:"stubs"`
	Magic      string            `yaml:"magic"`
}

// Default returns the built-in profile: STM32-style flash and 1 MiB of RAM.
func Default() *Config {
	l := firmware.DefaultLayout()
	return &Config{
		Format:    firmware.FormatAuto,
		FlashBase: firmware.DefaultFlashBase,
		RAMBase:   l.RAMBase,
		RAMSize:   l.RAMSize,
		Magic:     fmt.Sprintf("%x", extract.DefaultMagic),
	}
}

// Load reads path over the defaults. Relative firmware and script paths
// are resolved against the profile's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	c.Firmware = resolve(dir, c.Firmware)
	c.Script = resolve(dir, c.Script)
	for i, d := range c.SVD.Dirs {
		c.SVD.Dirs[i] = resolve(dir, d)
	}
	return c, nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// Parse decodes YAML over the defaults. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks values that would otherwise fail deep inside setup.
func (c *Config) Validate() error {
	switch c.Format {
	case firmware.FormatAuto, firmware.FormatRaw, firmware.FormatELF:
	default:
		return fmt.Errorf("format %q: want auto, raw or elf", c.Format)
	}
	if c.Count < 0 {
		return fmt.Errorf("count %d is negative", c.Count)
	}
	for _, r := range c.Regions {
		if r.Size == 0 {
			return fmt.Errorf("region %s has zero size", r.Name)
		}
		if r.Prot != "" {
			if _, err := firmware.ParseProt(r.Prot); err != nil {
				return fmt.Errorf("region %s: %w", r.Name, err)
			}
		}
	}
	for _, r := range c.Intercepts {
		if _, err := r.Normalize(); err != nil {
			return err
		}
	}
	if (c.SVD.Vendor == "") != (c.SVD.Part == "") {
		return fmt.Errorf("svd needs both vendor and part")
	}
	if _, err := extract.ParseMagic(c.Magic); err != nil {
		return err
	}
	return nil
}

// Layout returns the memory layout the profile describes.
func (c *Config) Layout() firmware.Layout {
	return firmware.Layout{
		Alias:   !c.NoAlias,
		RAMBase: c.RAMBase,
		RAMSize: c.RAMSize,
		Extra:   c.Regions,
	}
}

// Dump renders the effective profile.
func (c *Config) Dump(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
