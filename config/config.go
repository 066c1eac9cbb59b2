// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"github.com/sirupsen/logrus"
)

type StartType int

const (
	// Tells vblank to start a repl in parallel for interacting with it
	START_REPL = StartType(iota)
	// Tells vblank to execute a specific command on startup
	START_SINGLE_COMMAND
	// Tells vblank to start without any specific targets
	// Note: Good luck interacting with it :3
	START_NONE
)

// Prefix of all environment overrides, VBLANK_BACKEND and so on
const EnvPrefix = "VBLANK"

// Where the config file is searched for inside the xdg config dirs
const SearchPath = "vblank/config.toml"

type VirtualOutput struct {
	Name       string  `toml:"name"`
	Width      int     `toml:"width"`
	Height     int     `toml:"height"`
	RefreshMHz int     `toml:"refresh_mhz"`
	Scale      float64 `toml:"scale,omitempty"`
}

type Config struct {
	StartType StartType `envconfig:"START_TYPE" toml:"start_type,omitempty"`
	// What command to execute on start. Only matters if StartType is set to START_SINGLE_COMMAND
	StartCommand *string `envconfig:"START_COMMAND" toml:"start_command,omitempty"`

	// auto, drm, x11, wayland or virtual
	Backend  string `envconfig:"BACKEND" toml:"backend"`
	LogLevel string `envconfig:"LOG_LEVEL" toml:"log_level"`

	SwapchainDepth     int  `envconfig:"SWAPCHAIN_DEPTH" toml:"swapchain_depth"`
	BufferAge          bool `envconfig:"BUFFER_AGE" toml:"buffer_age"`
	MaxPresentFailures int  `envconfig:"MAX_PRESENT_FAILURES" toml:"max_present_failures"`
	CursorLayer        bool `envconfig:"CURSOR_LAYER" toml:"cursor_layer"`

	DRMDevice string `envconfig:"DRM_DEVICE" toml:"drm_device"`

	VirtualOutputs []VirtualOutput `ignored:"true" toml:"virtual_outputs"`
	// Dump every presented virtual frame as BMP
	VirtualDump    bool   `envconfig:"VIRTUAL_DUMP" toml:"virtual_dump"`
	VirtualDumpDir string `envconfig:"VIRTUAL_DUMP_DIR" toml:"virtual_dump_dir,omitempty"`

	// Size and count of the windows the nested backends open
	NestedWidth    int    `envconfig:"NESTED_WIDTH" toml:"nested_width"`
	NestedHeight   int    `envconfig:"NESTED_HEIGHT" toml:"nested_height"`
	NestedOutputs  int    `envconfig:"NESTED_OUTPUTS" toml:"nested_outputs"`
	X11Display     string `envconfig:"X11_DISPLAY" toml:"x11_display,omitempty"`
	WaylandDisplay string `envconfig:"WAYLAND_DISPLAY" toml:"wayland_display,omitempty"`
}

func Default() Config {
	return Config{
		StartType:          START_REPL,
		Backend:            "auto",
		LogLevel:           "info",
		SwapchainDepth:     3,
		BufferAge:          true,
		MaxPresentFailures: 3,
		DRMDevice:          "/dev/dri/card0",
		VirtualOutputs: []VirtualOutput{
			{Name: "Virtual-1", Width: 1920, Height: 1080, RefreshMHz: 60000, Scale: 1},
		},
		NestedWidth:   1280,
		NestedHeight:  720,
		NestedOutputs: 1,
	}
}

// Load reads the config file at path on top of the defaults, then applies environment overrides.
// An empty path searches the xdg config dirs, not finding a file there is fine.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		found, err := xdg.SearchConfigFile(SearchPath)
		if err != nil {
			logrus.WithField("search", SearchPath).Debugln("No config file found, using defaults")
		} else {
			path = found
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
		logrus.WithField("path", path).Debugln("Loaded config file")
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("applying environment overrides: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values nothing can work with
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case "", "auto", "drm", "x11", "wayland", "virtual":
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.SwapchainDepth <= 0 {
		errs = append(errs, fmt.Errorf("swapchain_depth must be positive, got %d", c.SwapchainDepth))
	}
	if c.MaxPresentFailures <= 0 {
		errs = append(errs, fmt.Errorf("max_present_failures must be positive, got %d", c.MaxPresentFailures))
	}
	if c.NestedWidth <= 0 || c.NestedHeight <= 0 {
		errs = append(errs, fmt.Errorf("nested size must be positive, got %dx%d", c.NestedWidth, c.NestedHeight))
	}
	if c.NestedOutputs <= 0 {
		errs = append(errs, fmt.Errorf("nested_outputs must be positive, got %d", c.NestedOutputs))
	}
	if c.StartType == START_SINGLE_COMMAND && (c.StartCommand == nil || *c.StartCommand == "") {
		errs = append(errs, errors.New("start_type is single command but start_command is empty"))
	}
	for i, vo := range c.VirtualOutputs {
		if vo.Width <= 0 || vo.Height <= 0 {
			errs = append(errs, fmt.Errorf("virtual output %d: size must be positive, got %dx%d", i, vo.Width, vo.Height))
		}
		if vo.RefreshMHz <= 0 {
			errs = append(errs, fmt.Errorf("virtual output %d: refresh_mhz must be positive", i))
		}
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level, info if it doesn't parse
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// DumpDir returns where virtual frames get dumped, empty if dumping is off
func (c *Config) DumpDir() string {
	if !c.VirtualDump {
		return ""
	}
	if c.VirtualDumpDir != "" {
		return c.VirtualDumpDir
	}
	return filepath.Join(xdg.CacheHome, "vblank", "frames")
}
