// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"image"
	"os"

	"github.com/mstarongithub/vblank/backend"
	"github.com/mstarongithub/vblank/backend/drm"
	"github.com/mstarongithub/vblank/backend/virtual"
	"github.com/mstarongithub/vblank/backend/wayland"
	"github.com/mstarongithub/vblank/backend/x11"
	"github.com/mstarongithub/vblank/config"
)

// detectBackend picks the backend that fits the session we were started in
func detectBackend(conf *config.Config) backend.Kind {
	switch {
	case conf.WaylandDisplay != "" || os.Getenv("WAYLAND_DISPLAY") != "":
		return backend.KindWayland
	case conf.X11Display != "" || os.Getenv("DISPLAY") != "":
		return backend.KindX11
	}
	if _, err := os.Stat(conf.DRMDevice); err == nil {
		return backend.KindDRM
	}
	return backend.KindVirtual
}

func newBackend(conf *config.Config) (backend.Backend, backend.Kind, error) {
	kind, err := backend.ParseKind(conf.Backend)
	if err != nil {
		return nil, "", err
	}
	if kind == backend.KindAuto {
		kind = detectBackend(conf)
	}
	nested := image.Pt(conf.NestedWidth, conf.NestedHeight)
	switch kind {
	case backend.KindDRM:
		return drm.New(drm.Config{
			Device:         conf.DRMDevice,
			SwapchainDepth: conf.SwapchainDepth,
			BufferAge:      conf.BufferAge,
		}), kind, nil
	case backend.KindX11:
		return x11.New(x11.Config{
			Display:        conf.X11Display,
			Outputs:        conf.NestedOutputs,
			Size:           nested,
			SwapchainDepth: conf.SwapchainDepth,
			BufferAge:      conf.BufferAge,
		}), kind, nil
	case backend.KindWayland:
		return wayland.New(wayland.Config{
			Display:        conf.WaylandDisplay,
			Outputs:        conf.NestedOutputs,
			Size:           nested,
			SwapchainDepth: conf.SwapchainDepth,
			BufferAge:      conf.BufferAge,
		}), kind, nil
	default:
		outputs := make([]virtual.OutputConfig, 0, len(conf.VirtualOutputs))
		for _, o := range conf.VirtualOutputs {
			outputs = append(outputs, virtual.OutputConfig{
				Name:       o.Name,
				Size:       image.Pt(o.Width, o.Height),
				RefreshMHz: o.RefreshMHz,
				Scale:      o.Scale,
			})
		}
		return virtual.New(virtual.Config{
			Outputs:        outputs,
			SwapchainDepth: conf.SwapchainDepth,
			BufferAge:      conf.BufferAge,
			CursorLayer:    conf.CursorLayer,
			DumpDir:        conf.DumpDir(),
		}), backend.KindVirtual, nil
	}
}
