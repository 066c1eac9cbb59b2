package main

import (
	"path/filepath"
	"testing"

	"github.com/mstarongithub/vblank/backend"
	"github.com/mstarongithub/vblank/backend/virtual"
	"github.com/mstarongithub/vblank/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectBackend(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "card0")
	tests := []struct {
		name    string
		wayland string
		display string
		conf    config.Config
		want    backend.Kind
	}{
		{name: "wayland session", wayland: "wayland-0", display: ":0", want: backend.KindWayland},
		{name: "x session", display: ":0", want: backend.KindX11},
		{name: "configured x display", conf: config.Config{X11Display: ":1"}, want: backend.KindX11},
		{name: "nothing", want: backend.KindVirtual},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Setenv("WAYLAND_DISPLAY", test.wayland)
			t.Setenv("DISPLAY", test.display)
			conf := test.conf
			conf.DRMDevice = missing
			assert.Equal(t, test.want, detectBackend(&conf))
		})
	}
}

func TestDetectBackendPrefersExistingDevice(t *testing.T) {
	t.Setenv("WAYLAND_DISPLAY", "")
	t.Setenv("DISPLAY", "")
	conf := config.Config{DRMDevice: t.TempDir()}
	assert.Equal(t, backend.KindDRM, detectBackend(&conf))
}

func TestNewBackendVirtual(t *testing.T) {
	conf := config.Default()
	conf.Backend = "virtual"
	conf.VirtualOutputs = []config.VirtualOutput{
		{Name: "A", Width: 64, Height: 32, RefreshMHz: 60000, Scale: 1},
	}
	b, kind, err := newBackend(&conf)
	require.NoError(t, err)
	assert.Equal(t, backend.KindVirtual, kind)
	assert.IsType(t, &virtual.Backend{}, b)
}

func TestNewBackendUnknown(t *testing.T) {
	conf := config.Default()
	conf.Backend = "fbdev"
	_, _, err := newBackend(&conf)
	assert.Error(t, err)
}
