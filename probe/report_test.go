package probe

import (
	"bytes"
	"testing"

	"github.com/mstarongithub/vblank/common/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var probed = []Output{
	{Name: "DP-1", Modes: []Mode{
		{Width: 2560, Height: 1440, RefreshMHz: 143912, Preferred: true},
		{Width: 1920, Height: 1080, RefreshMHz: 60000},
	}},
	{Name: "HDMI-A-1", Modes: []Mode{{Width: 1920, Height: 1080, RefreshMHz: 59940, Preferred: true}}},
}

func TestResponse(t *testing.T) {
	resp := Response(probed, ipc.OutputRequest{})
	assert.Equal(t, []string{"DP-1", "HDMI-A-1"}, resp.Outputs)
	assert.Equal(t, 2, resp.OutputsFound)
	assert.Nil(t, resp.OutputModes)

	resp = Response(probed, ipc.OutputRequest{IncludeModes: true, SpecifiesOutput: true, TargetOutput: "DP-1"})
	assert.Equal(t, []string{"DP-1"}, resp.Outputs)
	require.Len(t, resp.OutputModes["DP-1"], 2)
	assert.Equal(t, ipc.OutputMode{Width: 2560, Height: 1440, RefreshRate: 143912, Preferred: true}, resp.OutputModes["DP-1"][0])

	resp = Response(probed, ipc.OutputRequest{SpecifiesOutput: true, TargetOutput: "eDP-1"})
	assert.Empty(t, resp.Outputs)
	assert.Zero(t, resp.OutputsFound)
}

func TestPrint(t *testing.T) {
	var buf bytes.Buffer
	PrintOutputs(&buf, probed)
	assert.Equal(t, "Output 0: DP-1\nOutput 1: HDMI-A-1\n", buf.String())

	buf.Reset()
	require.NoError(t, PrintModes(&buf, probed, "HDMI-A-1"))
	assert.Equal(t, "Modes for output HDMI-A-1:\n\t- 1920x1080@59.940 (Ratio: 0) (preferred)\n", buf.String())

	assert.Error(t, PrintModes(&buf, probed, "eDP-1"))
}
