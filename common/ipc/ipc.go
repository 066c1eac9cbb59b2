// Copyright (c) 2024 mStar
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ipc holds the JSON shapes the console and tool mode print
package ipc

type (
	// A request to list the available Outputs
	OutputRequest struct {
		// Whether to include the modes an output supports
		IncludeModes bool `json:"include_modes"`
		// Target one specific output
		SpecifiesOutput bool `json:"specifies_output"`
		// Name of the output you want info on. Only matters if SpecifiesOutput is set
		TargetOutput string `json:"target_output"`
	}

	// A mode an output supports
	OutputMode struct {
		// Mode height in pixel
		Height int `json:"height"`
		// Mode width in pixel
		Width int `json:"width"`
		// Refresh rate of the mode in millihertz
		RefreshRate int  `json:"refresh_rate"`
		Preferred   bool `json:"preferred,omitempty"`
	}

	// Response to a OutputRequest message
	OutputResponse struct {
		// List of all outputs. Only contains target output if specified
		Outputs []string `json:"outputs"`
		// A list of modes an output supports. Only set if IncludeModes is true
		OutputModes map[string][]OutputMode `json:"output_modes,omitempty"`
		// Nr of outputs found
		OutputsFound int `json:"outputs_found"`
	}

	// Everything about one output
	OutputInfo struct {
		Name      string     `json:"name"`
		Index     int        `json:"index"`
		X         int        `json:"x"`
		Y         int        `json:"y"`
		Mode      OutputMode `json:"mode"`
		Scale     float64    `json:"scale"`
		Transform string     `json:"transform"`
		Enabled   bool       `json:"enabled"`
		Failed    bool       `json:"failed"`
		Failure   string     `json:"failure,omitempty"`
		Frames    FrameStats `json:"frames"`
	}

	FrameStats struct {
		Presented           uint64 `json:"presented"`
		Dropped             uint64 `json:"dropped"`
		ConsecutiveFailures int    `json:"consecutive_failures"`
	}

	// State of an output's render loop
	LoopInfo struct {
		Output           string `json:"output"`
		State            string `json:"state"`
		RefreshRate      int    `json:"refresh_rate"`
		VblankIntervalNs int64  `json:"vblank_interval_ns"`
		LastPresentNs    int64  `json:"last_present_ns"`
		RepaintPending   bool   `json:"repaint_pending"`
		Inhibited        bool   `json:"inhibited"`
		Requested        uint64 `json:"requested"`
		Completed        uint64 `json:"completed"`
		Failed           uint64 `json:"failed"`
	}

	// State of one layer's swapchain
	SwapchainInfo struct {
		Output     string     `json:"output"`
		Layer      string     `json:"layer"`
		Width      int        `json:"width"`
		Height     int        `json:"height"`
		Format     string     `json:"format"`
		MaxSlots   int        `json:"max_slots"`
		Busy       int        `json:"busy"`
		BufferAge  bool       `json:"buffer_age"`
		JournalLen int        `json:"journal_len"`
		Slots      []SlotInfo `json:"slots"`
	}

	SlotInfo struct {
		ID    uint64 `json:"id"`
		Age   int    `json:"age"`
		State string `json:"state"`
	}
)
