//go:build !windows

package source

import "github.com/muxable/framerelay/internal/codec"

// DefaultHWDevice is probed when no device type is configured.
const DefaultHWDevice codec.HWDeviceType = "vaapi"
