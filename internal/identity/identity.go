// Package identity derives a device identity from an uploaded filename.
//
// Recorders name their uploads <deviceId>_<unixMillis>.mp3 (or .m4a). Anything
// else still has to produce a usable identity, since uploads may come from
// renamed or hand-picked files.
package identity

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultDevice is used when nothing usable can be salvaged from a filename.
	DefaultDevice = "default-device"

	// maxDeviceLen caps synthesized device ids.
	maxDeviceLen = 20
)

var (
	devicePattern   = regexp.MustCompile(`(?i)^([^_]+)_(\d+)\.(mp3|m4a)$`)
	nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// Identity is the device identity and nominal capture time of one upload.
type Identity struct {
	DeviceUUID    string
	Timestamp     int64 // unix milliseconds
	TimestampDate time.Time
}

// Parse extracts a device identity from an uploaded filename. It is total:
// filenames that do not match the recorder format fall back to a sanitized
// identity with the current wall-clock time.
func Parse(filename string) Identity {
	if m := devicePattern.FindStringSubmatch(filename); m != nil {
		if millis, err := strconv.ParseInt(m[2], 10, 64); err == nil {
			return Identity{
				DeviceUUID:    m[1],
				Timestamp:     millis,
				TimestampDate: time.UnixMilli(millis),
			}
		}
	}

	now := time.Now()

	name := strings.TrimSuffix(filename, filepath.Ext(filename))
	device := nonAlphanumeric.ReplaceAllString(name, "")
	if len(device) > maxDeviceLen {
		device = device[:maxDeviceLen]
	}
	if device == "" {
		device = DefaultDevice
	}

	return Identity{
		DeviceUUID:    device,
		Timestamp:     now.UnixMilli(),
		TimestampDate: now,
	}
}
