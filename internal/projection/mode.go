// Package projection maps target panorama pixels onto source camera tiles.
//
// A Plan is built once per configuration and holds, for every view role, the
// list of target pixels that role contributes to along with the bilinear
// sample position and the normalized blend weight. Plans are immutable and
// safe for concurrent use, which lets every frame reuse the same trigonometry.
package projection

import (
	"fmt"
	"strings"
)

// Mode selects the target projection.
type Mode int

const (
	// Equirectangular covers the full sphere: x is longitude, y is latitude.
	Equirectangular Mode = iota
	// Mono180 covers the front hemisphere with an equidistant fisheye curve.
	Mono180
)

// String returns the canonical name of the mode.
func (m Mode) String() string {
	switch m {
	case Equirectangular:
		return "equirectangular"
	case Mono180:
		return "mono180"
	default:
		return "unknown"
	}
}

// ParseMode parses a projection mode name.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "equirectangular", "equirect", "360":
		return Equirectangular, nil
	case "mono180", "180":
		return Mono180, nil
	default:
		return 0, fmt.Errorf("unknown projection mode: %q (use equirectangular or mono180)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m != Equirectangular && m != Mono180 {
		return nil, fmt.Errorf("unknown projection mode: %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// DefaultRoles returns the view roles a mode samples from by default.
// Mono180 never looks behind the viewer, so the back face is omitted.
func (m Mode) DefaultRoles() []ViewRole {
	switch m {
	case Mono180:
		return []ViewRole{FacePosX, FaceNegX, FacePosY, FaceNegY, FacePosZ}
	default:
		return []ViewRole{FacePosX, FaceNegX, FacePosY, FaceNegY, FacePosZ, FaceNegZ}
	}
}
