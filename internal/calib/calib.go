// Package calib loads the Calibration Profile (§3): per-camera intrinsics,
// rectification data, and stereo rig geometry. The profile is an input to
// the core — intrinsics/extrinsics computation itself is out of scope
// (§1) — authored by hand at commissioning time and loaded once at
// Orchestrator start.
package calib

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Intrinsics holds a single camera's lens model.
type Intrinsics struct {
	Serial string     `toml:"serial"`
	Fx     float64    `toml:"fx"`
	Fy     float64    `toml:"fy"`
	Cx     float64    `toml:"cx"`
	Cy     float64    `toml:"cy"`
	Dist   [5]float64 `toml:"dist_coeffs"`
}

// StereoGeometry holds the rig's shared geometry.
type StereoGeometry struct {
	BaselineFt float64      `toml:"baseline_ft"`
	ProjLeft   [3][4]float64 `toml:"proj_left"`
	ProjRight  [3][4]float64 `toml:"proj_right"`
	Fundamental [3][3]float64 `toml:"fundamental"`
}

// Profile is the full Calibration Profile, immutable for the lifetime of
// a capture session.
type Profile struct {
	Left          Intrinsics     `toml:"left"`
	Right         Intrinsics     `toml:"right"`
	Stereo        StereoGeometry `toml:"stereo"`
	PlatePlaneZFt float64        `toml:"plate_plane_z_ft"`
	// RigNote documents the rig coordinate definition for humans; the
	// contract itself (§6) is fixed and not configurable.
	RigNote string `toml:"rig_note"`
}

// Load reads and structurally validates a Profile from a TOML file.
func Load(path string) (*Profile, error) {
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("decode calibration profile %q: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid calibration profile %q: %w", path, err)
	}
	return &p, nil
}

// Validate checks that the profile is structurally usable: both camera
// serials present and distinct, a positive baseline, and a proj_left that
// is not all zeros. proj_right and the plate plane are not checked.
func (p *Profile) Validate() error {
	if p.Left.Serial == "" || p.Right.Serial == "" {
		return fmt.Errorf("left/right camera serials must be set")
	}
	if p.Left.Serial == p.Right.Serial {
		return fmt.Errorf("left and right serials must differ")
	}
	if p.Stereo.BaselineFt <= 0 {
		return fmt.Errorf("stereo.baseline_ft must be positive")
	}
	allZero := true
	for _, row := range p.Stereo.ProjLeft {
		for _, v := range row {
			if v != 0 {
				allZero = false
			}
		}
	}
	if allZero {
		return fmt.Errorf("stereo.proj_left must be populated")
	}
	return nil
}

// MatchesSerials reports whether the profile was calibrated against the
// given left/right serials, per §3's "left/right camera serials the
// profile was calibrated against" invariant.
func (p *Profile) MatchesSerials(leftSerial, rightSerial string) bool {
	return p.Left.Serial == leftSerial && p.Right.Serial == rightSerial
}
