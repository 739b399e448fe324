package model

import (
	"fmt"
	"strings"
	"time"
)

// Profile is the game variant a release belongs to.
type Profile string

const (
	ProfileOmega  Profile = "OMEGA"
	ProfileEngine Profile = "ENGINE"
)

// Profiles lists the known profiles in display order.
var Profiles = []Profile{ProfileOmega, ProfileEngine}

func (p Profile) Valid() bool {
	switch p {
	case ProfileOmega, ProfileEngine:
		return true
	}

	return false
}

// Build is the release channel of a game version.
type Build string

const (
	BuildStable  Build = "STABLE"
	BuildNightly Build = "NIGHTLY"
)

func (b Build) Valid() bool {
	switch b {
	case BuildStable, BuildNightly:
		return true
	}

	return false
}

// IsPreRelease reports whether the build channel is anything but stable.
func (b Build) IsPreRelease() bool {
	return b != BuildStable
}

// GameIdentifier addresses one version of the game on one channel of one profile.
// It is a comparable value and is used as a map key throughout the launcher.
type GameIdentifier struct {
	Profile Profile
	Build   Build
	Version string
}

// NewGameIdentifier builds a validated identifier.
func NewGameIdentifier(profile Profile, build Build, version string) (GameIdentifier, error) {
	id := GameIdentifier{Profile: profile, Build: build, Version: version}
	if err := id.Validate(); err != nil {
		return GameIdentifier{}, err
	}

	return id, nil
}

// ParseGameIdentifier parses the "PROFILE/BUILD/VERSION" form produced by String.
// Profile and build are matched case-insensitively.
func ParseGameIdentifier(s string) (GameIdentifier, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 3)
	if len(parts) != 3 {
		return GameIdentifier{}, fmt.Errorf("invalid game identifier %q: want PROFILE/BUILD/VERSION", s)
	}

	return NewGameIdentifier(
		Profile(strings.ToUpper(parts[0])),
		Build(strings.ToUpper(parts[1])),
		parts[2],
	)
}

func (id GameIdentifier) Validate() error {
	if !id.Profile.Valid() {
		return fmt.Errorf("invalid profile %q", id.Profile)
	}

	if !id.Build.Valid() {
		return fmt.Errorf("invalid build %q", id.Build)
	}

	if strings.TrimSpace(id.Version) == "" {
		return fmt.Errorf("empty version")
	}

	return nil
}

func (id GameIdentifier) IsZero() bool {
	return id == GameIdentifier{}
}

func (id GameIdentifier) String() string {
	return string(id.Profile) + "/" + string(id.Build) + "/" + id.Version
}

// MarshalText lets identifiers round-trip through TOML and JSON settings.
func (id GameIdentifier) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *GameIdentifier) UnmarshalText(b []byte) error {
	parsed, err := ParseGameIdentifier(string(b))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// GameRelease is a downloadable artifact for one identifier as published by a catalog source.
type GameRelease struct {
	ID          GameIdentifier
	Timestamp   time.Time
	DownloadURL string
	Changelog   []string
	Source      string
}

// Newer reports whether r should replace other when both describe the same identifier.
// Ties keep other so that the first configured source wins.
func (r GameRelease) Newer(other GameRelease) bool {
	return r.Timestamp.After(other.Timestamp)
}
