package repository

import (
	"github.com/italolelis/game_launcher/internal/model"
)

// Query selects releases for display.
type Query struct {
	// Profile restricts results to one profile when set.
	Profile model.Profile
	// PreReleases includes non-stable builds.
	PreReleases bool
}

// Filter returns the releases matching q, preserving order.
func (q Query) Filter(releases []model.GameRelease) []model.GameRelease {
	out := make([]model.GameRelease, 0, len(releases))

	for _, r := range releases {
		if q.Profile != "" && r.ID.Profile != q.Profile {
			continue
		}

		if !q.PreReleases && r.ID.Build.IsPreRelease() {
			continue
		}

		out = append(out, r)
	}

	return out
}

// SelectDefault picks the release to preselect: the last played one, else the first
// installed one, else the first release.
func SelectDefault(releases []model.GameRelease, lastPlayed *model.GameIdentifier, installed func(model.GameIdentifier) bool) (model.GameRelease, bool) {
	if len(releases) == 0 {
		return model.GameRelease{}, false
	}

	if lastPlayed != nil {
		for _, r := range releases {
			if r.ID == *lastPlayed {
				return r, true
			}
		}
	}

	if installed != nil {
		for _, r := range releases {
			if installed(r.ID) {
				return r, true
			}
		}
	}

	return releases[0], true
}
