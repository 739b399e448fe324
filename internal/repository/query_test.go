package repository

import (
	"testing"
	"time"

	"github.com/italolelis/game_launcher/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestQueryFilter(t *testing.T) {
	releases := []model.GameRelease{
		rel(t, "OMEGA/STABLE/5.3.0", base, "a"),
		rel(t, "OMEGA/NIGHTLY/5.4.0", base, "a"),
		rel(t, "ENGINE/STABLE/5.3.0", base, "a"),
		rel(t, "ENGINE/NIGHTLY/6.0.0", base, "a"),
	}

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"stable only", Query{}, []string{"OMEGA/STABLE/5.3.0", "ENGINE/STABLE/5.3.0"}},
		{"with pre-releases", Query{PreReleases: true}, ids(releases)},
		{"one profile", Query{Profile: model.ProfileEngine, PreReleases: true}, []string{"ENGINE/STABLE/5.3.0", "ENGINE/NIGHTLY/6.0.0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(tt.query.Filter(releases)))
		})
	}
}

func TestSelectDefault(t *testing.T) {
	releases := []model.GameRelease{
		rel(t, "OMEGA/STABLE/5.3.0", base, "a"),
		rel(t, "OMEGA/STABLE/5.2.0", base.Add(-time.Hour), "a"),
		rel(t, "OMEGA/STABLE/5.1.0", base.Add(-2*time.Hour), "a"),
	}

	installed := func(id model.GameIdentifier) bool {
		return id.Version == "5.1.0"
	}

	lastPlayed := releases[1].ID
	missing := model.GameIdentifier{Profile: model.ProfileOmega, Build: model.BuildStable, Version: "0.1"}

	tests := []struct {
		name       string
		lastPlayed *model.GameIdentifier
		installed  func(model.GameIdentifier) bool
		want       string
	}{
		{"last played", &lastPlayed, installed, "OMEGA/STABLE/5.2.0"},
		{"last played no longer listed", &missing, installed, "OMEGA/STABLE/5.1.0"},
		{"installed", nil, installed, "OMEGA/STABLE/5.1.0"},
		{"newest", nil, nil, "OMEGA/STABLE/5.3.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectDefault(releases, tt.lastPlayed, tt.installed)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got.ID.String())
		})
	}

	_, ok := SelectDefault(nil, &lastPlayed, installed)
	assert.False(t, ok)
}
