package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSensitivity_Threshold(t *testing.T) {
	tests := []struct {
		sensitivity Sensitivity
		want        float64
		ok          bool
	}{
		{SensitivityLow, 0.85, true},
		{SensitivityMedium, 0.70, true},
		{SensitivityHigh, 0.55, true},
		{Sensitivity("extreme"), 0, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.sensitivity), func(t *testing.T) {
			got, ok := tt.sensitivity.Threshold()
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSavedSearch_Recipients_OwnerFirstAndDeduplicated(t *testing.T) {
	s := &SavedSearch{
		OwnerID:    "owner",
		SharedWith: []string{"viewer-1", "owner", "", "viewer-2", "viewer-1"},
	}

	assert.Equal(t, []string{"owner", "viewer-1", "viewer-2"}, s.Recipients())
}

func TestSavedSearch_DeepSearchTopN(t *testing.T) {
	s := &SavedSearch{}
	assert.Equal(t, 0, s.DeepSearchTopN(), "disabled deep search fetches nothing")

	s.DeepSearch = DeepSearchSettings{Enabled: true}
	assert.Equal(t, DefaultDeepSearchTopN, s.DeepSearchTopN())

	s.DeepSearch.TopN = 25
	assert.Equal(t, MaxDeepSearchTopN, s.DeepSearchTopN())

	s.DeepSearch.TopN = 7
	assert.Equal(t, 7, s.DeepSearchTopN())
}

func TestDataSources(t *testing.T) {
	assert.True(t, DataSourcesBoth.IncludesInternal())
	assert.True(t, DataSourcesBoth.IncludesWeb())
	assert.False(t, DataSourcesWeb.IncludesInternal())
	assert.False(t, DataSourcesInternal.IncludesWeb())
	assert.False(t, DataSources("ftp").Valid())
}

func TestSearchFilters_Excludes(t *testing.T) {
	f := SearchFilters{ExcludeTerms: []string{"Sponsored", ""}}

	assert.True(t, f.Excludes("This is a SPONSORED post"))
	assert.False(t, f.Excludes("Quarterly earnings"))
}
