package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tgrelay/internal/models"
)

const forwardsJSON = `[
    {
        "sourceID": -1001111,
        "sourceName": "News",
        "destinationID": -1002222,
        "destinationName": "Mirror",
        "startDate": "2024-01-01",
        "endDate": "2024-01-31"
    },
    {
        "sourceID": -1003333,
        "sourceName": "Drafts",
        "destinationID": 0,
        "destinationName": ""
    }
]`

func TestParseForwards_JSON(t *testing.T) {
	configs, err := ParseForwards([]byte(forwardsJSON), false)
	require.NoError(t, err)
	require.Len(t, configs, 2)

	first := configs[0]
	assert.Equal(t, int64(-1001111), first.SourceID)
	assert.Equal(t, int64(-1002222), first.DestinationID)
	require.NotNil(t, first.StartDate)
	assert.Equal(t, "2024-01-01", first.StartDate.String())
	assert.Equal(t, "2024-01-31", first.EndDate.String())
	assert.True(t, first.Active())

	assert.Nil(t, configs[1].StartDate)
	assert.False(t, configs[1].Active())
}

func TestParseForwards_YAML(t *testing.T) {
	data := []byte(`
- sourceID: 100
  sourceName: src
  destinationID: 200
  destinationName: dst
  startDate: "2024-03-01"
  enabled: false
`)
	configs, err := ParseForwards(data, true)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "2024-03-01", configs[0].StartDate.String())
	assert.False(t, configs[0].IsEnabled())
}

func TestParseForwards_BadDate(t *testing.T) {
	_, err := ParseForwards([]byte(`[{"sourceID": 1, "destinationID": 2, "startDate": "01/02/2024"}]`), false)
	assert.Error(t, err)
}

func TestLoadForwards_MissingFile(t *testing.T) {
	configs, err := LoadForwards(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestSaveForwards_RoundTripByExtension(t *testing.T) {
	start := models.MustParseDate("2024-01-01")
	configs := []models.ForwardConfig{
		{SourceID: 100, SourceName: "src", DestinationID: 200, DestinationName: "dst", StartDate: &start},
	}

	for _, name := range []string{"forwards.json", "forwards.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, SaveForwards(path, configs))

			loaded, err := LoadForwards(path)
			require.NoError(t, err)
			assert.Equal(t, configs, loaded)

			_, err = os.Stat(path + ".tmp")
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestValidateForwards(t *testing.T) {
	jan1 := models.MustParseDate("2024-01-01")
	jan31 := models.MustParseDate("2024-01-31")

	tests := []struct {
		name      string
		configs   []models.ForwardConfig
		wantFatal int
		wantWarn  int
	}{
		{
			name:    "valid",
			configs: []models.ForwardConfig{{SourceID: 1, DestinationID: 2, StartDate: &jan1, EndDate: &jan31}},
		},
		{
			name:     "missing destination is a warning",
			configs:  []models.ForwardConfig{{SourceID: 1}},
			wantWarn: 1,
		},
		{
			name:      "duplicate source",
			configs:   []models.ForwardConfig{{SourceID: 1, DestinationID: 2}, {SourceID: 1, DestinationID: 3}},
			wantFatal: 1,
		},
		{
			name:      "reversed range",
			configs:   []models.ForwardConfig{{SourceID: 1, DestinationID: 2, StartDate: &jan31, EndDate: &jan1}},
			wantFatal: 1,
		},
		{
			name:      "forward to itself",
			configs:   []models.ForwardConfig{{SourceID: 1, DestinationID: 1}},
			wantFatal: 1,
		},
		{
			name:      "missing source",
			configs:   []models.ForwardConfig{{DestinationID: 2}},
			wantFatal: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var fatal, warn int
			for _, is := range ValidateForwards(tt.configs) {
				if is.Fatal {
					fatal++
				} else {
					warn++
				}
			}
			assert.Equal(t, tt.wantFatal, fatal)
			assert.Equal(t, tt.wantWarn, warn)
		})
	}
}

func TestBuildForwardSet(t *testing.T) {
	set, issues, err := BuildForwardSet([]models.ForwardConfig{
		{SourceID: 1, DestinationID: 2},
		{SourceID: 3},
	})
	require.NoError(t, err)
	assert.Len(t, issues, 1)
	assert.Equal(t, []int64{1}, set.SourceIDs())

	_, _, err = BuildForwardSet([]models.ForwardConfig{{SourceID: 1, DestinationID: 1}})
	assert.Error(t, err)
}

func TestForwardsFile_Edits(t *testing.T) {
	f := NewForwardsFile(filepath.Join(t.TempDir(), "forwardConfig.json"))

	configs, err := f.Load()
	require.NoError(t, err)
	assert.Empty(t, configs)

	require.NoError(t, f.Upsert(models.ForwardConfig{SourceID: 1, DestinationID: 2}))
	require.NoError(t, f.Upsert(models.ForwardConfig{SourceID: 3, DestinationID: 4}))
	require.NoError(t, f.Upsert(models.ForwardConfig{SourceID: 1, DestinationID: 5, SourceName: "renamed"}))

	configs, err = f.Load()
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, int64(5), configs[0].DestinationID)
	assert.Equal(t, "renamed", configs[0].SourceName)

	toggled, err := f.Toggle(3)
	require.NoError(t, err)
	assert.False(t, toggled.IsEnabled())
	toggled, err = f.Toggle(3)
	require.NoError(t, err)
	assert.True(t, toggled.IsEnabled())

	require.NoError(t, f.Remove(1))
	configs, err = f.Load()
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, int64(3), configs[0].SourceID)
}

func TestForwardsFile_Errors(t *testing.T) {
	f := NewForwardsFile(filepath.Join(t.TempDir(), "forwardConfig.json"))
	require.NoError(t, f.Upsert(models.ForwardConfig{SourceID: 1, DestinationID: 2}))

	assert.ErrorIs(t, f.Remove(9), ErrForwardNotFound)
	_, err := f.Toggle(9)
	assert.ErrorIs(t, err, ErrForwardNotFound)

	err = f.Upsert(models.ForwardConfig{SourceID: 7, DestinationID: 7})
	assert.ErrorIs(t, err, ErrInvalidForwards)

	configs, err := f.Load()
	require.NoError(t, err)
	assert.Len(t, configs, 1, "rejected edits are not saved")
}
