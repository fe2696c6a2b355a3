package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidescreen/internal/config"
	"sidescreen/internal/types"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "config.yaml"))
}

func TestLoadDefaults(t *testing.T) {
	s, err := tempStore(t).Load()
	require.NoError(t, err)

	assert.Equal(t, config.DefaultPort, s.Port)
	assert.Equal(t, config.DefaultWidth, s.Width)
	assert.Equal(t, config.DefaultHeight, s.Height)
	assert.Equal(t, config.DefaultRefreshRate, s.RefreshRate)
	assert.Equal(t, config.DefaultBitrateMbps, s.BitrateMbps)
	assert.Equal(t, PresetMedium, s.Quality)
	assert.True(t, s.TouchEnabled)
	assert.False(t, s.GamingBoost)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	st := tempStore(t)

	s, err := st.Load()
	require.NoError(t, err)
	s.Port = 9000
	s.BitrateMbps = 200
	s.Quality = PresetHigh
	s.Rotation = 90
	s.DisplayPosX = 1920
	s.DisplayPosY = -120
	require.NoError(t, st.Save(s))

	reloaded, err := NewStore(st.path).Load()
	require.NoError(t, err)
	assert.Equal(t, s, reloaded)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Settings {
		s, err := tempStore(t).Load()
		require.NoError(t, err)
		return s
	}

	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"port zero", func(s *Settings) { s.Port = 0 }},
		{"port privileged", func(s *Settings) { s.Port = 80 }},
		{"port too high", func(s *Settings) { s.Port = 70000 }},
		{"bitrate too low", func(s *Settings) { s.BitrateMbps = 1 }},
		{"bitrate too high", func(s *Settings) { s.BitrateMbps = 10000 }},
		{"zero refresh", func(s *Settings) { s.RefreshRate = 0 }},
		{"bad rotation", func(s *Settings) { s.Rotation = 45 }},
		{"bad preset", func(s *Settings) { s.Quality = "insane" }},
		{"zero width", func(s *Settings) { s.Width = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := base()
			tc.mutate(s)
			err := s.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrConfigInvalid)
		})
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	st := tempStore(t)
	s, err := st.Load()
	require.NoError(t, err)
	s.Port = 0
	assert.ErrorIs(t, st.Save(s), types.ErrConfigInvalid)
}

func TestGamingBoostOverrides(t *testing.T) {
	s := &Settings{
		RefreshRate: 60,
		BitrateMbps: 100,
		Quality:     PresetHigh,
		GamingBoost: true,
	}
	assert.Equal(t, config.GamingBoostRefresh, s.EffectiveRefreshRate())
	assert.Equal(t, config.GamingBoostBitrateMbps, s.EffectiveBitrate())
	assert.Equal(t, config.GamingBoostQuality, s.EffectiveQuality())

	s.GamingBoost = false
	assert.Equal(t, 60, s.EffectiveRefreshRate())
	assert.Equal(t, 100, s.EffectiveBitrate())
	assert.Equal(t, config.QualityHigh, s.EffectiveQuality())
}
