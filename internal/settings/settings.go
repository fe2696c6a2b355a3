// Package settings persists session settings and the virtual display
// position to a YAML file under the user's config directory.
package settings

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"sidescreen/internal/config"
	"sidescreen/internal/types"
)

// Quality presets selectable in settings.
const (
	PresetUltraLow = "ultralow"
	PresetLow      = "low"
	PresetMedium   = "medium"
	PresetHigh     = "high"
)

var presetValues = map[string]float64{
	PresetUltraLow: config.QualityUltraLow,
	PresetLow:      config.QualityLow,
	PresetMedium:   config.QualityMedium,
	PresetHigh:     config.QualityHigh,
}

// Settings is the mutable session configuration.
type Settings struct {
	Port         int    `mapstructure:"port"`
	Width        int    `mapstructure:"width"`
	Height       int    `mapstructure:"height"`
	RefreshRate  int    `mapstructure:"refresh_rate"`
	BitrateMbps  int    `mapstructure:"bitrate_mbps"`
	Quality      string `mapstructure:"quality"`
	GamingBoost  bool   `mapstructure:"gaming_boost"`
	Rotation     int    `mapstructure:"rotation"`
	TouchEnabled bool   `mapstructure:"touch_enabled"`

	// Saved virtual display placement relative to the desktop.
	DisplayPosX int `mapstructure:"display_pos_x"`
	DisplayPosY int `mapstructure:"display_pos_y"`
}

// EffectiveRefreshRate resolves the gaming-boost override.
func (s *Settings) EffectiveRefreshRate() int {
	if s.GamingBoost {
		return config.GamingBoostRefresh
	}
	return s.RefreshRate
}

// EffectiveBitrate resolves the gaming-boost override.
func (s *Settings) EffectiveBitrate() int {
	if s.GamingBoost {
		return config.GamingBoostBitrateMbps
	}
	return s.BitrateMbps
}

// EffectiveQuality maps the preset name to the encoder quality parameter.
func (s *Settings) EffectiveQuality() float64 {
	if s.GamingBoost {
		return config.GamingBoostQuality
	}
	if v, ok := presetValues[s.Quality]; ok {
		return v
	}
	return config.QualityMedium
}

// Validate rejects out-of-range values with ErrConfigInvalid.
func (s *Settings) Validate() error {
	if s.Port < config.MinPort || s.Port > config.MaxPort {
		return fmt.Errorf("%w: port %d outside [%d, %d]",
			types.ErrConfigInvalid, s.Port, config.MinPort, config.MaxPort)
	}
	if s.BitrateMbps < config.MinBitrateMbps || s.BitrateMbps > config.MaxBitrateMbps {
		return fmt.Errorf("%w: bitrate %d Mbps outside [%d, %d]",
			types.ErrConfigInvalid, s.BitrateMbps, config.MinBitrateMbps, config.MaxBitrateMbps)
	}
	if s.RefreshRate < 1 {
		return fmt.Errorf("%w: refresh rate %d", types.ErrConfigInvalid, s.RefreshRate)
	}
	if s.Width < 1 || s.Height < 1 {
		return fmt.Errorf("%w: resolution %dx%d", types.ErrConfigInvalid, s.Width, s.Height)
	}
	switch s.Rotation {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("%w: rotation %d", types.ErrConfigInvalid, s.Rotation)
	}
	if s.Quality != "" {
		if _, ok := presetValues[s.Quality]; !ok {
			return fmt.Errorf("%w: quality preset %q", types.ErrConfigInvalid, s.Quality)
		}
	}
	return nil
}

// Store loads and saves Settings through one YAML file.
type Store struct {
	v    *viper.Viper
	path string
}

// DefaultPath is the per-user config file location.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, config.AppName, "config.yaml")
}

// NewStore creates a store over the given file path ("" = DefaultPath).
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("port", config.DefaultPort)
	v.SetDefault("width", config.DefaultWidth)
	v.SetDefault("height", config.DefaultHeight)
	v.SetDefault("refresh_rate", config.DefaultRefreshRate)
	v.SetDefault("bitrate_mbps", config.DefaultBitrateMbps)
	v.SetDefault("quality", PresetMedium)
	v.SetDefault("gaming_boost", false)
	v.SetDefault("rotation", 0)
	v.SetDefault("touch_enabled", true)
	v.SetDefault("display_pos_x", 0)
	v.SetDefault("display_pos_y", 0)

	return &Store{v: v, path: path}
}

// Load reads the file (missing file yields defaults) and validates.
func (st *Store) Load() (*Settings, error) {
	if err := st.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "read config %s", st.path)
		}
	}

	var s Settings
	if err := st.v.Unmarshal(&s); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Save writes the settings back to the file, creating the directory on
// first use.
func (st *Store) Save(s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	st.v.Set("port", s.Port)
	st.v.Set("width", s.Width)
	st.v.Set("height", s.Height)
	st.v.Set("refresh_rate", s.RefreshRate)
	st.v.Set("bitrate_mbps", s.BitrateMbps)
	st.v.Set("quality", s.Quality)
	st.v.Set("gaming_boost", s.GamingBoost)
	st.v.Set("rotation", s.Rotation)
	st.v.Set("touch_enabled", s.TouchEnabled)
	st.v.Set("display_pos_x", s.DisplayPosX)
	st.v.Set("display_pos_y", s.DisplayPosY)

	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return errors.Wrap(err, "create config dir")
	}
	return errors.Wrapf(st.v.WriteConfigAs(st.path), "write config %s", st.path)
}
