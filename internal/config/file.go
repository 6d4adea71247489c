package config

import (
	"os"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config with strings for durations and pointers for
// values whose zero is meaningful.
type FileConfig struct {
	Listen     string   `toml:"listen"`
	Rotctld    string   `toml:"rotctld"`
	Transport  string   `toml:"transport"`
	Interface  string   `toml:"interface"`
	Serial     string   `toml:"serial"`
	SerialBaud *int     `toml:"serial_baud"`
	Bitrate    *int     `toml:"bitrate"`
	Remote     string   `toml:"remote"`
	Policy     string   `toml:"policy"`
	Timeout    string   `toml:"timeout"`
	Settle     string   `toml:"settle"`
	Poll       string   `toml:"poll_interval"`
	Epsilon    *int     `toml:"epsilon"`
	Rounding   string   `toml:"rounding"`
	Presets    string   `toml:"presets"`
	LogLevel   string   `toml:"log_level"`
	Yaw        AxisFile `toml:"yaw"`
	Pitch      AxisFile `toml:"pitch"`
}

type AxisFile struct {
	Address *int32   `toml:"address"`
	Min     *int32   `toml:"min"`
	Max     *int32   `toml:"max"`
	Speed   *float64 `toml:"speed"`
}

func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// ApplyFileConfig copies file values into cfg, skipping flags in changed.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("listen", fc.Listen, &cfg.Listen)
	s.setString("rotctld", fc.Rotctld, &cfg.Rotctld)
	s.setString("transport", fc.Transport, &cfg.Transport)
	s.setString("interface", fc.Interface, &cfg.Interface)
	s.setString("serial", fc.Serial, &cfg.Serial)
	s.setInt("serial-baud", fc.SerialBaud, &cfg.SerialBaud)
	s.setInt("bitrate", fc.Bitrate, &cfg.Bitrate)
	s.setString("remote", fc.Remote, &cfg.Remote)
	s.setString("policy", fc.Policy, &cfg.Policy)
	s.setInt("epsilon", fc.Epsilon, &cfg.Epsilon)
	s.setString("rounding", fc.Rounding, &cfg.Rounding)
	s.setString("presets", fc.Presets, &cfg.Presets)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("timeout", fc.Timeout, &cfg.Timeout); err != nil {
		return err
	}
	if err := s.setDuration("settle", fc.Settle, &cfg.Settle); err != nil {
		return err
	}
	if err := s.setDuration("poll", fc.Poll, &cfg.PollInterval); err != nil {
		return err
	}

	applyAxis(s, "yaw", fc.Yaw, &cfg.Yaw)
	applyAxis(s, "pitch", fc.Pitch, &cfg.Pitch)
	return nil
}

func applyAxis(s *configSetter, name string, fa AxisFile, a *Axis) {
	if fa.Address != nil && !s.changed[name+"-address"] {
		a.Address = uint32(*fa.Address)
	}
	s.setInt32(name+"-min", fa.Min, &a.Min)
	s.setInt32(name+"-max", fa.Max, &a.Max)
	s.setFloat(name+"-speed", fa.Speed, &a.Speed)
}
