package config

import "os"

// ApplyEnvConfig applies GIMBAL_* environment variables, skipping flags in
// changed.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("listen", os.Getenv("GIMBAL_LISTEN"), &cfg.Listen)
	s.setString("rotctld", os.Getenv("GIMBAL_ROTCTLD"), &cfg.Rotctld)
	s.setString("transport", os.Getenv("GIMBAL_TRANSPORT"), &cfg.Transport)
	s.setString("interface", os.Getenv("GIMBAL_INTERFACE"), &cfg.Interface)
	s.setString("serial", os.Getenv("GIMBAL_SERIAL"), &cfg.Serial)
	s.setString("remote", os.Getenv("GIMBAL_REMOTE"), &cfg.Remote)
	s.setString("remote-password", os.Getenv("GIMBAL_REMOTE_PASSWORD"), &cfg.RemotePassword)
	s.setString("policy", os.Getenv("GIMBAL_POLICY"), &cfg.Policy)
	s.setString("rounding", os.Getenv("GIMBAL_ROUNDING"), &cfg.Rounding)
	s.setString("presets", os.Getenv("GIMBAL_PRESETS"), &cfg.Presets)
	s.setString("log-level", os.Getenv("GIMBAL_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setDuration("timeout", os.Getenv("GIMBAL_TIMEOUT"), &cfg.Timeout); err != nil {
		return err
	}
	if err := s.setDuration("settle", os.Getenv("GIMBAL_SETTLE"), &cfg.Settle); err != nil {
		return err
	}
	if err := s.setDuration("poll", os.Getenv("GIMBAL_POLL_INTERVAL"), &cfg.PollInterval); err != nil {
		return err
	}

	for flag, dst := range map[string]*int{
		"serial-baud": &cfg.SerialBaud,
		"bitrate":     &cfg.Bitrate,
		"epsilon":     &cfg.Epsilon,
	} {
		v, err := intFromString(flag, os.Getenv(envName(flag)))
		if err != nil {
			return err
		}
		s.setInt(flag, v, dst)
	}
	for flag, dst := range map[string]*int32{
		"yaw-min":   &cfg.Yaw.Min,
		"yaw-max":   &cfg.Yaw.Max,
		"pitch-min": &cfg.Pitch.Min,
		"pitch-max": &cfg.Pitch.Max,
	} {
		v, err := int32FromString(flag, os.Getenv(envName(flag)))
		if err != nil {
			return err
		}
		s.setInt32(flag, v, dst)
	}
	for flag, dst := range map[string]*float64{
		"yaw-speed":   &cfg.Yaw.Speed,
		"pitch-speed": &cfg.Pitch.Speed,
	} {
		v, err := floatFromString(flag, os.Getenv(envName(flag)))
		if err != nil {
			return err
		}
		s.setFloat(flag, v, dst)
	}
	return nil
}

// envName maps a flag name to its variable, e.g. yaw-min to GIMBAL_YAW_MIN.
func envName(flag string) string {
	b := []byte("GIMBAL_" + flag)
	for i, c := range b {
		switch {
		case c == '-':
			b[i] = '_'
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}
