package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Broadcast/internal/adapters/rtc"
	"github.com/dkeye/Broadcast/internal/adapters/source"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	ICEServers []rtc.ICEServer `mapstructure:"ice_servers"`
	UDPPortMin uint16          `mapstructure:"udp_port_min"`
	UDPPortMax uint16          `mapstructure:"udp_port_max"`
	NAT1To1IPs []string        `mapstructure:"nat_1to1_ips"`

	GatherTimeout   time.Duration `mapstructure:"gather_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxSessions     int           `mapstructure:"max_sessions"`
	CandidatePolicy string        `mapstructure:"candidate_policy"`

	// OfferRate is offers per second per client, OfferBurst the bucket size.
	OfferRate  float64 `mapstructure:"offer_rate"`
	OfferBurst int     `mapstructure:"offer_burst"`

	Source source.Config `mapstructure:"source"`
}

// RTC returns the engine settings.
func (c *Config) RTC() rtc.Config {
	return rtc.Config{
		ICEServers: c.ICEServers,
		UDPPortMin: c.UDPPortMin,
		UDPPortMax: c.UDPPortMax,
		NAT1To1IPs: c.NAT1To1IPs,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")

	v.SetDefault("ice_servers", []map[string]any{{"urls": []string{"stun:stun.l.google.com:19302"}}})
	v.SetDefault("udp_port_min", 0)
	v.SetDefault("udp_port_max", 0)
	v.SetDefault("nat_1to1_ips", []string{})

	v.SetDefault("gather_timeout", "10s")
	v.SetDefault("shutdown_timeout", "5s")
	v.SetDefault("max_sessions", 0)
	v.SetDefault("candidate_policy", "reject")
	v.SetDefault("offer_rate", 1.0)
	v.SetDefault("offer_burst", 5)

	v.SetDefault("source.kind", source.KindNone)
	v.SetDefault("source.url", "")
	v.SetDefault("source.format", "")
	v.SetDefault("source.options", map[string]string{})
	v.SetDefault("source.fps", source.DefaultFPS)
	v.SetDefault("source.retries", source.DefaultRetries)
	v.SetDefault("source.retry_delay", source.DefaultRetryDelay.String())
	v.SetDefault("source.mailbox", 1)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default). A missing
// file is not an error; BROADCAST_* variables override either way.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("BROADCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	logger := log.With().Str("module", "config").Logger()
	if err := v.ReadInConfig(); err != nil {
		logger.Warn().Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		logger.Info().Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger.Info().
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("source", cfg.Source.Kind).
		Str("candidate_policy", cfg.CandidatePolicy).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.UDPPortMin > c.UDPPortMax {
		return fmt.Errorf("udp_port_min %d > udp_port_max %d", c.UDPPortMin, c.UDPPortMax)
	}
	if c.GatherTimeout <= 0 {
		return fmt.Errorf("gather_timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}
