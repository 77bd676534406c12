package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int    `mapstructure:"port" validate:"min=1,max=65535"`
	PublicPort int    `mapstructure:"public_port" validate:"min=1,max=65535"`

	APIURL string `mapstructure:"api_url" validate:"required,url"`
	APIKey string `mapstructure:"api_key" validate:"required"`

	IPv4        string `mapstructure:"ip_v4" validate:"omitempty,ipv4"`
	IPv6        string `mapstructure:"ip_v6" validate:"omitempty,ipv6"`
	UseIPv6     bool   `mapstructure:"use_ipv6"`
	ListenIP    string `mapstructure:"listen_ip" validate:"omitempty,ip"`
	AnnouncedIP string `mapstructure:"announced_ip" validate:"omitempty,ip"`

	WSPrefix    string  `mapstructure:"ws_prefix" validate:"oneof=ws wss"`
	RestPrefix  string  `mapstructure:"rest_prefix" validate:"oneof=http https"`
	Domain      string  `mapstructure:"domain" validate:"required"`
	RootPath    string  `mapstructure:"root_path"`
	CountryCode string  `mapstructure:"country_code"`
	City        string  `mapstructure:"city"`
	Latitude    float64 `mapstructure:"latitude" validate:"min=-90,max=90"`
	Longitude   float64 `mapstructure:"longitude" validate:"min=-180,max=180"`

	RTCMinPort    int `mapstructure:"rtc_min_port" validate:"min=1,max=65535"`
	RTCMaxPort    int `mapstructure:"rtc_max_port" validate:"min=1,max=65535,gtefield=RTCMinPort"`
	OVMinPort     int `mapstructure:"ov_min_port" validate:"min=1,max=65535"`
	OVMaxPort     int `mapstructure:"ov_max_port" validate:"min=1,max=65535,gtefield=OVMinPort"`
	JammerMinPort int `mapstructure:"jammer_min_port" validate:"min=1,max=65535"`
	JammerMaxPort int `mapstructure:"jammer_max_port" validate:"min=1,max=65535,gtefield=JammerMinPort"`

	ConnectionsPerCPU int           `mapstructure:"connections_per_cpu" validate:"min=1"`
	Workers           int           `mapstructure:"workers" validate:"min=0"`
	StartQuantum      time.Duration `mapstructure:"start_quantum" validate:"min=0"`
	SFUTeardown       string        `mapstructure:"sfu_teardown" validate:"oneof=keep-warm close-pool"`

	OVBinary          string `mapstructure:"ov_binary"`
	JammerBinary      string `mapstructure:"jammer_binary"`
	MediasoupLogLevel string `mapstructure:"mediasoup_log_level" validate:"oneof=debug warn error none"`

	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RPCRateLimit    int           `mapstructure:"rpc_rate_limit" validate:"min=0"`
	RPCRateInterval time.Duration `mapstructure:"rpc_rate_interval"`
	ReadLimit       int64         `mapstructure:"read_limit" validate:"min=0"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`

	LogLevel       string        `mapstructure:"log_level"`
	StatusInterval time.Duration `mapstructure:"status_interval" validate:"min=0"`
	StunServer     string        `mapstructure:"stun_server"`
	GeoURL         string        `mapstructure:"geo_url"`
	Secret         string        `mapstructure:"secret"`
}

var keys = []string{
	"mode", "port", "public_port", "api_url", "api_key",
	"ip_v4", "ip_v6", "use_ipv6", "listen_ip", "announced_ip",
	"ws_prefix", "rest_prefix", "domain", "root_path",
	"country_code", "city", "latitude", "longitude",
	"rtc_min_port", "rtc_max_port", "ov_min_port", "ov_max_port", "jammer_min_port", "jammer_max_port",
	"connections_per_cpu", "workers", "start_quantum", "sfu_teardown",
	"ov_binary", "jammer_binary", "mediasoup_log_level",
	"allowed_origins", "rpc_rate_limit", "rpc_rate_interval", "read_limit", "ping_period", "reconnect_delay",
	"log_level", "status_interval", "stun_server", "geo_url", "secret",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 4020)
	v.SetDefault("public_port", 443)
	v.SetDefault("ws_prefix", "wss")
	v.SetDefault("rest_prefix", "https")
	v.SetDefault("listen_ip", "0.0.0.0")
	v.SetDefault("rtc_min_port", 40000)
	v.SetDefault("rtc_max_port", 49999)
	v.SetDefault("ov_min_port", 50000)
	v.SetDefault("ov_max_port", 50099)
	v.SetDefault("jammer_min_port", 50100)
	v.SetDefault("jammer_max_port", 50199)
	v.SetDefault("connections_per_cpu", 500)
	v.SetDefault("workers", 0)
	v.SetDefault("start_quantum", "2s")
	v.SetDefault("sfu_teardown", "keep-warm")
	v.SetDefault("ov_binary", "ov-server")
	v.SetDefault("jammer_binary", "jammer-server")
	v.SetDefault("mediasoup_log_level", "warn")
	v.SetDefault("allowed_origins", []string{"*"})
	v.SetDefault("rpc_rate_limit", 50)
	v.SetDefault("rpc_rate_interval", "1s")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("reconnect_delay", "2s")
	v.SetDefault("log_level", "info")
	v.SetDefault("status_interval", "1m")
	v.SetDefault("stun_server", "stun.l.google.com:19302")
	v.SetDefault("geo_url", "https://www.iplocate.io/api/lookup/")
	v.SetDefault("secret", "stage-router")
}

// Load reads config/config.<CONFIG_ENV>.yaml, applies environment overrides
// (API_URL, RTC_MIN_PORT, ...) and validates the result.
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
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k, strings.ToUpper(k))
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults and environment")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("api", cfg.APIURL).Msg("config ready")
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Slots returns the number of ports in [min, max].
func Slots(min, max int) int { return max - min + 1 }
