package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config is the full configuration surface. Values come from an optional
// YAML file (FLEXBUS_CONFIG) overridden by environment variables.
type Config struct {
	HTTP struct {
		Addr      string  `yaml:"addr"`
		RateRPS   float64 `yaml:"rate_rps"`
		RateBurst int     `yaml:"rate_burst"`
	} `yaml:"http"`

	DB struct {
		URL     string `yaml:"url"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"db"`

	Redis struct {
		URL     string `yaml:"url"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`

	Booking struct {
		MaxAdvanceDays       int           `yaml:"max_advance_days"`
		MinLeadMinutes       int           `yaml:"min_lead_minutes"`
		DriveSlackFactor     float64       `yaml:"drive_slack_factor"`
		PassengerLookaround  time.Duration `yaml:"passenger_lookaround"`
		BusLookaround        time.Duration `yaml:"bus_lookaround"`
		StartedThreshold     time.Duration `yaml:"started_threshold"`
		BlockedPerWheelchair int           `yaml:"blocked_per_wheelchair"`
		AltSearchMaxShifts   int           `yaml:"alt_search_max_shifts"`
		SolverBudget         time.Duration `yaml:"solver_budget"`
	} `yaml:"booking"`

	Lifecycle struct {
		FreezeHorizonMinutes int           `yaml:"freeze_horizon_minutes"`
		FreezeInterval       time.Duration `yaml:"freeze_interval"`
		SplitInterval        time.Duration `yaml:"split_interval"`
		GCInterval           time.Duration `yaml:"gc_interval"`
		CheckInterval        time.Duration `yaml:"check_interval"`
		MaxRouteNodes        int           `yaml:"max_route_nodes"`
		MaxRouteDuration     time.Duration `yaml:"max_route_duration"`
	} `yaml:"lifecycle"`

	Webhooks struct {
		MaxAttempts  int    `yaml:"max_attempts"`
		IngestSecret string `yaml:"ingest_secret"`
	} `yaml:"webhooks"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		File   string `yaml:"file"`
	} `yaml:"log"`

	Maps struct {
		APIKey   string  `yaml:"api_key"`
		SpeedKph float64 `yaml:"speed_kph"`
	} `yaml:"maps"`
}

// Load builds the configuration from defaults, the optional YAML file, and
// environment overrides, in that order.
func Load() (Config, error) {
	cfg := defaults()
	if path := os.Getenv("FLEXBUS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnv(&cfg)
	if cfg.Booking.MinLeadMinutes == 0 {
		// bookings inside the freeze horizon would land on a route about to
		// be locked
		cfg.Booking.MinLeadMinutes = cfg.Lifecycle.FreezeHorizonMinutes
	}
	return cfg, nil
}

func defaults() Config {
	var c Config
	c.HTTP.Addr = ":8080"
	c.HTTP.RateRPS = 50
	c.HTTP.RateBurst = 100
	c.DB.Migrate = true
	c.Redis.Channel = "flexbus:inbound"
	c.Booking.MaxAdvanceDays = 28
	c.Booking.DriveSlackFactor = 1.25
	c.Booking.PassengerLookaround = time.Hour
	c.Booking.BusLookaround = 10 * time.Hour
	c.Booking.StartedThreshold = 30 * time.Minute
	c.Booking.BlockedPerWheelchair = 2
	c.Booking.AltSearchMaxShifts = 2
	c.Booking.SolverBudget = 2 * time.Second
	c.Lifecycle.FreezeHorizonMinutes = 15
	c.Lifecycle.FreezeInterval = time.Minute
	c.Lifecycle.SplitInterval = 5 * time.Minute
	c.Lifecycle.GCInterval = 10 * time.Minute
	c.Lifecycle.CheckInterval = 30 * time.Minute
	c.Lifecycle.MaxRouteNodes = 24
	c.Lifecycle.MaxRouteDuration = 4 * time.Hour
	c.Webhooks.MaxAttempts = 10
	c.Log.Level = "info"
	c.Log.Format = "text"
	c.Maps.SpeedKph = 35
	return c
}

func applyEnv(c *Config) {
	setStr(&c.HTTP.Addr, "FLEXBUS_HTTP_ADDR")
	setFloat(&c.HTTP.RateRPS, "RATE_RPS")
	setInt(&c.HTTP.RateBurst, "RATE_BURST")
	setStr(&c.DB.URL, "DATABASE_URL")
	if v := os.Getenv("DB_MIGRATE"); v != "" {
		c.DB.Migrate = v != "false"
	}
	setStr(&c.Redis.URL, "REDIS_URL")
	setStr(&c.Redis.Channel, "FLEXBUS_INBOUND_CHANNEL")
	setInt(&c.Booking.MaxAdvanceDays, "FLEXBUS_MAX_ADVANCE_DAYS")
	setInt(&c.Booking.MinLeadMinutes, "FLEXBUS_MIN_LEAD_MINUTES")
	setFloat(&c.Booking.DriveSlackFactor, "FLEXBUS_DRIVE_SLACK")
	setDur(&c.Booking.PassengerLookaround, "FLEXBUS_PASSENGER_LOOKAROUND")
	setDur(&c.Booking.BusLookaround, "FLEXBUS_BUS_LOOKAROUND")
	setDur(&c.Booking.StartedThreshold, "FLEXBUS_STARTED_THRESHOLD")
	setInt(&c.Booking.BlockedPerWheelchair, "FLEXBUS_BLOCKED_PER_WHEELCHAIR")
	setInt(&c.Booking.AltSearchMaxShifts, "FLEXBUS_ALT_SEARCH_MAX_SHIFTS")
	setDur(&c.Booking.SolverBudget, "FLEXBUS_SOLVER_BUDGET")
	setInt(&c.Lifecycle.FreezeHorizonMinutes, "FLEXBUS_FREEZE_HORIZON_MINUTES")
	setDur(&c.Lifecycle.FreezeInterval, "FLEXBUS_FREEZE_INTERVAL")
	setDur(&c.Lifecycle.SplitInterval, "FLEXBUS_SPLIT_INTERVAL")
	setDur(&c.Lifecycle.GCInterval, "FLEXBUS_GC_INTERVAL")
	setDur(&c.Lifecycle.CheckInterval, "FLEXBUS_CHECK_INTERVAL")
	setInt(&c.Lifecycle.MaxRouteNodes, "FLEXBUS_MAX_ROUTE_NODES")
	setDur(&c.Lifecycle.MaxRouteDuration, "FLEXBUS_MAX_ROUTE_DURATION")
	setInt(&c.Webhooks.MaxAttempts, "WEBHOOK_MAX_ATTEMPTS")
	setStr(&c.Webhooks.IngestSecret, "WEBHOOK_INGEST_SECRET")
	setStr(&c.Log.Level, "FLEXBUS_LOG_LEVEL")
	setStr(&c.Log.Format, "FLEXBUS_LOG_FORMAT")
	setStr(&c.Log.File, "FLEXBUS_LOG_FILE")
	setStr(&c.Maps.APIKey, "GOOGLE_MAPS_API_KEY")
	setFloat(&c.Maps.SpeedKph, "FLEXBUS_SPEED_KPH")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDur(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
