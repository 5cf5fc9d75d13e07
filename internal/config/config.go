// Package config
package config

import (
	"flag"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

/*
YAML config example:
wallex_api_key: "..."
db_conn_str: "..."
db_max_open: 10
db_max_idle: 5
mode: "live"
coins: ["BTC", "USDT", "TMN"]
timeframes: ["1m", "5m"]
fee: 0.002
min_profit: 0.002
probe_volume: 100.0
*/

type Config struct {
	WallexAPIKey        string        `yaml:"wallex_api_key"`
	DBConnStr           string        `yaml:"db_conn_str"`
	DBMaxOpen           int           `yaml:"db_max_open"`
	DBMaxIdle           int           `yaml:"db_max_idle"`
	Mode                string        `yaml:"mode"` // live or sim
	Coins               []string      `yaml:"coins"`
	Timeframes          []string      `yaml:"timeframes"`
	Fee                 float64       `yaml:"fee"`
	MinProfit           float64       `yaml:"min_profit"`
	ProbeVolume         float64       `yaml:"probe_volume"`
	TickInterval        time.Duration `yaml:"tick_interval"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	WindowCapacity      int           `yaml:"window_capacity"`
	TelegramToken       string        `yaml:"telegram_token"`
	TelegramChatID      string        `yaml:"telegram_chat_id"`
	NotificationRetries int           `yaml:"notification_retries"`
	NotificationDelay   time.Duration `yaml:"notification_delay"`
	DepthWatch          bool          `yaml:"depth_watch"`
}

func loadConfig() Config {
	mode := flag.String("mode", "live", "Mode: live or sim")
	coinsFlag := flag.String("coins", "BTC,USDT,TMN", "Comma-separated coins of interest")
	timeframesFlag := flag.String("timeframes", "1m", "Comma-separated candle timeframes")
	fee := flag.Float64("fee", 0.002, "Taker fee fraction (e.g., 0.002 for 0.2%)")
	minProfit := flag.Float64("min-profit", 0.002, "Minimum round-trip profit fraction to report")
	probeVolume := flag.Float64("probe-volume", 100.0, "Quote-currency volume per profitability probe")
	tickInterval := flag.Duration("tick-interval", time.Second, "Model loop tick interval")
	pollInterval := flag.Duration("poll-interval", 500*time.Millisecond, "Instrument refresh poll interval")
	windowCapacity := flag.Int("window-capacity", 10000, "Candle window capacity per instrument")
	telegramToken := flag.String("telegram-token", "", "Telegram bot token for notifications")
	telegramChatID := flag.String("telegram-chat", "", "Telegram chat ID for notifications")
	notificationRetries := flag.Int("notification-retries", 3, "Number of notification send attempts")
	notificationDelay := flag.Duration("notification-delay", 5*time.Second, "Delay between notification retries (e.g., 5s)")
	depthWatch := flag.Bool("depth-watch", false, "Stream order books over websocket instead of polling")
	configFile := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	// A .env file beside the binary overrides nothing, it only fills gaps.
	_ = godotenv.Load()

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			log.Fatalf("Failed to read config file: %v", err)
		}
		var fileCfg Config
		err = yaml.Unmarshal(data, &fileCfg)
		if err != nil {
			log.Fatalf("Failed to parse config file: %v", err)
		}
		if fileCfg.WallexAPIKey == "" {
			fileCfg.WallexAPIKey = os.Getenv("WALLEX_API_KEY")
		}
		if fileCfg.DBConnStr == "" {
			fileCfg.DBConnStr = os.Getenv("DB_CONN_STR")
		}
		return fileCfg
	}

	return Config{
		WallexAPIKey:        os.Getenv("WALLEX_API_KEY"),
		DBConnStr:           os.Getenv("DB_CONN_STR"),
		DBMaxOpen:           envInt("DB_MAX_OPEN", 10),
		DBMaxIdle:           envInt("DB_MAX_IDLE", 5),
		Mode:                *mode,
		Coins:               splitList(*coinsFlag),
		Timeframes:          splitList(*timeframesFlag),
		Fee:                 *fee,
		MinProfit:           *minProfit,
		ProbeVolume:         *probeVolume,
		TickInterval:        *tickInterval,
		PollInterval:        *pollInterval,
		WindowCapacity:      *windowCapacity,
		TelegramToken:       *telegramToken,
		TelegramChatID:      *telegramChatID,
		NotificationRetries: *notificationRetries,
		NotificationDelay:   *notificationDelay,
		DepthWatch:          *depthWatch,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// MustLoadConfig loads configuration from flags, optional YAML file and
// environment, and validates the combination.
func MustLoadConfig() Config {
	cfg := loadConfig()

	if cfg.Mode != "live" && cfg.Mode != "sim" {
		log.Fatalf("Invalid mode %q: want live or sim", cfg.Mode)
	}
	if cfg.Mode == "live" && cfg.WallexAPIKey == "" {
		log.Fatalf("WALLEX_API_KEY is required in live mode")
	}
	if len(cfg.Coins) < 2 {
		log.Fatalf("Need at least two coins of interest, got %v", cfg.Coins)
	}
	if len(cfg.Timeframes) == 0 {
		cfg.Timeframes = []string{"1m"}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.WindowCapacity <= 0 {
		cfg.WindowCapacity = 10000
	}
	return cfg
}
