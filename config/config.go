package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// AgentConfig: настройки агента на одном хосте. Читаются один раз при старте.
type AgentConfig struct {
	APIKey     string
	ListenAddr string
	MaxUsers   int
	DBPath     string
	Debug      bool

	// Домен/хост для ссылок
	DomainFile    string
	FallbackHost  string
	PublicTLSPort int

	// Конфиги xray (multiport)
	VLESSTLSConfig  string
	VLESSNoneConfig string
	TrojanTLSConfig string
	VLESSWSPath     string
	TrojanWSPath    string

	// systemd-юниты для перезапуска
	RestartVLESSService     string
	RestartVLESSNoneService string
	RestartTrojanService    string
}

// ToyyibPayConfig: параметры платёжного шлюза
type ToyyibPayConfig struct {
	Enabled       bool
	Sandbox       bool
	UserSecretKey string
	CategoryCode  string
	ReturnURL     string
	CallbackURL   string
	Timeout       time.Duration
}

// ManagerConfig: настройки центрального сервиса
type ManagerConfig struct {
	BotToken        string
	AdminTelegramID int64
	BotUsername     string
	APIKey          string
	ListenAddr      string
	DatabaseURL     string
	ServersFile     string
	Debug           bool

	// Лимиты и цены
	FreeSlotsPerHour      int
	FreeClaimCostCredits  int
	FreeClaimValidityDays int
	ConvertCostCredits    int
	ConvertValidityDays   int
	VIPClaimCostVIPCoins  int
	VIPClaimValidityDays  int
	StarSubscriptionDays  int
	StarPrice             decimal.Decimal
	ClaimCooldown         time.Duration

	ToyyibPay  ToyyibPayConfig
	InvoiceTTL time.Duration

	AgentTimeout time.Duration
	ProbeTimeout time.Duration

	// Расписания cron
	ReconcileSchedule string
	FleetSchedule     string
	ReminderSchedule  string
	StarReminderDays  int
	BackupSchedule    string
	BackupDir         string
}

var ErrMissingEnv = errors.New("critical environment variables are missing")

func loadDotenv() {
	if err := godotenv.Load(); err != nil {
		log.Println(".env file not found, relying on environment variables")
	}
}

// LoadAgentConfig читает окружение агента
func LoadAgentConfig() (AgentConfig, error) {
	loadDotenv()
	cfg := AgentConfig{
		APIKey:     getenv("AGENT_API_KEY", ""),
		ListenAddr: getenv("AGENT_LISTEN_ADDR", "0.0.0.0:7000"),
		MaxUsers:   getenvInt("AGENT_MAX_USERS", 100),
		DBPath:     getenv("AGENT_DB_PATH", "/var/lib/fvpn-agent/agent.db"),
		Debug:      getenvBool("DEBUG", false),

		DomainFile:    getenv("XRAY_DOMAIN_FILE", "/usr/local/etc/xray/domain"),
		FallbackHost:  getenv("AGENT_PUBLIC_HOST", "127.0.0.1"),
		PublicTLSPort: getenvInt("PUBLIC_TLS_PORT", 443),

		VLESSTLSConfig:  getenv("XRAY_VLESS_TLS_CONFIG", "/usr/local/etc/xray/vless.json"),
		VLESSNoneConfig: getenv("XRAY_VLESS_NONE_CONFIG", "/usr/local/etc/xray/vnone.json"),
		TrojanTLSConfig: getenv("XRAY_TROJAN_TLS_CONFIG", "/usr/local/etc/xray/trojanws.json"),
		VLESSWSPath:     getenv("VLESS_WS_PATH", "/vless"),
		TrojanWSPath:    getenv("TROJAN_WS_PATH", "/trojan"),

		RestartVLESSService:     getenv("RESTART_VLESS_SERVICE", "xray@vless"),
		RestartVLESSNoneService: getenv("RESTART_VLESS_NONE_SERVICE", "xray@none"),
		RestartTrojanService:    getenv("RESTART_TROJAN_SERVICE", "xray@trojanws"),
	}
	if cfg.APIKey == "" {
		return cfg, errors.Join(ErrMissingEnv, errors.New("AGENT_API_KEY"))
	}
	return cfg, nil
}

// LoadManagerConfig читает окружение менеджера
func LoadManagerConfig() (ManagerConfig, error) {
	loadDotenv()
	botUsername := strings.TrimPrefix(getenv("BOT_USERNAME", "fvpngenebot"), "@")
	cfg := ManagerConfig{
		BotToken:        getenv("BOT_TOKEN", ""),
		AdminTelegramID: int64(getenvInt("ADMIN_TELEGRAM_ID", 0)),
		BotUsername:     botUsername,
		APIKey:          getenv("MANAGER_API_KEY", ""),
		ListenAddr:      getenv("MANAGER_LISTEN_ADDR", ":8080"),
		DatabaseURL:     getenv("DATABASE_URL", ""),
		ServersFile:     getenv("SERVERS_FILE", ""),
		Debug:           getenvBool("DEBUG", false),

		FreeSlotsPerHour:      getenvInt("FREE_SLOTS_PER_HOUR", 20),
		FreeClaimCostCredits:  getenvInt("FREE_CLAIM_COST_CREDITS", 1),
		FreeClaimValidityDays: getenvInt("FREE_CLAIM_VALIDITY_DAYS", 3),
		ConvertCostCredits:    getenvInt("CONVERT_COST_CREDITS", 10),
		ConvertValidityDays:   getenvInt("CONVERT_VALIDITY_DAYS", 30),
		VIPClaimCostVIPCoins:  getenvInt("VIP_CLAIM_COST_VIP_COINS", 1),
		VIPClaimValidityDays:  getenvInt("VIP_CLAIM_VALIDITY_DAYS", 3),
		StarSubscriptionDays:  getenvInt("STAR_SUBSCRIPTION_DAYS", 30),
		StarPrice:             getenvDecimal("STAR_PRICE", decimal.NewFromInt(250)),
		ClaimCooldown:         getenvDuration("CLAIM_COOLDOWN", 10*time.Second),

		ToyyibPay: ToyyibPayConfig{
			Enabled:       getenvBool("TOYYIBPAY_ENABLED", true),
			Sandbox:       getenvBool("TOYYIBPAY_IS_SANDBOX", false),
			UserSecretKey: getenv("TOYYIBPAY_USER_SECRET_KEY", ""),
			CategoryCode:  getenv("TOYYIBPAY_CATEGORY_CODE", ""),
			ReturnURL:     getenv("TOYYIBPAY_RETURN_URL", "https://t.me/"+botUsername),
			CallbackURL:   getenv("TOYYIBPAY_CALLBACK_URL", ""),
			Timeout:       getenvDuration("TOYYIBPAY_TIMEOUT", 15*time.Second),
		},
		InvoiceTTL: time.Duration(getenvInt("INVOICE_EXPIRE_MINUTES", 60)) * time.Minute,

		AgentTimeout: time.Duration(getenvInt("AGENT_TIMEOUT_SEC", 15)) * time.Second,
		ProbeTimeout: time.Duration(getenvInt("SERVER_PING_TIMEOUT_SEC", 5)) * time.Second,

		ReconcileSchedule: getenv("INVOICE_RECONCILE_SCHEDULE", "@every 1m"),
		FleetSchedule:     getenv("FLEET_STATUS_SCHEDULE", "@every 1m"),
		ReminderSchedule:  getenv("STAR_REMINDER_SCHEDULE", "0 10 * * *"),
		StarReminderDays:  getenvInt("STAR_REMINDER_DAYS", 3),
		BackupSchedule:    getenv("BACKUP_SCHEDULE", "0 3 * * *"),
		BackupDir:         getenv("BACKUP_DIR", "backups"),
	}

	var missing []error
	if cfg.DatabaseURL == "" {
		missing = append(missing, errors.New("DATABASE_URL"))
	}
	if cfg.APIKey == "" {
		missing = append(missing, errors.New("MANAGER_API_KEY"))
	}
	if cfg.ToyyibPay.Enabled && (cfg.ToyyibPay.UserSecretKey == "" || cfg.ToyyibPay.CategoryCode == "") {
		missing = append(missing, errors.New("TOYYIBPAY_USER_SECRET_KEY/TOYYIBPAY_CATEGORY_CODE"))
	}
	if len(missing) > 0 {
		return cfg, errors.Join(append([]error{ErrMissingEnv}, missing...)...)
	}
	return cfg, nil
}

func getenv(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func getenvInt(name string, def int) int {
	v, err := strconv.Atoi(getenv(name, ""))
	if err != nil {
		return def
	}
	return v
}

func getenvBool(name string, def bool) bool {
	switch strings.ToLower(getenv(name, "")) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func getenvDuration(name string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(getenv(name, ""))
	if err != nil {
		return def
	}
	return d
}

func getenvDecimal(name string, def decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(getenv(name, ""))
	if err != nil {
		return def
	}
	return d
}
