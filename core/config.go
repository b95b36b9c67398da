package core

import (
	"log"
	"net"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type (
	Config struct {
		AppName                   string
		Build                     string
		Env                       string
		Debug                     bool
		TestMode                  bool
		WorkDir                   string
		SecretKey                 string
		FrontendBaseURL           string
		DefaultFromEmail          mail.Address
		SendgridAPIKey            string
		RollbarToken              string
		Currency                  string
		PasswordResetTimeoutDelta time.Duration

		Server    ServerConfig
		Database  DatabaseConfig
		Redis     RedisConfig
		Mpesa     MpesaConfig
		PayPal    PayPalConfig
		WhatsApp  WhatsAppConfig
		AI        AIConfig
		Reminders RemindersConfig
		OTP       OTPConfig
		Storage   StorageConfig
		Reports   ReportsConfig
	}

	ServerConfig struct {
		Host                      string
		Address                   string
		DebugHost                 string
		ShutdownTimeout           time.Duration
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		RateLimitRPS              float64
		RateLimitBurst            int
	}

	DatabaseConfig struct {
		Engine        string
		Host          string
		Port          string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		DisableTLS    bool
	}

	RedisConfig struct {
		URL string
	}

	MpesaConfig struct {
		Env             string // sandbox | production
		ConsumerKey     string
		ConsumerSecret  string
		ShortCode       string
		Passkey         string
		CallbackURL     string
		AccountRef      string
		TransactionDesc string
		ProPriceKES     int
	}

	PayPalConfig struct {
		Mode         string // sandbox | live
		ClientID     string
		ClientSecret string
		Currency     string
		KESRate      decimal.Decimal // units of Currency per 1 KES
		ReturnURL    string
		CancelURL    string
	}

	WhatsAppConfig struct {
		AccessToken   string
		PhoneNumberID string
		APIVersion    string
	}

	AIConfig struct {
		Provider          string // openai | azure
		APIKey            string
		BaseURL           string
		Model             string
		AzureEndpoint     string
		AzureDeployment   string
		AzureAPIVersion   string
		MaxRetries        int
		RequestsPerMinute float64
		Timeout           time.Duration
	}

	RemindersConfig struct {
		Schedule   string
		Cooldown   time.Duration
		MinBalance decimal.Decimal
	}

	OTPConfig struct {
		TTL         time.Duration
		MaxAttempts int
	}

	// StorageConfig picks where uploads go: Azure Blob Storage when a connection string
	// or account URL is set, else the local Dir.
	StorageConfig struct {
		Dir                   string
		AzureConnectionString string
		AzureAccountURL       string
		Container             string
		MaxUploadBytes        int
	}

	ReportsConfig struct {
		Schedule string
	}
)

func (c DatabaseConfig) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c MpesaConfig) IsConfigured() bool {
	return c.ConsumerKey != "" && c.ConsumerSecret != "" && c.ShortCode != "" && c.Passkey != ""
}

func (c PayPalConfig) IsConfigured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

func (c WhatsAppConfig) IsConfigured() bool {
	return c.AccessToken != "" && c.PhoneNumberID != ""
}

func (c AIConfig) IsConfigured() bool {
	if c.Provider == "azure" {
		return c.AzureEndpoint != ""
	}
	return c.APIKey != ""
}

// NewConfig loads the app configuration from defaults, `config/.env.<env>` and the environment.
func NewConfig() *Config {
	v := viper.New()

	// defaults
	v.SetTypeByDefaultValue(true)
	v.SetDefault("appName", "Karo")
	v.SetDefault("build", "develop")
	v.SetDefault("debug", true)
	v.SetDefault("testMode", false)
	v.SetDefault("secretKey", "poq5-wer)enb$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	v.SetDefault("frontendBaseURL", "http://localhost:8080")
	v.SetDefault("defaultFromEmail", "Karo <noreply@localhost>")
	v.SetDefault("sendgridApiKey", "")
	v.SetDefault("rollbarToken", "")
	v.SetDefault("currency", "KES")
	v.SetDefault("passwordResetTimeoutDelta", 3*24*time.Hour)

	v.SetDefault("serverHost", "localhost")
	v.SetDefault("serverAddress", ":8000")
	v.SetDefault("serverDebugHost", ":4000")
	v.SetDefault("serverShutdownTimeout", 5*time.Second)
	v.SetDefault("jwtExpirationDelta", 7*24*time.Hour)
	v.SetDefault("jwtRefreshExpirationDelta", 4*time.Hour)
	v.SetDefault("rateLimitRPS", 5.0)
	v.SetDefault("rateLimitBurst", 10)

	v.SetDefault("databaseEngine", "postgres")
	v.SetDefault("databaseHost", "localhost")
	v.SetDefault("databasePort", "5432")
	v.SetDefault("databaseName", "karo")
	v.SetDefault("databaseUser", "karo")
	v.SetDefault("databasePassword", "karo")
	v.SetDefault("databaseAdminUser", "postgres")
	v.SetDefault("databaseAdminPassword", "postgres")
	v.SetDefault("databaseDisableTLS", true)

	v.SetDefault("redisURL", "redis://localhost:6379/0")

	v.SetDefault("mpesaEnv", "sandbox")
	v.SetDefault("mpesaConsumerKey", "")
	v.SetDefault("mpesaConsumerSecret", "")
	v.SetDefault("mpesaShortCode", "")
	v.SetDefault("mpesaPasskey", "")
	v.SetDefault("mpesaCallbackURL", "")
	v.SetDefault("mpesaAccountRef", "KARO")
	v.SetDefault("mpesaTransactionDesc", "School fees")
	v.SetDefault("mpesaProPriceKES", 1500)

	v.SetDefault("paypalMode", "sandbox")
	v.SetDefault("paypalClientID", "")
	v.SetDefault("paypalClientSecret", "")
	v.SetDefault("paypalCurrency", "USD")
	v.SetDefault("paypalKESRate", "0.0077")
	v.SetDefault("paypalReturnURL", "http://localhost:8080/portal/paypal/return")
	v.SetDefault("paypalCancelURL", "http://localhost:8080/portal/paypal/cancel")

	v.SetDefault("whatsappAccessToken", "")
	v.SetDefault("whatsappPhoneNumberID", "")
	v.SetDefault("whatsappAPIVersion", "v20.0")

	v.SetDefault("aiProvider", "openai")
	v.SetDefault("aiApiKey", "")
	v.SetDefault("aiBaseURL", "https://api.openai.com/v1")
	v.SetDefault("aiModel", "gpt-4o-mini")
	v.SetDefault("aiAzureEndpoint", "")
	v.SetDefault("aiAzureDeployment", "")
	v.SetDefault("aiAzureAPIVersion", "2024-06-01")
	v.SetDefault("aiMaxRetries", 5)
	v.SetDefault("aiRequestsPerMinute", 60.0)
	v.SetDefault("aiTimeout", 60*time.Second)

	v.SetDefault("remindersSchedule", "0 8 * * MON")
	v.SetDefault("remindersCooldown", 72*time.Hour)
	v.SetDefault("remindersMinBalance", "1")

	v.SetDefault("otpTTL", 20*time.Minute)
	v.SetDefault("otpMaxAttempts", 5)

	v.SetDefault("storageDir", "uploads")
	v.SetDefault("storageAzureConnectionString", "")
	v.SetDefault("storageAzureAccountURL", "")
	v.SetDefault("storageContainer", "karo-uploads")
	v.SetDefault("storageMaxUploadBytes", 5<<20)

	v.SetDefault("reportsSchedule", "0 7 * * MON")

	env := strings.ToUpper(os.Getenv("ENV")) // DEV (local; default), TEST, QA, PROD
	switch env {
	case "":
		env = "DEV"
	case "TEST":
		v.SetDefault("testMode", true)
	}
	v.SetEnvPrefix(env)

	// load .env if it exists (ignore if it does not)
	workDir := Getwd()
	dotEnvPath := filepath.Join(workDir, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	v.AutomaticEnv()

	from, err := mail.ParseAddress(v.GetString("defaultFromEmail"))
	if err != nil {
		log.Fatalf("config.defaultFromEmail: %v", err)
	}

	return &Config{
		AppName:                   v.GetString("appName"),
		Build:                     v.GetString("build"),
		Env:                       env,
		Debug:                     v.GetBool("debug"),
		TestMode:                  v.GetBool("testMode"),
		WorkDir:                   workDir,
		SecretKey:                 v.GetString("secretKey"),
		FrontendBaseURL:           v.GetString("frontendBaseURL"),
		DefaultFromEmail:          *from,
		SendgridAPIKey:            v.GetString("sendgridApiKey"),
		RollbarToken:              v.GetString("rollbarToken"),
		Currency:                  v.GetString("currency"),
		PasswordResetTimeoutDelta: v.GetDuration("passwordResetTimeoutDelta"),
		Server: ServerConfig{
			Host:                      v.GetString("serverHost"),
			Address:                   v.GetString("serverAddress"),
			DebugHost:                 v.GetString("serverDebugHost"),
			ShutdownTimeout:           v.GetDuration("serverShutdownTimeout"),
			JWTExpirationDelta:        v.GetDuration("jwtExpirationDelta"),
			JWTRefreshExpirationDelta: v.GetDuration("jwtRefreshExpirationDelta"),
			RateLimitRPS:              v.GetFloat64("rateLimitRPS"),
			RateLimitBurst:            v.GetInt("rateLimitBurst"),
		},
		Database: DatabaseConfig{
			Engine:        v.GetString("databaseEngine"),
			Host:          v.GetString("databaseHost"),
			Port:          v.GetString("databasePort"),
			Name:          v.GetString("databaseName"),
			User:          v.GetString("databaseUser"),
			Password:      v.GetString("databasePassword"),
			AdminUser:     v.GetString("databaseAdminUser"),
			AdminPassword: v.GetString("databaseAdminPassword"),
			DisableTLS:    v.GetBool("databaseDisableTLS"),
		},
		Redis: RedisConfig{URL: v.GetString("redisURL")},
		Mpesa: MpesaConfig{
			Env:             strings.ToLower(v.GetString("mpesaEnv")),
			ConsumerKey:     v.GetString("mpesaConsumerKey"),
			ConsumerSecret:  v.GetString("mpesaConsumerSecret"),
			ShortCode:       v.GetString("mpesaShortCode"),
			Passkey:         v.GetString("mpesaPasskey"),
			CallbackURL:     v.GetString("mpesaCallbackURL"),
			AccountRef:      v.GetString("mpesaAccountRef"),
			TransactionDesc: v.GetString("mpesaTransactionDesc"),
			ProPriceKES:     v.GetInt("mpesaProPriceKES"),
		},
		PayPal: PayPalConfig{
			Mode:         strings.ToLower(v.GetString("paypalMode")),
			ClientID:     v.GetString("paypalClientID"),
			ClientSecret: v.GetString("paypalClientSecret"),
			Currency:     v.GetString("paypalCurrency"),
			KESRate:      mustDecimal(v.GetString("paypalKESRate"), "paypalKESRate"),
			ReturnURL:    v.GetString("paypalReturnURL"),
			CancelURL:    v.GetString("paypalCancelURL"),
		},
		WhatsApp: WhatsAppConfig{
			AccessToken:   v.GetString("whatsappAccessToken"),
			PhoneNumberID: v.GetString("whatsappPhoneNumberID"),
			APIVersion:    v.GetString("whatsappAPIVersion"),
		},
		AI: AIConfig{
			Provider:          strings.ToLower(v.GetString("aiProvider")),
			APIKey:            v.GetString("aiApiKey"),
			BaseURL:           strings.TrimRight(v.GetString("aiBaseURL"), "/"),
			Model:             v.GetString("aiModel"),
			AzureEndpoint:     strings.TrimRight(v.GetString("aiAzureEndpoint"), "/"),
			AzureDeployment:   v.GetString("aiAzureDeployment"),
			AzureAPIVersion:   v.GetString("aiAzureAPIVersion"),
			MaxRetries:        v.GetInt("aiMaxRetries"),
			RequestsPerMinute: v.GetFloat64("aiRequestsPerMinute"),
			Timeout:           v.GetDuration("aiTimeout"),
		},
		Reminders: RemindersConfig{
			Schedule:   v.GetString("remindersSchedule"),
			Cooldown:   v.GetDuration("remindersCooldown"),
			MinBalance: mustDecimal(v.GetString("remindersMinBalance"), "remindersMinBalance"),
		},
		OTP: OTPConfig{
			TTL:         v.GetDuration("otpTTL"),
			MaxAttempts: v.GetInt("otpMaxAttempts"),
		},
		Storage: StorageConfig{
			Dir:                   storageDir(workDir, v.GetString("storageDir")),
			AzureConnectionString: v.GetString("storageAzureConnectionString"),
			AzureAccountURL:       strings.TrimRight(v.GetString("storageAzureAccountURL"), "/"),
			Container:             v.GetString("storageContainer"),
			MaxUploadBytes:        v.GetInt("storageMaxUploadBytes"),
		},
		Reports: ReportsConfig{Schedule: v.GetString("reportsSchedule")},
	}
}

// storageDir resolves a relative upload directory against the working directory.
func storageDir(workDir, dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(workDir, dir)
}

func mustDecimal(s, key string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("config.%s: %v", key, err)
	}
	return d
}

// NewTestConfig returns a Config suitable for unit tests; it never touches the filesystem or environment.
func NewTestConfig() *Config {
	return &Config{
		AppName:                   "Karo",
		Build:                     "test",
		Env:                       "TEST",
		TestMode:                  true,
		SecretKey:                 "secret",
		FrontendBaseURL:           "http://localhost:8080",
		DefaultFromEmail:          mail.Address{Name: "Karo", Address: "noreply@localhost"},
		Currency:                  "KES",
		PasswordResetTimeoutDelta: 3 * 24 * time.Hour,
		Server: ServerConfig{
			Host:                      "localhost",
			JWTExpirationDelta:        10 * time.Minute,
			JWTRefreshExpirationDelta: 4 * time.Hour,
			RateLimitRPS:              1000,
			RateLimitBurst:            1000,
		},
		Mpesa: MpesaConfig{
			Env:             "sandbox",
			AccountRef:      "KARO",
			TransactionDesc: "School fees",
			ProPriceKES:     1500,
		},
		PayPal: PayPalConfig{
			Mode:     "sandbox",
			Currency: "USD",
			KESRate:  decimal.RequireFromString("0.0077"),
		},
		Reminders: RemindersConfig{
			Cooldown:   72 * time.Hour,
			MinBalance: decimal.NewFromInt(1),
		},
		OTP: OTPConfig{
			TTL:         20 * time.Minute,
			MaxAttempts: 5,
		},
		Storage: StorageConfig{
			Container:      "karo-uploads",
			MaxUploadBytes: 1 << 20,
		},
	}
}
