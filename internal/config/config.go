// Package config provides the layered, hot-reloadable configuration
// service backed by Viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// defaultDataDir returns the default directory for the bot's owned data.
// Uses ~/.drasbot/ so data is in a fixed location regardless of CWD.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".drasbot")
}

// Config is an immutable snapshot of the full configuration tree.
// The Service swaps whole snapshots atomically; readers never see a
// partially applied change.
type Config struct {
	Bot          BotConfig          `mapstructure:"bot"`
	Bridge       BridgeConfig       `mapstructure:"bridge"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Rate         RateConfig         `mapstructure:"rate"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Processor    ProcessorConfig    `mapstructure:"processor"`
	Classifier   ClassifierConfig   `mapstructure:"classifier"`
	Messages     MessagesConfig     `mapstructure:"messages"`
}

// BotConfig identifies the bot and its owner.
type BotConfig struct {
	Name          string `mapstructure:"name"`
	CommandPrefix string `mapstructure:"command_prefix"`
	Language      string `mapstructure:"language"`
	OwnerPhone    string `mapstructure:"owner_phone"`
	OwnerName     string `mapstructure:"owner_name"`
}

// BridgeConfig covers the HTTP gateway and its read-only message store.
type BridgeConfig struct {
	URL           string        `mapstructure:"url"`
	APIKey        string        `mapstructure:"api_key"`
	Enabled       bool          `mapstructure:"enabled"`
	Mock          bool          `mapstructure:"mock"`
	CallTimeout   time.Duration `mapstructure:"call_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	BaseDelay     time.Duration `mapstructure:"base_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollBatch     int           `mapstructure:"poll_batch"`
	SendRate      float64       `mapstructure:"send_rate"`
	StorePath     string        `mapstructure:"store_path"`
	MediaDir      string        `mapstructure:"media_dir"`
}

// DatabaseConfig locates the owned sqlite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// MetricsConfig controls the Prometheus side port.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// RateConfig holds the response-rate and dedup limits.
type RateConfig struct {
	DefaultInterval time.Duration  `mapstructure:"default_interval"`
	CommandInterval time.Duration  `mapstructure:"command_interval"`
	MaxDaily        int            `mapstructure:"max_daily"`
	WindowMax       int            `mapstructure:"window_max"`
	DedupCapacity   int            `mapstructure:"dedup_capacity"`
	HourlyQuotas    map[string]int `mapstructure:"hourly_quotas"`
}

// RegistrationConfig holds the name-capture policy.
type RegistrationConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MinNameLength int           `mapstructure:"min_name_length"`
	MaxNameLength int           `mapstructure:"max_name_length"`
}

// ProcessorConfig bounds the processing pipeline.
type ProcessorConfig struct {
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	QueueSize      int           `mapstructure:"queue_size"`
	ProcessTimeout time.Duration `mapstructure:"process_timeout"`
}

// ClassifierConfig holds the keyword tables. They live in configuration,
// not in code, so operators can extend them per deployment.
type ClassifierConfig struct {
	Greetings  []string `mapstructure:"greetings"`
	Farewells  []string `mapstructure:"farewells"`
	Questions  []string `mapstructure:"questions"`
	Help       []string `mapstructure:"help"`
	Contextual []string `mapstructure:"contextual"`
	Positive   []string `mapstructure:"positive"`
	Negative   []string `mapstructure:"negative"`
}

// MessagesConfig holds every user-visible template.
type MessagesConfig struct {
	Greetings    GreetingMessages     `mapstructure:"greetings"`
	Help         HelpMessages         `mapstructure:"help"`
	Responses    ResponseMessages     `mapstructure:"responses"`
	Errors       ErrorMessages        `mapstructure:"errors"`
	Registration RegistrationMessages `mapstructure:"registration"`
}

type GreetingMessages struct {
	New     []string `mapstructure:"new"`
	Morning string   `mapstructure:"morning"`
	Evening string   `mapstructure:"evening"`
	Night   string   `mapstructure:"night"`
}

type HelpMessages struct {
	General []string `mapstructure:"general"`
}

type ResponseMessages struct {
	Default []string `mapstructure:"default"`
}

type ErrorMessages struct {
	Permission string `mapstructure:"permission"`
	RateLimit  string `mapstructure:"rate_limit"`
	Quota      string `mapstructure:"quota"`
	Internal   string `mapstructure:"internal"`
}

type RegistrationMessages struct {
	AskName      string `mapstructure:"ask_name"`
	Confirmed    string `mapstructure:"confirmed"`
	TempAssigned string `mapstructure:"temp_assigned"`
	TooShort     string `mapstructure:"too_short"`
	TooLong      string `mapstructure:"too_long"`
	BadChars     string `mapstructure:"bad_chars"`
	IsPhone      string `mapstructure:"is_phone"`
	Forbidden    string `mapstructure:"forbidden"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Bot: BotConfig{
			Name:          "drasbot",
			CommandPrefix: "!",
			Language:      "es",
		},
		Bridge: BridgeConfig{
			URL:           "http://127.0.0.1:8080",
			Enabled:       true,
			CallTimeout:   15 * time.Second,
			MaxRetries:    3,
			BaseDelay:     1 * time.Second,
			BackoffFactor: 2,
			PollInterval:  5 * time.Second,
			PollBatch:     100,
			SendRate:      5,
			StorePath:     filepath.Join(dataDir, "bridge", "messages.db"),
			MediaDir:      filepath.Join(dataDir, "media"),
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "drasbot.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Dir:    filepath.Join(dataDir, "logs"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Rate: RateConfig{
			DefaultInterval: 5 * time.Second,
			CommandInterval: 1 * time.Second,
			MaxDaily:        50,
			WindowMax:       60,
			DedupCapacity:   10000,
			HourlyQuotas: map[string]int{
				"admin":    1000,
				"employee": 100,
				"provider": 50,
				"friend":   30,
				"familiar": 30,
				"customer": 10,
				"block":    0,
			},
		},
		Registration: RegistrationConfig{
			MaxAttempts:   3,
			Timeout:       30 * time.Minute,
			MinNameLength: 2,
			MaxNameLength: 50,
		},
		Processor: ProcessorConfig{
			MaxConcurrent:  5,
			QueueSize:      100,
			ProcessTimeout: 30 * time.Second,
		},
		Classifier: ClassifierConfig{
			Greetings:  []string{"hola", "buenos dias", "buenas tardes", "buenas noches", "hello", "hi", "hey", "saludos"},
			Farewells:  []string{"adios", "hasta luego", "chao", "bye", "goodbye", "nos vemos", "hasta pronto"},
			Questions:  []string{"?", "¿", "como", "que", "cual", "cuando", "donde", "quien", "por que", "how", "what", "where", "when", "why", "who"},
			Help:       []string{"ayuda", "help", "socorro", "auxilio"},
			Contextual: []string{"triste", "aburrido", "chiste", "hora", "gracias", "bored", "sad", "joke", "time", "thanks"},
			Positive:   []string{"bien", "genial", "excelente", "perfecto", "gracias", "feliz", "bueno", "great", "good", "happy", "love"},
			Negative:   []string{"mal", "terrible", "horrible", "triste", "enojado", "odio", "bad", "sad", "angry", "hate"},
		},
		Messages: MessagesConfig{
			Greetings: GreetingMessages{
				New:     []string{"¡Hola! 👋 Soy {bot}, tu asistente."},
				Morning: "¡Buenos días!",
				Evening: "¡Buenas tardes!",
				Night:   "¡Buenas noches!",
			},
			Help: HelpMessages{
				General: []string{"Escribe !help para ver los comandos disponibles."},
			},
			Responses: ResponseMessages{
				Default: []string{"No estoy seguro de cómo responder a eso. Escribe !help si necesitas ayuda."},
			},
			Errors: ErrorMessages{
				Permission: "Permisos insuficientes para ejecutar este comando.",
				RateLimit:  "Límite de comandos alcanzado. Inténtalo de nuevo más tarde.",
				Quota:      "Has alcanzado tu cuota de comandos por hora.",
				Internal:   "Ocurrió un error interno. Inténtalo de nuevo.",
			},
			Registration: RegistrationMessages{
				AskName:      "¿Cuál es tu nombre?",
				Confirmed:    "¡Perfecto, {name}! Ya estás registrado. 🎉",
				TempAssigned: "Te he asignado el nombre temporal {name}. Puedes cambiarlo cuando quieras.",
				TooShort:     "Ese nombre es demasiado corto. Inténtalo de nuevo.",
				TooLong:      "Ese nombre es demasiado largo. Inténtalo de nuevo.",
				BadChars:     "El nombre contiene caracteres no válidos. Usa solo letras.",
				IsPhone:      "Eso parece un número de teléfono. Dime tu nombre, por favor.",
				Forbidden:    "Ese nombre no está permitido. Elige otro.",
			},
		},
	}
}

// Validate checks the configuration. Hard errors (returned) abort
// startup; soft problems are returned as warnings and only logged.
func (c *Config) Validate() (warnings []string, err error) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return nil, fmt.Errorf("invalid metrics port: %d (must be 0-65535)", c.Metrics.Port)
	}
	if c.Bridge.MaxRetries < 0 {
		return nil, fmt.Errorf("bridge max retries must be non-negative")
	}
	if c.Bridge.BaseDelay <= 0 {
		return nil, fmt.Errorf("bridge base delay must be positive")
	}
	if c.Bridge.PollInterval <= 0 {
		return nil, fmt.Errorf("bridge poll interval must be positive")
	}
	if c.Processor.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("processor max concurrent must be positive")
	}
	if c.Processor.QueueSize <= 0 {
		return nil, fmt.Errorf("processor queue size must be positive")
	}
	if c.Registration.MinNameLength < 1 || c.Registration.MaxNameLength < c.Registration.MinNameLength {
		return nil, fmt.Errorf("invalid registration name length bounds [%d, %d]",
			c.Registration.MinNameLength, c.Registration.MaxNameLength)
	}

	// Soft checks: the bot still starts, operators get warned.
	if c.Bot.Name == "" {
		warnings = append(warnings, "bot.name is empty")
	}
	if c.Bot.CommandPrefix == "" {
		warnings = append(warnings, "bot.command_prefix is empty")
	}
	if c.Rate.MaxDaily < 1 {
		warnings = append(warnings, "rate.max_daily must be >= 1")
	}
	if len(c.Messages.Greetings.New) == 0 {
		warnings = append(warnings, "messages.greetings.new has no entries")
	}
	if len(c.Messages.Help.General) == 0 {
		warnings = append(warnings, "messages.help.general has no entries")
	}
	if len(c.Messages.Responses.Default) == 0 {
		warnings = append(warnings, "messages.responses.default has no entries")
	}
	return warnings, nil
}
