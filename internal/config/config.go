package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers []string
	JWTSecret    string

	ReplicateBaseURL  string
	ReplicateToken    string
	ReplicateModel    string
	GenerationTimeout time.Duration

	StripeSecretKey     string
	StripeWebhookSecret string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		HTTPAddr:            os.Getenv("HTTP_ADDR"),
		PostgresDSN:         os.Getenv("POSTGRES_DSN"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		KafkaBrokers:        []string{os.Getenv("KAFKA_BROKER")},
		JWTSecret:           os.Getenv("JWT_SECRET"),
		ReplicateBaseURL:    os.Getenv("REPLICATE_BASE_URL"),
		ReplicateToken:      os.Getenv("REPLICATE_API_TOKEN"),
		ReplicateModel:      os.Getenv("REPLICATE_MODEL_VERSION"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  os.Getenv("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:   os.Getenv("CHECKOUT_CANCEL_URL"),
	}

	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.PostgresDSN == "" {
		cfg.PostgresDSN = "host=localhost user=postgres password=postgres dbname=amethyst sslmode=disable"
	}
	if cfg.RedisAddr == "" {
		cfg.RedisAddr = "localhost:6379"
	}
	if len(cfg.KafkaBrokers) == 1 && cfg.KafkaBrokers[0] == "" {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "supersecret"
	}
	if cfg.ReplicateBaseURL == "" {
		cfg.ReplicateBaseURL = "https://api.replicate.com"
	}
	if cfg.ReplicateModel == "" {
		cfg.ReplicateModel = "lucataco/flux-dev-multi-lora:2389224e115448d9a77c07d7d45672b3f0aa45acacf1c5bcf51857ac295e3aec"
	}
	if cfg.CheckoutSuccessURL == "" {
		cfg.CheckoutSuccessURL = "http://localhost:5173/dashboard?payment=success"
	}
	if cfg.CheckoutCancelURL == "" {
		cfg.CheckoutCancelURL = "http://localhost:5173/dashboard?payment=cancelled"
	}

	cfg.GenerationTimeout = 120 * time.Second
	if v := os.Getenv("GENERATION_TIMEOUT_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.GenerationTimeout = time.Duration(secs) * time.Second
		} else {
			slog.Warn("invalid GENERATION_TIMEOUT_SECONDS, keeping default", "value", v)
		}
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"replicate_base_url", cfg.ReplicateBaseURL,
		"generation_timeout", cfg.GenerationTimeout)
	return cfg
}
