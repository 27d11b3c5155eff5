package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	BaseURL    string
	ReturnURL  string
}

type Config struct {
	Port               string
	Env                string
	MongoURI           string
	MongoDB            string
	RedisURL           string
	CartTTL            time.Duration
	KafkaBrokers       []string
	PaymentEventsTopic string
	SNSTopicARN        string
	VNPay              VNPayConfig
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8085"),
		Env:                getEnv("APP_ENV", "development"),
		MongoURI:           getEnv("MONGO_URI", "mongodb://mongo:27017"),
		MongoDB:            getEnv("MONGO_DB", "ecommerce"),
		RedisURL:           getEnv("REDIS_URL", "redis://redis:6379"),
		CartTTL:            time.Duration(getEnvInt("CART_TTL_HOURS", 72)) * time.Hour,
		PaymentEventsTopic: getEnv("PAYMENT_EVENTS_TOPIC", "payment.events"),
		SNSTopicARN:        os.Getenv("PAYMENT_SNS_TOPIC_ARN"),
		VNPay: VNPayConfig{
			TmnCode:    os.Getenv("VNP_TMN_CODE"),
			HashSecret: os.Getenv("VNP_HASH_SECRET"),
			BaseURL:    getEnv("VNP_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
			ReturnURL:  os.Getenv("VNP_RETURN_URL"),
		},
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}

	if cfg.VNPay.TmnCode == "" || cfg.VNPay.HashSecret == "" {
		return nil, fmt.Errorf("VNP_TMN_CODE and VNP_HASH_SECRET are required")
	}
	if cfg.VNPay.ReturnURL == "" {
		return nil, fmt.Errorf("VNP_RETURN_URL is required")
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
