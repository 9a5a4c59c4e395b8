package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	AutoMigrate           bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	BillCacheTTLSeconds   int
	AuthSecret            string
	AccessTokenTTLMinutes int
	KafkaBrokers          string
	KafkaTopic            string
	OversellPolicy        string
	TxMaxRetries          int
	PageSize              int
	SeedAdminPassword     string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getBool("DB_AUTO_MIGRATE", true),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		BillCacheTTLSeconds:   getPositiveInt("BILL_CACHE_TTL_SECONDS", 300),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		KafkaBrokers:          strings.TrimSpace(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", "stockbill.bills"),
		OversellPolicy:        getEnv("OVERSELL_POLICY", "flag"),
		TxMaxRetries:          getPositiveInt("TX_MAX_RETRIES", 3),
		PageSize:              getPositiveInt("PAGE_SIZE", 10),
		SeedAdminPassword:     strings.TrimSpace(os.Getenv("SEED_ADMIN_PASSWORD")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return v
}
