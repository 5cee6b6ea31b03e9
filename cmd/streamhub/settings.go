package main

import (
	"strings"
	"time"
)

type Settings struct {
	Port            int           `env:"PORT,default=8000"`
	BasePath        string        `env:"BASE_PATH,default=/streamhub"`
	JWTSecret       string        `env:"JWT_SECRET,required=true"`
	APIKeys         string        `env:"API_KEYS"`
	LogEncoding     string        `env:"LOG_ENCODING,default=console"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS"`
	QueueCapacity   int           `env:"QUEUE_CAPACITY,default=256"`
	MaxPathLength   int           `env:"MAX_PATH_LENGTH,default=512"`
	KeepAlive       time.Duration `env:"KEEP_ALIVE_INTERVAL,default=30s"`
	InitTimeout     time.Duration `env:"GRAPHQL_INIT_TIMEOUT,default=10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
}

// APIKeyList returns the comma separated API_KEYS.
func (s Settings) APIKeyList() []string {
	return splitList(s.APIKeys)
}

func (s Settings) AllowedOriginList() []string {
	return splitList(s.AllowedOrigins)
}

func splitList(value string) []string {
	var items []string
	for item := range strings.SplitSeq(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}

	return items
}
