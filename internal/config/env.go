package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Environment variables recognized as overrides on top of the YAML file.
// The set is deliberately small: deployment-varying knobs only.
const (
	EnvConfigPath = "TICKERD_CONFIG"
	envHost       = "TICKERD_HOST"
	envPort       = "TICKERD_PORT"
	envDBPath     = "TICKERD_DB_PATH"
	envWatchlist  = "TICKERD_WATCHLIST"
	envRedisAddr  = "TICKERD_REDIS_ADDR"
	envPoolTTL    = "TICKERD_POOL_TTL"
)

func applyEnvOverrides(cfg *Config, errs *[]string) {
	if v, ok := os.LookupEnv(envHost); ok {
		cfg.Server.Host = v
	}
	if v, ok := os.LookupEnv(envPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", envPort, v))
		} else {
			cfg.Server.Port = n
		}
	}
	if v, ok := os.LookupEnv(envDBPath); ok {
		cfg.Database.Path = v
	}
	if v, ok := os.LookupEnv(envWatchlist); ok {
		cfg.Watchlist.Path = v
	}
	if v, ok := os.LookupEnv(envRedisAddr); ok {
		host, portStr, err := net.SplitHostPort(v)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: expected host:port, got %q", envRedisAddr, v))
		} else {
			port, perr := strconv.Atoi(portStr)
			if perr != nil {
				*errs = append(*errs, fmt.Sprintf("%s: invalid port in %q", envRedisAddr, v))
			} else {
				cfg.Queues.Redis.Host = host
				cfg.Queues.Redis.Port = port
			}
		}
	}
	if v, ok := os.LookupEnv(envPoolTTL); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", envPoolTTL, v))
		} else {
			cfg.Market.PoolTTL = Duration(d)
		}
	}
}
