package config

import (
	"os"
	"strconv"
)

// Env holds overrides read from the process environment. Empty values mean
// "keep what the config file says".
type Env struct {
	LinkAPIURL      string
	JSONRPCURL      string
	ChainID         int64
	StorePassphrase string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 0, 64)
	if err != nil {
		return def
	}
	return n
}

func Load() *Env {
	return &Env{
		LinkAPIURL:      getEnv("WALLETLINK_LINK_API_URL", ""),
		JSONRPCURL:      getEnv("WALLETLINK_JSON_RPC_URL", ""),
		ChainID:         getEnvInt("WALLETLINK_CHAIN_ID", 0),
		StorePassphrase: getEnv("WALLETLINK_STORE_PASSPHRASE", ""),
	}
}
