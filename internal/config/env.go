package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Secret environment keys. They override the matching file values.
const (
	EnvClientID     = "GARDENA_CLIENT_ID"
	EnvClientSecret = "GARDENA_CLIENT_SECRET"
	EnvAPIKey       = "GARDENA_API_KEY"
	EnvAPIToken     = "GARDEND_API_TOKEN"
)

// readEnv returns the secret keys from the dotenv file at path (if any)
// merged with the process environment. The process environment wins, as
// with godotenv.Load.
func readEnv(path string) (map[string]string, error) {
	out := map[string]string{}
	if p := strings.TrimSpace(path); p != "" {
		vals, err := godotenv.Read(p)
		switch {
		case err == nil:
			for k, v := range vals {
				out[k] = v
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, err
		}
	}
	for _, k := range []string{EnvClientID, EnvClientSecret, EnvAPIKey, EnvAPIToken} {
		if v, ok := os.LookupEnv(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

// overlayEnv copies non-empty secrets from env into cfg.
func overlayEnv(cfg *Config, env map[string]string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(env[key]); v != "" {
			*dst = v
		}
	}
	set(&cfg.Gardena.ClientID, EnvClientID)
	set(&cfg.Gardena.ClientSecret, EnvClientSecret)
	set(&cfg.Gardena.APIKey, EnvAPIKey)
	set(&cfg.HTTP.Token, EnvAPIToken)
}
