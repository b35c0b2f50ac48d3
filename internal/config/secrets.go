package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// SecretSource resolves a secret by its environment variable name
type SecretSource interface {
	Lookup(name string) (string, bool)
}

// EnvSource reads the variable itself, e.g. MODEL_API_KEY.
type EnvSource struct{}

func (EnvSource) Lookup(name string) (string, bool) {
	val := strings.TrimSpace(os.Getenv(name))
	return val, val != ""
}

// DockerSecretSource reads the file named by <NAME>_FILE, the Docker/Swarm
// secrets convention.
type DockerSecretSource struct{}

func (DockerSecretSource) Lookup(name string) (string, bool) {
	path := os.Getenv(name + "_FILE")
	if path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	val := strings.TrimSpace(string(data))
	return val, val != ""
}

// ConfigSource falls back to a value from the config file.
type ConfigSource struct {
	v    *viper.Viper
	keys map[string]string
}

// NewConfigSource maps environment names onto config keys.
func NewConfigSource(v *viper.Viper, keys map[string]string) ConfigSource {
	return ConfigSource{v: v, keys: keys}
}

func (s ConfigSource) Lookup(name string) (string, bool) {
	key, ok := s.keys[name]
	if !ok || s.v == nil {
		return "", false
	}
	val := strings.TrimSpace(s.v.GetString(key))
	return val, val != ""
}

// SecretChain asks each source in order and returns the first hit
type SecretChain []SecretSource

func (c SecretChain) Resolve(name string) string {
	for _, src := range c {
		if val, ok := src.Lookup(name); ok {
			return val
		}
	}
	return ""
}
