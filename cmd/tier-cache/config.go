package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	tiercache "github.com/tier-cache/tier-cache"
	"github.com/tier-cache/tier-cache/invalidation"
)

// Config is the YAML configuration for the demo server.
type Config struct {
	Port           int          `yaml:"port"`
	TTLSeconds     int          `yaml:"ttl"`
	Methods        []string     `yaml:"methods"`
	RedisURL       string       `yaml:"redisUrl"`
	SQLitePath     string       `yaml:"sqlitePath"`
	ExcludePaths   []string     `yaml:"excludePaths"`
	MaxPayloadSize int64        `yaml:"maxPayloadSize"`
	AutoREST       bool         `yaml:"autoRest"`
	Rules          []ConfigRule `yaml:"rules"`
}

type ConfigRule struct {
	Name               string   `yaml:"name"`
	Description        string   `yaml:"description"`
	Methods            []string `yaml:"methods"`
	PathPattern        string   `yaml:"pathPattern"`
	InvalidatePatterns []string `yaml:"invalidatePatterns"`
	InvalidateMethods  []string `yaml:"invalidateMethods"`
	DisableUserScope   bool     `yaml:"disableUserScope"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// cacheConfig translates the file configuration into the middleware's.
func (c Config) cacheConfig() tiercache.Config {
	rules := make([]invalidation.Rule, 0, len(c.Rules))
	for _, r := range c.Rules {
		rules = append(rules, invalidation.Rule{
			Name:               r.Name,
			Description:        r.Description,
			Methods:            r.Methods,
			PathPattern:        r.PathPattern,
			InvalidatePatterns: r.InvalidatePatterns,
			InvalidateMethods:  r.InvalidateMethods,
			DisableUserScope:   r.DisableUserScope,
		})
	}
	return tiercache.Config{
		TTL:            time.Duration(c.TTLSeconds) * time.Second,
		Methods:        c.Methods,
		RedisURL:       c.RedisURL,
		SQLitePath:     c.SQLitePath,
		ExcludePaths:   c.ExcludePaths,
		MaxPayloadSize: c.MaxPayloadSize,
		Invalidation: invalidation.Config{
			Rules:    rules,
			AutoREST: c.AutoREST,
		},
	}
}
