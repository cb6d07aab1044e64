// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package config loads bucketfeed settings from a config file, a .env file
// and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/cardinalhq/bucketfeed/internal/storageprofile"
)

const EnvPrefix = "BUCKETFEED"

// Checkpoint store kinds.
const (
	CheckpointDynamoDB = "dynamodb"
	CheckpointSQLite   = "sqlite"
	CheckpointPostgres = "postgres"
	CheckpointMemory   = "memory"
)

// Config aggregates configuration for the application.
type Config struct {
	// SourceProfile, when set, names a YAML storage profile (or "env:VAR")
	// that replaces the source section.
	SourceProfile string                        `mapstructure:"source_profile"`
	Source        storageprofile.StorageProfile `mapstructure:"source"`
	Checkpoint    CheckpointConfig              `mapstructure:"checkpoint"`
	Endpoint      EndpointConfig                `mapstructure:"endpoint"`
	Delivery      DeliveryConfig                `mapstructure:"delivery"`
	Mirror        MirrorConfig                  `mapstructure:"mirror"`
	Run           RunConfig                     `mapstructure:"run"`
}

type CheckpointConfig struct {
	Kind    string        `mapstructure:"kind"`
	Table   string        `mapstructure:"table"`
	Path    string        `mapstructure:"path"`
	Lock    bool          `mapstructure:"lock"`
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

type EndpointConfig struct {
	URL       string            `mapstructure:"url"`
	BatchSize int               `mapstructure:"batch_size"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	Headers   map[string]string `mapstructure:"headers"`
}

type DeliveryConfig struct {
	Attempts int `mapstructure:"attempts"`
}

// MirrorConfig names an archival bucket. Unset fields inherit from the
// source profile.
type MirrorConfig struct {
	Bucket   string `mapstructure:"bucket"`
	Provider string `mapstructure:"provider"`
	Root     string `mapstructure:"root"`
}

type RunConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// HealthPort serves health probes while running on an interval. Zero
	// disables the probe server.
	HealthPort int `mapstructure:"health_port"`
}

// legacyEnv maps keys to the variable names used by the original scripts.
var legacyEnv = map[string][]string{
	"source.bucket":    {"bucket_name", "BUCKET_NAME"},
	"checkpoint.table": {"table_name", "TABLE_NAME"},
	"checkpoint.path":  {"sqlitedb", "SQLITEDB"},
	"endpoint.url":     {"url", "URL"},
	"mirror.bucket":    {"local_bucket", "LOCAL_BUCKET"},
	"run.health_port":  {"HEALTH_CHECK_PORT"},
}

func DefaultConfig() *Config {
	return &Config{
		Source: storageprofile.StorageProfile{
			CloudProvider: storageprofile.ProviderAWS,
		},
		Checkpoint: CheckpointConfig{
			Kind:    CheckpointSQLite,
			Path:    "bucketfeed.db",
			LockTTL: 15 * time.Minute,
		},
		Endpoint: EndpointConfig{
			BatchSize: 1,
			Timeout:   30 * time.Second,
		},
		Delivery: DeliveryConfig{
			Attempts: 1,
		},
	}
}

// Load reads configuration from configFile (or ./config.yaml when empty),
// then ./.env, then environment variables. Environment variables use the
// prefix "BUCKETFEED" and the dot in keys becomes an underscore, so
// "endpoint.url" is read from "BUCKETFEED_ENDPOINT_URL".
func Load(configFile string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()

	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// The DynamoDB script only knew table_name; honor that on its own.
	if !v.IsSet("checkpoint.kind") && cfg.Checkpoint.Table != "" {
		cfg.Checkpoint.Kind = CheckpointDynamoDB
	}
	cfg.Checkpoint.Kind = strings.ToLower(cfg.Checkpoint.Kind)

	if cfg.SourceProfile != "" {
		p, err := storageprofile.LoadFile(cfg.SourceProfile)
		if err != nil {
			return nil, err
		}
		cfg.Source = p
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag, _, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string{}, parts...), tag)
		switch f.Type.Kind() {
		case reflect.Struct:
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		case reflect.Map:
			// Maps come from the config file only.
			continue
		}

		name := strings.Join(key, ".")
		if legacy, ok := legacyEnv[name]; ok {
			envName := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))
			_ = v.BindEnv(append([]string{name, envName}, legacy...)...)
			continue
		}
		_ = v.BindEnv(name)
	}
}

// loadDotEnv copies variables from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is not an error. Keys are matched in both lower and upper case, since
// viper folds them.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	dv := viper.New()
	dv.SetConfigFile(path)
	dv.SetConfigType("env")
	if err := dv.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, key := range dv.AllKeys() {
		value := dv.GetString(key)
		for _, name := range []string{key, strings.ToUpper(key)} {
			if _, set := os.LookupEnv(name); !set {
				if err := os.Setenv(name, value); err != nil {
					return fmt.Errorf("set %s from %s: %w", name, path, err)
				}
			}
		}
	}
	return nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs *multierror.Error

	if err := c.Source.Validate(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("source: %w", err))
	}
	if c.Endpoint.URL == "" {
		errs = multierror.Append(errs, errors.New("endpoint.url is required"))
	}
	if c.Endpoint.BatchSize < 1 {
		errs = multierror.Append(errs, errors.New("endpoint.batch_size must be at least 1"))
	}
	if c.Endpoint.Timeout < 0 {
		errs = multierror.Append(errs, errors.New("endpoint.timeout must not be negative"))
	}
	if c.Delivery.Attempts < 1 {
		errs = multierror.Append(errs, errors.New("delivery.attempts must be at least 1"))
	}
	if err := c.ValidateCheckpoint(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Mirror.Bucket != "" {
		if err := c.MirrorProfile().Validate(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("mirror: %w", err))
		}
	}
	if c.Run.HealthPort < 0 || c.Run.HealthPort > 65535 {
		errs = multierror.Append(errs, fmt.Errorf("run.health_port %d is out of range", c.Run.HealthPort))
	}
	if c.Run.Interval < 0 || c.Run.Timeout < 0 {
		errs = multierror.Append(errs, errors.New("run.interval and run.timeout must not be negative"))
	}
	return errs.ErrorOrNil()
}

// ValidateCheckpoint checks only the checkpoint section, for commands that
// do not touch the bucket or endpoint.
func (c *Config) ValidateCheckpoint() error {
	switch c.Checkpoint.Kind {
	case CheckpointDynamoDB:
		if c.Checkpoint.Table == "" {
			return errors.New("checkpoint.table is required for dynamodb")
		}
	case CheckpointSQLite:
		if c.Checkpoint.Path == "" {
			return errors.New("checkpoint.path is required for sqlite")
		}
	case CheckpointPostgres, CheckpointMemory:
	default:
		return fmt.Errorf("unsupported checkpoint.kind %q", c.Checkpoint.Kind)
	}
	return nil
}

// MirrorProfile returns the archival bucket's profile: the source profile
// with the mirror overrides applied.
func (c *Config) MirrorProfile() storageprofile.StorageProfile {
	p := c.Source
	p.Bucket = c.Mirror.Bucket
	if c.Mirror.Provider != "" {
		p.CloudProvider = c.Mirror.Provider
	}
	if c.Mirror.Root != "" {
		p.Root = c.Mirror.Root
	}
	return p
}

// LockName scopes the run lock to the watched bucket.
func (c *Config) LockName() string {
	return c.Source.Provider() + ":" + c.Source.Bucket
}
