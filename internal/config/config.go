// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the runtime configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/inboxfold/inboxfold/internal/homedir"
)

type Config struct {
	// Inference endpoint, OpenAI-compatible.
	CompletionsAPIURL string
	CompletionsAPIKey string
	CompletionsModel  string

	// Durable store location.
	DBPath string

	// Mailbox listing.
	Query    string
	PageSize int64

	// Classification batch width.
	BatchWidth int

	// Others preview cap.
	OthersCap int

	// Interval scheduler.
	AutoRefresh     bool
	RefreshInterval time.Duration
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", key)
	}
	return d, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.Wrapf(err, "invalid %s", key)
	}
	return b, nil
}

// Load reads the configuration.  A missing .env file is not an
// error; the process environment always wins.
func Load() (*Config, error) {
	_ = godotenv.Load()

	conf := &Config{
		CompletionsAPIURL: getEnv("COMPLETIONS_API_URL", "https://api.openai.com/v1"),
		CompletionsAPIKey: getEnv("COMPLETIONS_API_KEY", ""),
		CompletionsModel:  getEnv("COMPLETIONS_MODEL", "gpt-4.1-mini"),
		DBPath:            getEnv("INBOXFOLD_DB_PATH", filepath.Join(homedir.Get(), ".inboxfold.db")),
		Query:             getEnv("INBOXFOLD_QUERY", "in:inbox -in:draft"),
	}

	pageSize, err := getEnvInt("INBOXFOLD_PAGE_SIZE", 50)
	if err != nil {
		return nil, err
	}
	conf.PageSize = int64(pageSize)

	if conf.BatchWidth, err = getEnvInt("INBOXFOLD_BATCH_WIDTH", 5); err != nil {
		return nil, err
	}
	if conf.OthersCap, err = getEnvInt("INBOXFOLD_OTHERS_CAP", 20); err != nil {
		return nil, err
	}
	if conf.AutoRefresh, err = getEnvBool("INBOXFOLD_AUTO_REFRESH", false); err != nil {
		return nil, err
	}
	if conf.RefreshInterval, err = getEnvDuration("INBOXFOLD_REFRESH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	return conf, nil
}
