// Copyright 2024 The Authors (see AUTHORS file)
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

package server

import (
	"errors"
	"fmt"

	"github.com/abcxyz/pkg/cli"
)

// Config defines the set of environment variables required for running the
// usage aggregation server. Tracker tuning lives in the usage package and
// is read directly from the environment.
type Config struct {
	Port         string
	ProjectID    string
	DatasetID    string
	UsageTableID string
}

// Validate validates the service config after load.
func (cfg *Config) Validate() error {
	var merr error

	if cfg.ProjectID == "" {
		merr = errors.Join(merr, fmt.Errorf("PROJECT_ID is required"))
	}

	if cfg.DatasetID == "" {
		merr = errors.Join(merr, fmt.Errorf("DATASET_ID is required"))
	}

	if cfg.UsageTableID == "" {
		merr = errors.Join(merr, fmt.Errorf("USAGE_TABLE_ID is required"))
	}

	return merr
}

// ToFlags binds the config to the given [cli.FlagSet] and returns it.
func (cfg *Config) ToFlags(set *cli.FlagSet) *cli.FlagSet {
	f := set.NewSection("COMMON OPTIONS")

	f.StringVar(&cli.StringVar{
		Name:    "port",
		Target:  &cfg.Port,
		EnvVar:  "PORT",
		Default: "8080",
		Usage:   `The port the server listens to.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "project-id",
		Target: &cfg.ProjectID,
		EnvVar: "PROJECT_ID",
		Usage:  `Google Cloud project ID.`,
	})

	f.StringVar(&cli.StringVar{
		Name:   "dataset-id",
		Target: &cfg.DatasetID,
		EnvVar: "DATASET_ID",
		Usage:  `The dataset ID holding the usage and credential tables.`,
	})

	f.StringVar(&cli.StringVar{
		Name:    "usage-table-id",
		Target:  &cfg.UsageTableID,
		EnvVar:  "USAGE_TABLE_ID",
		Default: "credential_usage",
		Usage:   `The usage events table ID within the dataset.`,
	})

	return set
}
