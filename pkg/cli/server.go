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

package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/option"

	"github.com/abcxyz/pkg/cli"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/abcxyz/pkg/serving"

	"github.com/abcxyz/credential-usage-aggregator/pkg/server"
	"github.com/abcxyz/credential-usage-aggregator/pkg/usage"
	"github.com/abcxyz/credential-usage-aggregator/pkg/version"
)

// shutdownGrace bounds the final flush-and-drain after the HTTP server
// stops accepting requests.
const shutdownGrace = 15 * time.Second

var _ cli.Command = (*ServerCommand)(nil)

type ServerCommand struct {
	cli.BaseCommand

	cfg *server.Config

	// testFlagSetOpts is only used for testing.
	testFlagSetOpts []cli.Option

	testBigQueryClientOptions []option.ClientOption

	// testDatastore is only used for testing.
	testDatastore usage.Datastore

	// testAuthenticator is only used for testing.
	testAuthenticator usage.TokenAuthenticator
}

func (c *ServerCommand) Desc() string {
	return `Start the credential usage aggregation server`
}

func (c *ServerCommand) Help() string {
	return `
Usage: {{ COMMAND }} [options]

  Start the credential usage aggregation server.
`
}

func (c *ServerCommand) Flags() *cli.FlagSet {
	c.cfg = &server.Config{}
	set := cli.NewFlagSet(c.testFlagSetOpts...)
	return c.cfg.ToFlags(set)
}

func (c *ServerCommand) Run(ctx context.Context, args []string) error {
	srv, mux, tracker, err := c.RunUnstarted(ctx, args)
	if err != nil {
		return err
	}

	serveErr := srv.StartHTTPHandler(ctx, mux)

	// The serving context is gone by now, so the final flush gets its own
	// bounded deadline.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := tracker.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down tracker: %w", err)
	}

	return serveErr //nolint:wrapcheck // Want passthrough
}

func (c *ServerCommand) RunUnstarted(ctx context.Context, args []string) (*serving.Server, http.Handler, *usage.Tracker, error) {
	f := c.Flags()
	if err := f.Parse(args); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse flags: %w", err)
	}
	args = f.Args()
	if len(args) > 0 {
		return nil, nil, nil, fmt.Errorf("unexpected arguments: %q", args)
	}

	logger := logging.FromContext(ctx)
	logger.DebugContext(ctx, "server starting",
		"name", version.Name,
		"commit", version.Commit,
		"version", version.Version)

	h, err := renderer.New(ctx, nil,
		renderer.WithOnError(func(err error) {
			logger.ErrorContext(ctx, "failed to render", "error", err)
		}))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create renderer: %w", err)
	}

	if err := c.cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger.DebugContext(ctx, "loaded configuration", "config", c.cfg)

	datastore := c.testDatastore
	auth := c.testAuthenticator
	if datastore == nil {
		agent := fmt.Sprintf("abcxyz:credential-usage-aggregator/%s", version.Version)
		opts := append([]option.ClientOption{option.WithUserAgent(agent)}, c.testBigQueryClientOptions...)
		bqDatastore, err := usage.NewBigQueryDatastore(ctx, c.cfg.ProjectID, c.cfg.DatasetID, c.cfg.UsageTableID, opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to create datastore: %w", err)
		}
		datastore = bqDatastore
		if auth == nil {
			auth = bqDatastore
		}
	}

	trackerCfg := usage.NewConfig(ctx)
	tracker := usage.NewTracker(ctx, trackerCfg, datastore)
	aggregator := usage.NewAggregator(datastore)

	usageServer, err := server.NewServer(ctx, h, c.cfg, tracker, aggregator, auth)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create server: %w", err)
	}

	mux := usageServer.Routes(ctx)

	srv, err := serving.New(c.cfg.Port)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create serving infrastructure: %w", err)
	}

	return srv, mux, tracker, nil
}
