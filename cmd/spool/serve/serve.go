// Package servecmder provides the serve command, which runs the stream server.
package servecmder

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/spool/api"
	"github.com/papercomputeco/spool/pkg/backends"
	"github.com/papercomputeco/spool/pkg/cliui"
	"github.com/papercomputeco/spool/pkg/config"
	"github.com/papercomputeco/spool/pkg/durable"
	"github.com/papercomputeco/spool/pkg/logger"
	"github.com/papercomputeco/spool/pkg/streamlog"
	"github.com/papercomputeco/spool/pkg/utils"
	"github.com/papercomputeco/spool/pkg/worker"
)

type serveCommander struct {
	listen        string
	logJSON       bool
	storageDriver string
	redisAddr     string
	redisDB       int
	sqlitePath    string
	postgresDSN   string
	relay         bool
	basinTemplate string
	eventProvider string
	eventTopic    string

	configDir string
	debug     bool
	cfg       *config.Config
	logger    *zap.Logger
}

const serveLongDesc string = `Run the spool stream server.

Producers POST or PUT stream output to
  /realtime/{version}/streams/{runId}/{streamId}
and readers GET the same path as Server-Sent-Events.

v1 streams are stored in the durable log selected by --storage (memory, redis,
sqlite or postgres) and, unless --relay=false, relayed in process to the first
live reader. v2 streams are served by S2 and need s2.access_token and
s2.basin_template to be configured.

Flags override SPOOL_* environment variables, which override config.toml.`

const serveShortDesc string = "Run the spool stream server"

var serveFlags = config.FlagSet{
	config.FlagListen:        {Name: "listen", Shorthand: "l", ViperKey: "server.listen", Description: "Address for the server to listen on"},
	config.FlagLogJSON:       {Name: "log-json", ViperKey: "server.log_json", Description: "Emit JSON logs"},
	config.FlagStorageDriver: {Name: "storage", Shorthand: "s", ViperKey: "storage.driver", Description: "Durable log driver (memory, redis, sqlite, postgres)"},
	config.FlagRedisAddr:     {Name: "redis-addr", ViperKey: "storage.redis_addr", Description: "Redis address for the redis driver"},
	config.FlagRedisDB:       {Name: "redis-db", ViperKey: "storage.redis_db", Description: "Redis logical database"},
	config.FlagSQLite:        {Name: "sqlite", ViperKey: "storage.sqlite_path", Description: "SQLite database path (default: spool.db in the .spool/ directory)"},
	config.FlagPostgresDSN:   {Name: "postgres-dsn", ViperKey: "storage.postgres_dsn", Description: "PostgreSQL connection string for the postgres driver"},
	config.FlagRelay:         {Name: "relay", ViperKey: "relay.enabled", Description: "Relay v1 streams in process to the first live reader"},
	config.FlagBasinTemplate: {Name: "s2-basin-template", ViperKey: "s2.basin_template", Description: "S2 basin name, {environment} is substituted"},
	config.FlagEventProvider: {Name: "eventstream-provider", ViperKey: "eventstream.provider", Description: "Lifecycle event publisher (nop, kafka)"},
	config.FlagEventTopic:    {Name: "eventstream-topic", ViperKey: "eventstream.topic", Description: "Kafka topic for lifecycle events"},
}

var serveFlagKeys = []string{
	config.FlagListen,
	config.FlagLogJSON,
	config.FlagStorageDriver,
	config.FlagRedisAddr,
	config.FlagRedisDB,
	config.FlagSQLite,
	config.FlagPostgresDSN,
	config.FlagRelay,
	config.FlagBasinTemplate,
	config.FlagEventProvider,
	config.FlagEventTopic,
}

func NewServeCmd() *cobra.Command {
	cmd, _ := newServeCmd()
	return cmd
}

func newServeCmd() (*cobra.Command, *serveCommander) {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			cmder.configDir, _ = cmd.Flags().GetString("config-dir")

			v, err := config.InitViper(cmder.configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, serveFlags, serveFlagKeys)

			cmder.cfg = config.FromViper(v)
			if !config.IsValidStorageDriver(cmder.cfg.Storage.Driver) {
				return fmt.Errorf("unsupported storage driver %q (available: %v)", cmder.cfg.Storage.Driver, config.StorageDrivers())
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return cmder.run(ctx, cmd.ErrOrStderr())
		},
	}

	config.AddStringFlag(cmd, serveFlags, config.FlagListen, &cmder.listen)
	config.AddBoolFlag(cmd, serveFlags, config.FlagLogJSON, &cmder.logJSON)
	config.AddStringFlag(cmd, serveFlags, config.FlagStorageDriver, &cmder.storageDriver)
	config.AddStringFlag(cmd, serveFlags, config.FlagRedisAddr, &cmder.redisAddr)
	config.AddIntFlag(cmd, serveFlags, config.FlagRedisDB, &cmder.redisDB)
	config.AddStringFlag(cmd, serveFlags, config.FlagSQLite, &cmder.sqlitePath)
	config.AddStringFlag(cmd, serveFlags, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddBoolFlag(cmd, serveFlags, config.FlagRelay, &cmder.relay)
	config.AddStringFlag(cmd, serveFlags, config.FlagBasinTemplate, &cmder.basinTemplate)
	config.AddStringFlag(cmd, serveFlags, config.FlagEventProvider, &cmder.eventProvider)
	config.AddStringFlag(cmd, serveFlags, config.FlagEventTopic, &cmder.eventTopic)

	return cmd, cmder
}

func (c *serveCommander) run(ctx context.Context, stderr io.Writer) error {
	c.logger = logger.New(
		logger.WithDebug(c.debug),
		logger.WithJSON(c.cfg.Server.LogJSON),
	)
	defer func() { _ = c.logger.Sync() }()

	log, err := c.openLog(ctx, stderr)
	if err != nil {
		return err
	}
	defer log.Close()

	store := durable.New(log, durableOptions(c.cfg.Durable), c.logger.Named("durable"))

	s2cfg, err := s2Config(c.cfg.S2)
	if err != nil {
		return fmt.Errorf("configuring s2: %w", err)
	}
	if s2cfg.Client == nil {
		c.logger.Info("s2 access token not set, v2 streams are disabled")
	}

	selector := backends.NewSelector(backends.Config{
		Durable:      store,
		RelayEnabled: c.cfg.Relay.Enabled,
		Relay:        relayOptions(c.cfg.Relay),
		S2:           s2cfg,
		Logger:       c.logger,
	})
	selector.Start()
	defer selector.Close()

	publisher, err := newPublisher(c.cfg.EventStream)
	if err != nil {
		return fmt.Errorf("creating event publisher: %w", err)
	}
	defer publisher.Close()

	pool, err := worker.NewPool(&worker.Config{
		Publisher: publisher,
		Logger:    c.logger.Named("events"),
	})
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Close()

	server := api.NewServer(api.Config{
		ListenAddr: c.cfg.Server.Listen,
		Profiling:  c.cfg.Server.Profiling,
	}, selector, pool, c.logger.Named("api"))

	c.logger.Info("spool server configured",
		zap.String("version", utils.ShortVersion()),
		zap.String("listen", c.cfg.Server.Listen),
		zap.String("storage", c.cfg.Storage.Driver),
		zap.Bool("relay", c.cfg.Relay.Enabled),
		zap.String("eventstream", c.cfg.EventStream.Provider),
	)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Run()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.logger.Info("received signal, shutting down")
		if err := server.Shutdown(); err != nil {
			c.logger.Error("shutdown failed", zap.Error(err))
		}
		return nil
	}
}

// openLog opens the durable log, with a progress line on terminals.
func (c *serveCommander) openLog(ctx context.Context, stderr io.Writer) (streamlog.Log, error) {
	var log streamlog.Log
	open := func() error {
		var err error
		log, err = newStreamLog(ctx, c.cfg.Storage, c.configDir)
		return err
	}

	var err error
	if c.cfg.Server.LogJSON {
		err = open()
	} else {
		err = cliui.Step(stderr, fmt.Sprintf("Opening %s durable log", c.cfg.Storage.Driver), open)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s durable log: %w", c.cfg.Storage.Driver, err)
	}
	return log, nil
}
