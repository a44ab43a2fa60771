/*
Basic interactive CLI for the mbus bus
*/
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tebeka/atexit"
	"github.com/urfave/cli/v2"

	"github.com/CiaranWoodward/mbus/client"
	"github.com/CiaranWoodward/mbus/config"
	"github.com/CiaranWoodward/mbus/files"
	"github.com/CiaranWoodward/mbus/logging"
	"github.com/CiaranWoodward/mbus/msg"
	"github.com/CiaranWoodward/mbus/spawn"
)

func main() {
	//Using urfave/cli to give sensible CLI argument parsing
	app := &cli.App{
		Name:                   "mbusctl",
		Usage:                  "Interactive mbus client, for inspecting the bus, messaging modules and moving files between hosts",
		Action:                 runClient,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Read settings from the YAML, TOML or JSON `FILE`.",
				EnvVars: []string{"MBUS_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Connect to the broker at `HOSTNAME`, overriding the config.",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Connect to the given broker `PORT`, overriding the config.",
			},
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Usage:   "Identify on the bus as `NAME`.",
				Value:   "mbusctl",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Print results as JSON lines.",
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Handle the top-level CLI arguments, connect and start the interactive loop
func runClient(c *cli.Context) error {
	if err := config.LoadEnvFile(""); err != nil {
		return err
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("server") {
		cfg.Broker.Address = c.String("server")
	}
	if c.IsSet("port") {
		cfg.Broker.Port = c.Int("port")
	}

	logger := logging.New(logging.Options{Level: cfg.Log.Level, Console: true})
	tc, err := msg.NewTranscoder(cfg.Broker.Codec)
	if err != nil {
		return err
	}
	rules, err := spawn.LoadRules(cfg.Spawn.RulesFile, cfg.Spawn.LoginFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := client.Dial(ctx, cfg.Broker.Endpoint(), client.Options{
		Name:         c.String("name"),
		Host:         cfg.Client.Host,
		Transcoder:   tc,
		ReplyTimeout: cfg.Client.ReplyTimeout,
		OnDisconnect: func(err error) {
			logger.Error().Err(err).Msg("broker connection lost")
			atexit.Exit(1)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	atexit.Register(func() { bus.Close() })
	log.Printf("Successfully connected to broker %s, with module ID %d.", cfg.Broker.Endpoint(), bus.ID())

	fopts := files.Options{MaxEntries: cfg.Files.MaxEntries, ChunkSize: cfg.Files.ChunkSize, Logger: logger}
	sh := &shell{
		bus:   bus,
		out:   &printer{json: c.Bool("json")},
		dirs:  files.NewDirectoryService(bus, fopts),
		xfer:  files.NewTransferService(bus, fopts),
		spawn: spawn.New(bus, spawn.Options{Rules: rules, PollInterval: cfg.Spawn.PollInterval, RemoteShell: cfg.Spawn.RemoteShell, Logger: logger}),
	}
	if err := sh.start(ctx); err != nil {
		return err
	}
	sh.interactive(ctx, os.Stdin)
	atexit.Exit(0)
	return nil
}
