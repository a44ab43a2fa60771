package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/tebeka/atexit"
	"github.com/urfave/cli/v2"

	"github.com/CiaranWoodward/mbus/config"
	"github.com/CiaranWoodward/mbus/logging"
	"github.com/CiaranWoodward/mbus/msg"
	"github.com/CiaranWoodward/mbus/server"
)

func main() {
	//Using urfave/cli to make sensible CLI argument parsing
	app := &cli.App{
		Name:                   "server",
		Usage:                  "The mbus broker, accepting module connections and routing messages between them",
		Action:                 runServer,
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Read settings from the YAML, TOML or JSON `FILE`.",
				EnvVars: []string{"MBUS_CONFIG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Listen on the given `PORT` for incoming TCP connections, overriding the config.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log at `LEVEL` (debug, info, warn, error), overriding the config.",
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// Handle the top-level CLI arguments, start the broker
func runServer(c *cli.Context) error {
	if err := config.LoadEnvFile(""); err != nil {
		return err
	}
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("port") {
		cfg.Broker.Port = c.Int("port")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if cfg.Broker.Port < 1 || cfg.Broker.Port > 0xFFFF {
		return fmt.Errorf("PORT out of range: %d", cfg.Broker.Port)
	}

	logger := logging.New(logging.Options{Level: cfg.Log.Level, Console: cfg.Log.Console})
	tc, err := msg.NewTranscoder(cfg.Broker.Codec)
	if err != nil {
		return err
	}

	// Listen on every interface; the configured address is for clients
	endpoint := net.JoinHostPort("", strconv.Itoa(cfg.Broker.Port))
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Broker.Port, err)
	}
	ser := server.NewServer(server.Options{Transcoder: tc, QueueDepth: cfg.Broker.QueueDepth, Logger: logger})
	ser.AddListener(listener)
	atexit.Register(func() {
		ser.Close()
		logger.Info().Int64("dropped", ser.Dropped()).Msg("broker stopped")
	})

	logger.Info().Int("port", cfg.Broker.Port).Str("codec", cfg.Broker.Codec).Msg("listening, use Ctl-C to exit")

	// Run until ctl-c
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	atexit.Exit(0)
	return nil
}
