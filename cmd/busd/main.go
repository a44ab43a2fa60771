/*
busd is the per-host file daemon. It registers on the bus as
"busd_<dotted IPv4>" and serves directory listings and file transfers for the
host it runs on.
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/tebeka/atexit"
	"github.com/urfave/cli/v2"

	"github.com/CiaranWoodward/mbus/client"
	"github.com/CiaranWoodward/mbus/config"
	"github.com/CiaranWoodward/mbus/files"
	"github.com/CiaranWoodward/mbus/hostaddr"
	"github.com/CiaranWoodward/mbus/logging"
	"github.com/CiaranWoodward/mbus/msg"
)

func main() {
	app := &cli.App{
		Name:                   "busd",
		Usage:                  "The mbus file daemon, serving directory listings and file transfers for this host",
		Action:                 runDaemon,
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
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// The address this host is known by on the bus. A loopback connection to the
// broker says nothing about how other hosts reach us.
func hostIP(cfg *config.Config, con net.Conn) (net.IP, error) {
	if cfg.Client.Host != "" {
		ip := net.ParseIP(cfg.Client.Host)
		if ip == nil {
			return nil, fmt.Errorf("client.host %q is not an IP address", cfg.Client.Host)
		}
		return ip, nil
	}
	if addr, ok := con.LocalAddr().(*net.TCPAddr); ok && !addr.IP.IsLoopback() {
		return addr.IP, nil
	}
	return hostaddr.PrimaryIPv4(), nil
}

func runDaemon(c *cli.Context) error {
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

	logger := logging.New(logging.Options{Level: cfg.Log.Level, Console: cfg.Log.Console})
	tc, err := msg.NewTranscoder(cfg.Broker.Codec)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var d net.Dialer
	con, err := d.DialContext(ctx, "tcp", cfg.Broker.Endpoint())
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Broker.Endpoint(), err)
	}
	ip, err := hostIP(cfg, con)
	if err != nil {
		con.Close()
		return err
	}

	bus := client.NewClient(con, client.Options{
		Name:         hostaddr.DaemonName(ip),
		Host:         ip.String(),
		Transcoder:   tc,
		ReplyTimeout: cfg.Client.ReplyTimeout,
		OnDisconnect: lostBroker(logger),
		Logger:       logger,
	})
	atexit.Register(func() { bus.Close() })
	if _, err := bus.Identify(ctx); err != nil {
		logger.Error().Err(err).Msg("identify failed")
		atexit.Exit(1)
	}

	err = files.Serve(ctx, bus, files.Options{
		MaxEntries: cfg.Files.MaxEntries,
		ChunkSize:  cfg.Files.ChunkSize,
		Logger:     logger,
	})
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("file daemon stopped")
		atexit.Exit(1)
	}
	atexit.Exit(0)
	return nil
}

// Losing the broker is fatal for every module
func lostBroker(logger zerolog.Logger) func(error) {
	return func(err error) {
		logger.Error().Err(err).Msg("broker connection lost")
		atexit.Exit(1)
	}
}
