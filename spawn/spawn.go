/*
Package spawn makes sure a named module is connected to the bus, starting it
locally or on a remote host when it is not.

Launch commands come from the spawn rule table; remote launches go through a
remote shell, logging in with the identity from the login rule table. After
launching, the spawner polls the broker until the module appears or the
caller's timeout elapses. It never retries a launch by itself.
*/
package spawn

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/CiaranWoodward/mbus/hostaddr"
	"github.com/CiaranWoodward/mbus/logging"
	"github.com/CiaranWoodward/mbus/msg"
)

// DefaultPollInterval is the delay between registry checks after a launch
const DefaultPollInterval = 6 * time.Second

// Registry lists the modules connected to the bus. *client.Client implements it.
type Registry interface {
	ListConnected(ctx context.Context) ([]msg.Module, error)
}

// Launcher starts a command without waiting for it to finish
type Launcher interface {
	Launch(ctx context.Context, argv []string) error
}

// ExecLauncher starts commands as detached child processes
type ExecLauncher struct {
	Logger zerolog.Logger
}

// Launch implements Launcher. The child is reaped in the background.
func (l ExecLauncher) Launch(_ context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() {
		err := cmd.Wait()
		l.Logger.Debug().Err(err).Strs("argv", argv).Msg("spawned process exited")
	}()
	return nil
}

// Options configure a Spawner
type Options struct {
	Rules    *Rules
	Resolver hostaddr.Resolver
	Launcher Launcher
	// PollInterval defaults to DefaultPollInterval
	PollInterval time.Duration
	// RemoteShell defaults to ssh
	RemoteShell string
	Logger      zerolog.Logger
}

// Spawner starts modules on demand
type Spawner struct {
	reg  Registry
	opts Options
	log  zerolog.Logger
}

// New creates a Spawner checking the registry reg
func New(reg Registry, opts Options) *Spawner {
	if opts.Rules == nil {
		opts.Rules = &Rules{}
	}
	if opts.Resolver == nil {
		opts.Resolver = hostaddr.NewSystem()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RemoteShell == "" {
		opts.RemoteShell = "ssh"
	}
	log := logging.Component(opts.Logger, "spawn")
	if opts.Launcher == nil {
		opts.Launcher = ExecLauncher{Logger: log}
	}
	return &Spawner{reg: reg, opts: opts, log: log}
}

// where a module has to run
type target struct {
	host  string
	local bool
	ip    net.IP
}

func (s *Spawner) resolve(ctx context.Context, host string) (target, error) {
	if host == "" {
		return target{local: true}, nil
	}
	class, ip, err := s.opts.Resolver.Classify(ctx, host)
	if err != nil {
		return target{}, err
	}
	return target{host: host, local: class == hostaddr.Local, ip: ip}, nil
}

func (t target) matches(m msg.Module) bool {
	if t.local || m.Host == t.host {
		return true
	}
	ip := net.ParseIP(m.Host)
	return ip != nil && t.ip != nil && ip.Equal(t.ip)
}

// Report whether name already runs on t, or anywhere when anywhere is set
func (s *Spawner) running(ctx context.Context, name string, t target, anywhere bool) (bool, error) {
	mods, err := s.reg.ListConnected(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range mods {
		if m.Name == name && (anywhere || t.matches(m)) {
			return true, nil
		}
	}
	return false, nil
}

// EnsureRunning returns once a module called name is connected on host, an
// empty or local host meaning any host. If the module is missing it is
// launched from the spawn rules, then polled for until timeout elapses.
// With unique set, an instance connected from another host also counts.
// The timeout bounds the whole call, host lookup and registry checks included.
func (s *Spawner) EnsureRunning(ctx context.Context, name, host string, unique bool, timeout time.Duration, extraArgs ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	expired := func(err error) error {
		if ctx.Err() == context.DeadlineExceeded {
			return msg.NewError(msg.TIMEOUT, "module %q did not connect from %q within %s", name, host, timeout)
		}
		return err
	}

	t, err := s.resolve(ctx, host)
	if err != nil {
		return expired(err)
	}
	up, err := s.running(ctx, name, t, unique)
	if err != nil {
		return expired(err)
	}
	if up {
		return nil
	}

	remote := ""
	if !t.local {
		remote = host
	}
	argv, ok := s.opts.Rules.Command(name, remote, s.opts.RemoteShell, extraArgs...)
	if !ok {
		return fmt.Errorf("module %q: %w", name, msg.ErrNoSpawnRule)
	}
	s.log.Info().Str("module", name).Str("host", host).Strs("argv", argv).Msg("launching module")
	if err := s.opts.Launcher.Launch(ctx, argv); err != nil {
		return expired(fmt.Errorf("launching %q: %w", name, err))
	}

	tick := time.NewTicker(s.opts.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return expired(ctx.Err())
		case <-tick.C:
		}
		up, err := s.running(ctx, name, t, unique)
		if up {
			s.log.Info().Str("module", name).Str("host", host).Msg("module connected")
			return nil
		}
		if err != nil && ctx.Err() == nil {
			return err
		}
	}
}

// EnsureRunningAsync runs EnsureRunning in the background. The result is
// delivered on the returned channel, which is then closed.
func (s *Spawner) EnsureRunningAsync(ctx context.Context, name, host string, unique bool, timeout time.Duration, extraArgs ...string) <-chan error {
	res := make(chan error, 1)
	go func() {
		defer close(res)
		res <- s.EnsureRunning(ctx, name, host, unique, timeout, extraArgs...)
	}()
	return res
}
