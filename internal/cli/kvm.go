package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kvm-monitor/internal/collector"
	"kvm-monitor/internal/config"
	"kvm-monitor/internal/libvirt"
	"kvm-monitor/internal/logging"
	"kvm-monitor/internal/model"
	"kvm-monitor/internal/output"
)

const kvmDoc = "Get metrics from a KVM hypervisor."

var errInterrupted = errors.New("interrupted")

func (a *app) kvmCmd() *cli.Command {
	return &cli.Command{
		Name:  collector.CommandName,
		Usage: kvmDoc,
		Description: `Opens a read-only session to the local libvirt daemon and reports:
  kvm_vms              running domains
  kvm_total_vcpus      host CPUs from the libvirt CPU map
  kvm_scheduled_vcpus  sum of the maximum vCPUs of all running domains

The exit status is the exit_code of the reported envelope. With --interval
the command keeps reporting until interrupted.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "libvirt-uri",
				Usage: "libvirt driver URI",
				Value: config.DefaultLibvirtURI,
			},
			&cli.StringFlag{
				Name:  "libvirt-socket",
				Usage: "libvirt read-only management socket",
				Value: config.DefaultLibvirtSocket,
			},
			&cli.DurationFlag{
				Name:  "dial-timeout",
				Usage: "timeout for dialing the libvirt socket",
				Value: config.DefaultDialTimeout,
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "repeat collection on this interval (0 collects once)",
			},
		},
		Action: a.runKVM,
	}
}

func (a *app) runKVM(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log, a.opts.Stderr)
	defer func() { _ = logger.Sync() }()

	w, err := output.NewWriter(output.Format(cfg.Output.Format), a.opts.Stdout)
	if err != nil {
		return err
	}

	hv := a.opts.NewHypervisor(cfg.Libvirt, logger)
	c := collector.NewKVMCollector(hv, a.opts.Hosts, logger)

	if cfg.Poll.Interval.Duration > 0 {
		return a.poll(ctx, logger, c, w, cfg.Poll.Interval.Duration)
	}

	env, err := c.Collect(ctx)
	if err != nil {
		return fatal(err)
	}
	if err := w.Write(env); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if env.ExitCode != model.ExitCodeOK {
		return &ExitError{status: env.ExitCode}
	}
	return nil
}

func (a *app) poll(ctx context.Context, logger *zap.Logger, c *collector.KVMCollector, w *output.Writer, interval time.Duration) error {
	logger.Info("kvm polling started", zap.Duration("interval", interval))
	sched := collector.NewScheduler(logger, c, interval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx, func(_ context.Context, env model.Envelope) error {
			return w.Write(env)
		})
	})
	g.Go(func() error {
		return waitForSignal(gctx, sigCh, logger)
	})

	err := g.Wait()
	if err == nil || errors.Is(err, errInterrupted) {
		logger.Info("kvm polling stopped")
		return nil
	}
	return fatal(err)
}

func waitForSignal(ctx context.Context, sigCh <-chan os.Signal, logger *zap.Logger) error {
	select {
	case <-ctx.Done():
		return nil
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		return errInterrupted
	}
}

// fatal maps a missing libvirt capability to a terminating exit with a
// descriptive message. No envelope is written in that case.
func fatal(err error) error {
	if errors.Is(err, libvirt.ErrCapabilityUnavailable) {
		return &ExitError{
			status: 1,
			msg:    fmt.Sprintf("The %q plugin requires a running libvirt daemon with its management socket available (%v)", collector.CommandName, err),
		}
	}
	return err
}

func loadConfig(cmd *cli.Command) (config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}

	if cmd.IsSet("log-level") {
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(cmd.String("log-level")))
	}
	if cmd.IsSet("format") {
		cfg.Output.Format = strings.ToLower(strings.TrimSpace(cmd.String("format")))
	}
	if cmd.IsSet("libvirt-uri") {
		cfg.Libvirt.URI = cmd.String("libvirt-uri")
	}
	if cmd.IsSet("libvirt-socket") {
		cfg.Libvirt.Socket = cmd.String("libvirt-socket")
	}
	if cmd.IsSet("dial-timeout") {
		cfg.Libvirt.DialTimeout.Duration = cmd.Duration("dial-timeout")
	}
	if cmd.IsSet("interval") {
		cfg.Poll.Interval.Duration = cmd.Duration("interval")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
