package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"kvm-monitor/internal/collector"
	"kvm-monitor/internal/config"
	"kvm-monitor/internal/hostid"
	"kvm-monitor/internal/libvirt"
	"kvm-monitor/internal/output"
)

const name = "kvm-monitor"

// overridden during build with ldflags
var version = "dev"

// Options carries the process-level collaborators. Zero values are
// replaced with the real stdout/stderr, libvirt client and DNS resolver.
type Options struct {
	Stdout        io.Writer
	Stderr        io.Writer
	NewHypervisor func(cfg config.LibvirtConfig, logger *zap.Logger) collector.Hypervisor
	Hosts         collector.HostResolver
}

// ExitError carries the process exit status chosen by a command.
type ExitError struct {
	status int
	msg    string
}

func (e *ExitError) Error() string { return e.msg }

func (e *ExitError) Status() int { return e.status }

type app struct {
	opts Options
}

func New(opts Options) *cli.Command {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.NewHypervisor == nil {
		opts.NewHypervisor = func(cfg config.LibvirtConfig, logger *zap.Logger) collector.Hypervisor {
			return libvirt.NewClient(cfg, logger)
		}
	}
	if opts.Hosts == nil {
		opts.Hosts = hostid.NewResolver()
	}
	a := &app{opts: opts}

	return &cli.Command{
		Name:      name,
		Usage:     "Hypervisor capacity metrics for monitoring schedulers",
		Version:   version,
		Writer:    opts.Stdout,
		ErrWriter: opts.Stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a YAML config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error)",
				Value: config.DefaultLogLevel,
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: fmt.Sprintf("output format (%s)", strings.Join(output.SupportedFormats(), ", ")),
				Value: config.DefaultOutputFormat,
			},
		},
		Commands: []*cli.Command{
			a.kvmCmd(),
		},
	}
}

// HandleError prints err to w and returns the process exit status for it.
func HandleError(err error, w io.Writer) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.msg != "" {
			fmt.Fprintln(w, exitErr.msg)
		}
		return exitErr.status
	}
	fmt.Fprintln(w, err)
	return 1
}
