package libvirt

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"go.uber.org/zap"

	"kvm-monitor/internal/config"
)

// ErrCapabilityUnavailable means no libvirt management endpoint exists on
// this host at all, as opposed to a query against a live one failing.
var ErrCapabilityUnavailable = errors.New("libvirt management capability unavailable")

// Session is a read-only view of one hypervisor connection.
type Session interface {
	ActiveDomainIDs() ([]int32, error)
	HostCPUCount() (int64, error)
	DomainMaxVcpus(id int32) (int64, error)
	Close() error
}

// Client opens read-only sessions against the local libvirt daemon through
// its read-only management socket. The daemon forces VIR_CONNECT_RO on every
// connection accepted there.
type Client struct {
	uri         string
	socket      string
	dialTimeout time.Duration
	logger      *zap.Logger
	stat        func(string) (os.FileInfo, error)
}

func NewClient(cfg config.LibvirtConfig, logger *zap.Logger) *Client {
	timeout := cfg.DialTimeout.Duration
	if timeout <= 0 {
		timeout = config.DefaultDialTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !IsReadOnlySocket(cfg.Socket) {
		logger.Warn("libvirt socket is not a read-only endpoint, sessions will be read-write",
			zap.String("socket", cfg.Socket))
	}
	return &Client{
		uri:         cfg.URI,
		socket:      cfg.Socket,
		dialTimeout: timeout,
		logger:      logger,
		stat:        os.Stat,
	}
}

// IsReadOnlySocket reports whether path names one of libvirt's read-only
// management sockets (libvirt-sock-ro, virtqemud-sock-ro, ...). go-libvirt
// opens connections without VIR_CONNECT_RO, so read-only access depends on
// the socket alone.
func IsReadOnlySocket(path string) bool {
	return strings.HasSuffix(filepath.Base(path), "-sock-ro")
}

// Probe reports whether the management socket is present.
func (c *Client) Probe() error {
	if c.socket == "" {
		return fmt.Errorf("%w: no libvirt socket configured", ErrCapabilityUnavailable)
	}
	fi, err := c.stat(c.socket)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCapabilityUnavailable, err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s is not a unix socket", ErrCapabilityUnavailable, c.socket)
	}
	return nil
}

func (c *Client) Open(ctx context.Context) (Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	uri, err := c.connectURI()
	if err != nil {
		return nil, err
	}

	dialer := dialers.NewLocal(dialers.WithSocket(c.socket), dialers.WithLocalTimeout(c.dialTimeout))
	l := golibvirt.NewWithDialer(dialer)
	if err := l.ConnectToURI(uri); err != nil {
		return nil, fmt.Errorf("libvirt connect %s via %s: %w", uri, c.socket, err)
	}
	c.logger.Debug("libvirt session opened", zap.String("uri", string(uri)), zap.String("socket", c.socket))
	return &session{client: l}, nil
}

func (c *Client) connectURI() (golibvirt.ConnectURI, error) {
	raw := c.uri
	if raw == "" {
		return golibvirt.QEMUSystem, nil
	}
	uri, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse libvirt uri %q: %w", raw, err)
	}
	if uri.Scheme == "" {
		return "", fmt.Errorf("libvirt uri %q has no driver scheme", raw)
	}
	return golibvirt.ConnectURI(uri.String()), nil
}
