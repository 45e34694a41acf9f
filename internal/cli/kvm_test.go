package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kvm-monitor/internal/collector"
	"kvm-monitor/internal/config"
	"kvm-monitor/internal/libvirt"
)

type stubSession struct {
	ids     []int32
	vcpus   int64
	cpus    int64
	listErr error
	closed  int
}

func (s *stubSession) ActiveDomainIDs() ([]int32, error) { return s.ids, s.listErr }

func (s *stubSession) HostCPUCount() (int64, error) { return s.cpus, nil }

func (s *stubSession) DomainMaxVcpus(int32) (int64, error) { return s.vcpus, nil }

func (s *stubSession) Close() error {
	s.closed++
	return nil
}

type stubHypervisor struct {
	sess     *stubSession
	probeErr error
	cfg      config.LibvirtConfig
}

func (h *stubHypervisor) Probe() error { return h.probeErr }

func (h *stubHypervisor) Open(context.Context) (libvirt.Session, error) {
	return h.sess, nil
}

type stubHosts struct{}

func (stubHosts) FQDN(context.Context) (string, error) { return "compute01.example.net", nil }

type harness struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
	hv     *stubHypervisor
}

func newHarness(hv *stubHypervisor) *harness {
	return &harness{hv: hv}
}

func (h *harness) run(ctx context.Context, args ...string) error {
	app := New(Options{
		Stdout: &h.stdout,
		Stderr: &h.stderr,
		NewHypervisor: func(cfg config.LibvirtConfig, _ *zap.Logger) collector.Hypervisor {
			h.hv.cfg = cfg
			return h.hv
		},
		Hosts: stubHosts{},
	})
	return app.Run(ctx, append([]string{name}, args...))
}

func TestKVMSuccess(t *testing.T) {
	sess := &stubSession{ids: []int32{1, 2, 3}, vcpus: 2, cpus: 24}
	h := newHarness(&stubHypervisor{sess: sess})

	err := h.run(context.Background(), "--format", "json", "kvm")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &got))
	assert.Equal(t, "kvm", got["measurement_name"])
	assert.Equal(t, float64(0), got["exit_code"])
	assert.Equal(t, "kvm is ok", got["message"])
	vars, ok := got["variables"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), vars["kvm_vms"])
	assert.Equal(t, float64(24), vars["kvm_total_vcpus"])
	assert.Equal(t, float64(6), vars["kvm_scheduled_vcpus"])
	assert.Equal(t, 1, sess.closed)
	assert.Equal(t, 0, HandleError(err, &h.stderr))
}

func TestKVMFailureEnvelopeSetsExitStatus(t *testing.T) {
	sess := &stubSession{listErr: errors.New("ConnectNumOfDomains: connection refused")}
	h := newHarness(&stubHypervisor{sess: sess})

	err := h.run(context.Background(), "kvm")
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Status())

	var got map[string]any
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &got))
	assert.Equal(t, float64(1), got["exit_code"])
	assert.NotContains(t, got, "variables")
	msg, _ := got["message"].(string)
	assert.Contains(t, msg, "kvm")
	assert.Contains(t, msg, "connection refused")
	assert.Equal(t, 1, sess.closed)

	var stderr bytes.Buffer
	assert.Equal(t, 1, HandleError(err, &stderr))
	assert.Empty(t, stderr.String())
}

func TestKVMMissingCapabilityIsFatal(t *testing.T) {
	h := newHarness(&stubHypervisor{
		probeErr: fmt.Errorf("%w: stat /var/run/libvirt/libvirt-sock-ro: no such file or directory", libvirt.ErrCapabilityUnavailable),
	})

	err := h.run(context.Background(), "kvm")
	require.Error(t, err)
	assert.Empty(t, h.stdout.String(), "no envelope may be written")

	var stderr bytes.Buffer
	assert.Equal(t, 1, HandleError(err, &stderr))
	assert.Contains(t, stderr.String(), "requires a running libvirt daemon")
	assert.Contains(t, stderr.String(), "libvirt-sock-ro")
}

func TestKVMFlagsOverrideConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("libvirt:\n  socket: /from/file\noutput:\n  format: yaml\n"), 0o600))

	h := newHarness(&stubHypervisor{sess: &stubSession{cpus: 4}})
	err := h.run(context.Background(),
		"--config", path, "--format", "line",
		"kvm", "--libvirt-socket", "/run/libvirt/libvirt-sock-ro", "--dial-timeout", "2s")
	require.NoError(t, err)

	assert.Equal(t, "/run/libvirt/libvirt-sock-ro", h.hv.cfg.Socket)
	assert.Equal(t, 2*time.Second, h.hv.cfg.DialTimeout.Duration)
	assert.Equal(t, "kvm_scheduled_vcpus 0\nkvm_total_vcpus 4\nkvm_vms 0\n", h.stdout.String())
}

func TestKVMFlagValuesAreCaseInsensitive(t *testing.T) {
	h := newHarness(&stubHypervisor{sess: &stubSession{cpus: 2}})
	err := h.run(context.Background(), "--log-level", "DEBUG", "--format", "JSON", "kvm")
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(h.stdout.Bytes(), &got))
	assert.Equal(t, float64(0), got["exit_code"])
}

func TestKVMRejectsUnknownFormat(t *testing.T) {
	h := newHarness(&stubHypervisor{sess: &stubSession{}})
	err := h.run(context.Background(), "--format", "xml", "kvm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output format")
	assert.Empty(t, h.stdout.String())
}

func TestKVMPollMode(t *testing.T) {
	sess := &stubSession{ids: []int32{1}, vcpus: 4, cpus: 8}
	h := newHarness(&stubHypervisor{sess: sess})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := h.run(ctx, "--format", "telegraf", "kvm", "--interval", "10ms")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(h.stdout.String()), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	for _, l := range lines {
		assert.Regexp(t, `^kvm,kvm_host_id=\d+ kvm_scheduled_vcpus=4i,kvm_total_vcpus=8i,kvm_vms=1i$`, l)
	}
	assert.Equal(t, len(lines), sess.closed)
}

// interruptingWriter signals the current process on its first write, which
// lands during the first polling round.
type interruptingWriter struct {
	bytes.Buffer
	sent bool
}

func (w *interruptingWriter) Write(p []byte) (int, error) {
	n, err := w.Buffer.Write(p)
	if !w.sent {
		w.sent = true
		if kerr := syscall.Kill(os.Getpid(), syscall.SIGINT); kerr != nil {
			return n, kerr
		}
	}
	return n, err
}

func TestKVMPollModeStopsOnSignalDuringFirstRound(t *testing.T) {
	hv := &stubHypervisor{sess: &stubSession{cpus: 2}}
	out := &interruptingWriter{}
	var stderr bytes.Buffer
	app := New(Options{
		Stdout:        out,
		Stderr:        &stderr,
		NewHypervisor: func(config.LibvirtConfig, *zap.Logger) collector.Hypervisor { return hv },
		Hosts:         stubHosts{},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := app.Run(ctx, []string{name, "--format", "line", "kvm", "--interval", "1h"})
	require.NoError(t, err)
	require.NoError(t, ctx.Err(), "polling must stop on the signal, not the deadline")
	assert.True(t, out.sent)
	assert.Equal(t, "kvm_scheduled_vcpus 0\nkvm_total_vcpus 2\nkvm_vms 0\n", out.String())
	assert.Contains(t, stderr.String(), "shutdown signal received")
}

func TestKVMPollModeMissingCapability(t *testing.T) {
	h := newHarness(&stubHypervisor{probeErr: libvirt.ErrCapabilityUnavailable})

	err := h.run(context.Background(), "kvm", "--interval", "1h")
	require.Error(t, err)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Status())
	assert.Empty(t, h.stdout.String())
}

func TestHandleErrorPlain(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, 1, HandleError(errors.New("load config: boom"), &buf))
	assert.Equal(t, "load config: boom\n", buf.String())
	assert.Equal(t, 0, HandleError(nil, &buf))
}

func TestKVMHelp(t *testing.T) {
	h := newHarness(&stubHypervisor{sess: &stubSession{}})
	require.NoError(t, h.run(context.Background(), "kvm", "--help"))
	assert.Contains(t, h.stdout.String(), kvmDoc)
}
