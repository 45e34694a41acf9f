package collector

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"kvm-monitor/internal/hostid"
	"kvm-monitor/internal/libvirt"
	"kvm-monitor/internal/model"
)

const (
	CommandName = "kvm"
	OKMessage   = "kvm is ok"

	fallbackHostName = "localhost"
)

type Hypervisor interface {
	Probe() error
	Open(ctx context.Context) (libvirt.Session, error)
}

type HostResolver interface {
	FQDN(ctx context.Context) (string, error)
}

type KVMCollector struct {
	hv     Hypervisor
	hosts  HostResolver
	logger *zap.Logger

	// set after the first successful Probe; later rounds skip the check
	capable atomic.Bool
}

func NewKVMCollector(hv Hypervisor, hosts HostResolver, logger *zap.Logger) *KVMCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVMCollector{hv: hv, hosts: hosts, logger: logger}
}

// Collect takes one capacity snapshot of the local hypervisor. Query
// failures, including a failure to open the session, are reported inside
// the envelope. The only error returned is libvirt.ErrCapabilityUnavailable
// from the first call, in which case no envelope is produced. Once the
// capability has been seen, a vanished socket (daemon restart) is an
// ordinary collection failure.
func (c *KVMCollector) Collect(ctx context.Context) (model.Envelope, error) {
	if !c.capable.Load() {
		if err := c.hv.Probe(); err != nil {
			return model.Envelope{}, err
		}
		c.capable.Store(true)
	}

	env := model.NewEnvelope(model.MeasurementKVM, map[string]any{
		model.MetaKVMHostID: c.hostID(ctx),
	})

	vars, err := c.query(ctx)
	if err != nil {
		c.logger.Error("kvm collection failed", zap.Error(err))
		return env.Fail(fmt.Sprintf("%s failed -- %v", CommandName, err)), nil
	}
	c.logger.Debug("kvm collection complete",
		zap.Int64(model.VarKVMVMs, vars[model.VarKVMVMs]),
		zap.Int64(model.VarKVMTotalVCPUs, vars[model.VarKVMTotalVCPUs]),
		zap.Int64(model.VarKVMScheduledVCPUs, vars[model.VarKVMScheduledVCPUs]))
	return env.Succeed(vars, OKMessage), nil
}

func (c *KVMCollector) hostID(ctx context.Context) int64 {
	name, err := c.hosts.FQDN(ctx)
	if err != nil {
		c.logger.Warn("fqdn resolution incomplete", zap.String("name", name), zap.Error(err))
	}
	if name == "" {
		name = fallbackHostName
	}
	return hostid.Fingerprint(name)
}

func (c *KVMCollector) query(ctx context.Context) (map[string]int64, error) {
	sess, err := c.hv.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open libvirt session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			c.logger.Warn("libvirt session close failed", zap.Error(err))
		}
	}()

	ids, err := sess.ActiveDomainIDs()
	if err != nil {
		return nil, err
	}
	total, err := sess.HostCPUCount()
	if err != nil {
		return nil, err
	}

	var scheduled int64
	for _, id := range ids {
		n, err := sess.DomainMaxVcpus(id)
		if err != nil {
			return nil, err
		}
		scheduled += n
	}

	return map[string]int64{
		model.VarKVMVMs:            int64(len(ids)),
		model.VarKVMTotalVCPUs:     total,
		model.VarKVMScheduledVCPUs: scheduled,
	}, nil
}
