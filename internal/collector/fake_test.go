package collector

import (
	"context"
	"errors"
	"fmt"

	"kvm-monitor/internal/libvirt"
)

type fakeSession struct {
	ids       []int32
	maxVcpus  map[int32]int64
	totalCPUs int64

	listErr  error
	cpuErr   error
	closeErr error

	closed int
}

func (s *fakeSession) ActiveDomainIDs() ([]int32, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.ids, nil
}

func (s *fakeSession) HostCPUCount() (int64, error) {
	if s.cpuErr != nil {
		return 0, s.cpuErr
	}
	return s.totalCPUs, nil
}

func (s *fakeSession) DomainMaxVcpus(id int32) (int64, error) {
	n, ok := s.maxVcpus[id]
	if !ok {
		return 0, fmt.Errorf("DomainLookupByID %d: Domain not found: no domain with matching id %d", id, id)
	}
	return n, nil
}

func (s *fakeSession) Close() error {
	s.closed++
	return s.closeErr
}

type fakeHypervisor struct {
	session  *fakeSession
	probeErr error
	openErr  error
	// per-round open failures, keyed by 1-based Open call number
	openErrOn map[int]error

	probes int
	opened int
}

func (h *fakeHypervisor) Probe() error {
	h.probes++
	return h.probeErr
}

func (h *fakeHypervisor) Open(context.Context) (libvirt.Session, error) {
	h.opened++
	if err, ok := h.openErrOn[h.opened]; ok {
		return nil, err
	}
	if h.openErr != nil {
		return nil, h.openErr
	}
	return h.session, nil
}

type fakeHosts struct {
	name string
	err  error
}

func (f fakeHosts) FQDN(context.Context) (string, error) { return f.name, f.err }

var errRefused = errors.New("dial unix /var/run/libvirt/libvirt-sock-ro: connect: connection refused")
