package libvirt

import (
	"fmt"

	golibvirt "github.com/digitalocean/go-libvirt"
)

type session struct {
	client *golibvirt.Libvirt
}

// ActiveDomainIDs lists the IDs of running domains. Inactive domains have
// no ID and are not part of the result.
func (s *session) ActiveDomainIDs() ([]int32, error) {
	n, err := s.client.ConnectNumOfDomains()
	if err != nil {
		return nil, fmt.Errorf("ConnectNumOfDomains: %w", err)
	}
	if n <= 0 {
		return []int32{}, nil
	}
	ids, err := s.client.ConnectListDomains(n)
	if err != nil {
		return nil, fmt.Errorf("ConnectListDomains: %w", err)
	}
	return ids, nil
}

// HostCPUCount is the total CPU count from the host CPU map.
func (s *session) HostCPUCount() (int64, error) {
	_, _, total, err := s.client.NodeGetCPUMap(0, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("NodeGetCPUMap: %w", err)
	}
	if total < 0 {
		return 0, fmt.Errorf("NodeGetCPUMap: invalid cpu count %d", total)
	}
	return int64(total), nil
}

func (s *session) DomainMaxVcpus(id int32) (int64, error) {
	dom, err := s.client.DomainLookupByID(id)
	if err != nil {
		return 0, fmt.Errorf("DomainLookupByID %d: %w", id, err)
	}
	n, err := s.client.DomainGetMaxVcpus(dom)
	if err != nil {
		return 0, fmt.Errorf("DomainGetMaxVcpus %s: %w", dom.Name, err)
	}
	return int64(n), nil
}

func (s *session) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Disconnect()
	s.client = nil
	return err
}
