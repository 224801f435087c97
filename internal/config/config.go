// Package config translates the process flags into the arguments the
// bus consumes: a cluster id, a replica index, and the configuration
// address list.
package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"vrnode/internal/wire"
)

// DefaultPort is used for --replicas entries that omit a port.
const DefaultPort = 3001

type Config struct {
	Cluster      uint32
	ReplicaIndex uint8
	Addresses    []netip.AddrPort
}

// ParseCluster parses a hex cluster id. The wire header tags clusters
// with 32 bits, so anything wider is rejected rather than truncated.
func ParseCluster(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return 0, fmt.Errorf("cluster id required")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("cluster id %q: %w", s, err)
	}
	if v > 1<<32-1 {
		return 0, fmt.Errorf("cluster id %q exceeds 32 bits", s)
	}
	return uint32(v), nil
}

// ParseAddresses parses a comma-separated list of ipv4[:port] entries.
// The port, when present, is parsed from the substring after the colon.
func ParseAddresses(csv string) ([]netip.AddrPort, error) {
	raw := strings.Split(csv, ",")
	if len(raw) == 0 || csv == "" {
		return nil, fmt.Errorf("at least one replica address required")
	}
	if len(raw) > wire.ReplicaMax {
		return nil, fmt.Errorf("%d replicas exceeds maximum of %d",
			len(raw), wire.ReplicaMax)
	}
	out := make([]netip.AddrPort, 0, len(raw))
	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		addrPort, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, addrPort)
	}
	return out, nil
}

func parseEntry(entry string) (netip.AddrPort, error) {
	if entry == "" {
		return netip.AddrPort{}, fmt.Errorf("empty replica address")
	}
	if strings.Contains(entry, ":") {
		ap, err := netip.ParseAddrPort(entry)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("replica address %q: %w", entry, err)
		}
		if !ap.Addr().Is4() {
			return netip.AddrPort{}, fmt.Errorf("replica address %q: ipv4 required", entry)
		}
		return ap, nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("replica address %q: %w", entry, err)
	}
	if !addr.Is4() {
		return netip.AddrPort{}, fmt.Errorf("replica address %q: ipv4 required", entry)
	}
	return netip.AddrPortFrom(addr, DefaultPort), nil
}

// Parse assembles and validates a full Config from the raw flag values.
func Parse(cluster, replicas string, replicaIndex int) (Config, error) {
	var cfg Config
	c, err := ParseCluster(cluster)
	if err != nil {
		return cfg, err
	}
	addrs, err := ParseAddresses(replicas)
	if err != nil {
		return cfg, err
	}
	if replicaIndex < 0 || replicaIndex >= len(addrs) {
		return cfg, fmt.Errorf("replica index %d outside configuration of %d",
			replicaIndex, len(addrs))
	}
	cfg.Cluster = c
	cfg.ReplicaIndex = uint8(replicaIndex)
	cfg.Addresses = addrs
	return cfg, nil
}
