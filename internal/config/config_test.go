package config

import (
	"strings"
	"testing"
)

func TestParseCluster(t *testing.T) {
	cases := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"a1b2c3d4", 0xa1b2c3d4, false},
		{"0xa1b2c3d4", 0xa1b2c3d4, false},
		{"0", 0, false},
		{"ffffffff", 0xffffffff, false},
		{"1ffffffff", 0, true}, // 33 bits
		{"", 0, true},
		{"zz", 0, true},
	}
	for _, tc := range cases {
		got, err := ParseCluster(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseCluster(%q) accepted", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseCluster(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseCluster(%q) = %#x, want %#x", tc.in, got, tc.want)
		}
	}
}

func TestParseAddresses(t *testing.T) {
	addrs, err := ParseAddresses("10.0.0.1:3000, 10.0.0.2,10.0.0.3:5000")
	if err != nil {
		t.Fatalf("ParseAddresses: %v", err)
	}
	if len(addrs) != 3 {
		t.Fatalf("got %d addresses", len(addrs))
	}
	if addrs[0].Port() != 3000 {
		t.Fatalf("explicit port lost: %v", addrs[0])
	}
	// The port comes from the substring after the colon, and entries
	// without one fall back to the default.
	if addrs[1].Port() != DefaultPort {
		t.Fatalf("default port not applied: %v", addrs[1])
	}
	if addrs[2].Port() != 5000 {
		t.Fatalf("port parsed from wrong substring: %v", addrs[2])
	}
	if addrs[2].Addr().String() != "10.0.0.3" {
		t.Fatalf("address parsed wrong: %v", addrs[2])
	}
}

func TestParseAddressesRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"10.0.0.1,,10.0.0.2",
		"[::1]:3000", // ipv6
		"nonsense",
		"10.0.0.1:notaport",
		strings.Repeat("10.0.0.1,", 33) + "10.0.0.1", // over ReplicaMax
	} {
		if _, err := ParseAddresses(in); err == nil {
			t.Fatalf("ParseAddresses(%q) accepted", in)
		}
	}
}

func TestParseFull(t *testing.T) {
	cfg, err := Parse("beef", "127.0.0.1:3001,127.0.0.1:3002", 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Cluster != 0xbeef || cfg.ReplicaIndex != 1 || len(cfg.Addresses) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	if _, err := Parse("beef", "127.0.0.1:3001", 1); err == nil {
		t.Fatalf("index outside configuration accepted")
	}
	if _, err := Parse("beef", "127.0.0.1:3001", -1); err == nil {
		t.Fatalf("negative index accepted")
	}
}
