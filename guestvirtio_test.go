package guestvirtio

import (
	"errors"
	"strings"
	"testing"
)

const testManifest = `
devices:
  - name: disk0
    type: block
    mmio_base: 0x10001000
    mmio_size: 0x200
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	if len(m.Devices) != 1 || m.Devices[0].Name != "disk0" {
		t.Errorf("devices = %+v", m.Devices)
	}

	if _, err := ParseManifest([]byte("devices:\n  - {name: d, type: tape, mmio_base: 1}")); err == nil {
		t.Error("manifest with unknown device type accepted")
	}
}

// deadWindow reads as an empty bus slot: no virtio magic anywhere.
type deadWindow struct{}

func (deadWindow) Read32(off uint64) uint32 { return 0 }
func (deadWindow) Write32(off uint64, v uint32) {}

func TestOpenAllMapperError(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	boom := errors.New("window unavailable")
	_, err = OpenAll(m, func(base, size uint64) (RegisterWindow, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped mapper error", err)
	}
	if !strings.Contains(err.Error(), "disk0") {
		t.Errorf("error %q does not name the failing device", err)
	}
}

func TestOpenAllProbeError(t *testing.T) {
	m, err := ParseManifest([]byte(testManifest))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	_, err = OpenAll(m, func(base, size uint64) (RegisterWindow, error) {
		return deadWindow{}, nil
	})
	if err == nil {
		t.Fatal("empty bus slot accepted")
	}
	if !strings.Contains(err.Error(), "disk0") {
		t.Errorf("error %q does not name the failing device", err)
	}
}

func TestOpenAllRejectsOversizedBuffer(t *testing.T) {
	m, err := ParseManifest([]byte(`
devices:
  - name: eth0
    type: network
    mmio_base: 0x10002000
    mmio_size: 0x200
    buffer_size: 2000
`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}

	mapped := false
	_, err = OpenAll(m, func(base, size uint64) (RegisterWindow, error) {
		mapped = true
		return deadWindow{}, nil
	})
	if err == nil {
		t.Fatal("buffer_size beyond frame capacity accepted")
	}
	if !strings.Contains(err.Error(), "eth0") {
		t.Errorf("error %q does not name the failing device", err)
	}
	if mapped {
		t.Error("window mapped before the manifest was rejected")
	}
}

func TestSystemCloseEmpty(t *testing.T) {
	s := &System{
		Blocks: map[string]*BlockDevice{},
		Nets:   map[string]*NetDevice{},
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
