// Package profile loads the board manifest naming the virtio devices a
// firmware build should drive: where each register window lives, which
// interrupt line it uses and how its queues are sized.
package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DeviceType names a driver in this module.
type DeviceType string

const (
	DeviceBlock   DeviceType = "block"
	DeviceNetwork DeviceType = "network"
)

// Device describes one virtio device binding.
type Device struct {
	Name     string     `yaml:"name"`
	Type     DeviceType `yaml:"type"`
	MMIOBase uint64     `yaml:"mmio_base"`
	MMIOSize uint64     `yaml:"mmio_size"`
	IRQ      uint32     `yaml:"irq"`

	// QueueSize caps the ring size; zero accepts the device maximum. A
	// cap above the device maximum is clamped to it.
	QueueSize uint16 `yaml:"queue_size"`

	// BufferSize states a network device's expected frame capacity.
	// The drivers carry a fixed per-frame capacity; a manifest asking
	// for more is rejected at open.
	BufferSize uint32 `yaml:"buffer_size"`
}

// Manifest is the full board description.
type Manifest struct {
	Devices []Device `yaml:"devices"`
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile: %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest document.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("profile: parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the manifest for obvious misconfiguration. Overlapping
// register windows are the board's problem, not checked here.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Devices))
	for i, d := range m.Devices {
		if d.Name == "" {
			return fmt.Errorf("profile: device %d has no name", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("profile: duplicate device name %q", d.Name)
		}
		seen[d.Name] = true
		switch d.Type {
		case DeviceBlock, DeviceNetwork:
		default:
			return fmt.Errorf("profile: device %q has unknown type %q", d.Name, d.Type)
		}
		if d.MMIOBase == 0 {
			return fmt.Errorf("profile: device %q has no register window", d.Name)
		}
		if d.QueueSize != 0 && d.QueueSize&(d.QueueSize-1) != 0 {
			return fmt.Errorf("profile: device %q queue size %d is not a power of two", d.Name, d.QueueSize)
		}
		if d.BufferSize != 0 && d.Type != DeviceNetwork {
			return fmt.Errorf("profile: device %q: buffer_size only applies to network devices", d.Name)
		}
	}
	return nil
}
