package zkfleet

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the TCP port the terminals listen on unless configured
// otherwise.
const DefaultPort = 4370

// Registry is the immutable set of devices under management, loaded once at
// startup from the fleet YAML file.
type Registry struct {
	devices map[string]Device
	keys    []string
}

type registryFile struct {
	Devices map[string]registryEntry `yaml:"devices"`
}

type registryEntry struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	IP       string `yaml:"ip"` // accepted as an alias for host
	Port     int    `yaml:"port"`
	Password int    `yaml:"password"`
	Serial   string `yaml:"serial"`
	Model    string `yaml:"model"`
}

// LoadRegistry reads the fleet definition from a YAML file of the form:
//
//	devices:
//	  tmi:
//	    name: TMI Office
//	    host: 10.0.0.15
//	    port: 4370
//	    serial: A8N5210260001
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read fleet config %s", path)
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, errors.Wrapf(err, "parse fleet config %s", path)
	}
	if len(file.Devices) == 0 {
		return nil, errors.Errorf("fleet config %s defines no devices", path)
	}
	devices := make([]Device, 0, len(file.Devices))
	for key, entry := range file.Devices {
		host := entry.Host
		if host == "" {
			host = entry.IP
		}
		devices = append(devices, Device{
			Key:      key,
			Name:     entry.Name,
			Host:     host,
			Port:     entry.Port,
			Password: entry.Password,
			Serial:   entry.Serial,
			Model:    entry.Model,
		})
	}
	reg, err := NewRegistry(devices)
	if err != nil {
		return nil, errors.Wrapf(err, "fleet config %s", path)
	}
	return reg, nil
}

// NewRegistry builds a registry from explicit device entries, applying
// defaults and validating each one.
func NewRegistry(devices []Device) (*Registry, error) {
	reg := &Registry{devices: make(map[string]Device, len(devices))}
	for _, dev := range devices {
		if dev.Key == "" {
			return nil, errors.New("device with empty key")
		}
		if dev.Host == "" {
			return nil, errors.Errorf("device %s: host is required", dev.Key)
		}
		if dev.Port == 0 {
			dev.Port = DefaultPort
		}
		if dev.Port < 1 || dev.Port > 65535 {
			return nil, errors.Errorf("device %s: invalid port %d", dev.Key, dev.Port)
		}
		if dev.Name == "" {
			dev.Name = dev.Key
		}
		if _, dup := reg.devices[dev.Key]; dup {
			return nil, errors.Errorf("duplicate device key %s", dev.Key)
		}
		reg.devices[dev.Key] = dev
		reg.keys = append(reg.keys, dev.Key)
	}
	sort.Strings(reg.keys)
	return reg, nil
}

// Get returns the device for a key.
func (r *Registry) Get(key string) (Device, error) {
	dev, ok := r.devices[key]
	if !ok {
		return Device{}, errors.Wrapf(ErrUnknownDevice, "%q", key)
	}
	return dev, nil
}

// Keys returns all device keys in sorted order.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// List returns all devices sorted by key.
func (r *Registry) List() []Device {
	out := make([]Device, 0, len(r.keys))
	for _, key := range r.keys {
		out = append(out, r.devices[key])
	}
	return out
}

// Len reports the number of devices.
func (r *Registry) Len() int { return len(r.keys) }
