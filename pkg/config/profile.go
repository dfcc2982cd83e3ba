package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/pkg/gatt"
	"gopkg.in/yaml.v3"
)

// DescriptorConfig describes one extra descriptor of a characteristic.
type DescriptorConfig struct {
	UUID  string `json:"uuid" yaml:"uuid"`
	Value []byte `json:"value,omitempty" yaml:"value,omitempty"`
}

// CharacteristicConfig describes one characteristic of a profile service.
type CharacteristicConfig struct {
	UUID        string             `json:"uuid" yaml:"uuid"`
	Properties  string             `json:"properties,omitempty" yaml:"properties,omitempty"` // e.g. "read,write,notify"
	Value       []byte             `json:"value,omitempty" yaml:"value,omitempty"`
	Text        string             `json:"text,omitempty" yaml:"text,omitempty"` // alternative to Value
	Descriptors []DescriptorConfig `json:"descriptors,omitempty" yaml:"descriptors,omitempty"`
}

// ServiceConfig describes one service of a profile.
type ServiceConfig struct {
	UUID            string                 `json:"uuid" yaml:"uuid"`
	Secondary       bool                   `json:"secondary,omitempty" yaml:"secondary,omitempty"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty" yaml:"characteristics,omitempty"`
}

// Profile is the attribute table and advertisement of a simulated peripheral.
type Profile struct {
	Name     string          `json:"name,omitempty" yaml:"name,omitempty"`
	Address  string          `json:"address,omitempty" yaml:"address,omitempty"`
	Services []ServiceConfig `json:"services" yaml:"services"`
}

// LoadProfile reads a YAML (or JSON, which is valid YAML) profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a profile document and validates every UUID and property list.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	if _, err := p.Definitions(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Definitions converts the profile into service definitions for gatt.Peripheral.AddService.
func (p *Profile) Definitions() ([]gatt.ServiceDefinition, error) {
	defs := make([]gatt.ServiceDefinition, 0, len(p.Services))
	for _, svc := range p.Services {
		uuid, err := ble.Parse(svc.UUID)
		if err != nil {
			return nil, fmt.Errorf("service %q: invalid UUID: %w", svc.UUID, err)
		}
		def := gatt.ServiceDefinition{UUID: uuid, Primary: !svc.Secondary}

		for _, c := range svc.Characteristics {
			cd, err := c.definition()
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", svc.UUID, err)
			}
			def.Characteristics = append(def.Characteristics, cd)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// ServiceUUIDs returns the parsed UUIDs of every primary service, for advertising.
func (p *Profile) ServiceUUIDs() []ble.UUID {
	var uuids []ble.UUID
	for _, svc := range p.Services {
		if u, err := ble.Parse(svc.UUID); err == nil && !svc.Secondary {
			uuids = append(uuids, u)
		}
	}
	return uuids
}

func (c CharacteristicConfig) definition() (gatt.CharacteristicDefinition, error) {
	uuid, err := ble.Parse(c.UUID)
	if err != nil {
		return gatt.CharacteristicDefinition{}, fmt.Errorf("characteristic %q: invalid UUID: %w", c.UUID, err)
	}
	props, perms, err := ParseProperties(c.Properties)
	if err != nil {
		return gatt.CharacteristicDefinition{}, fmt.Errorf("characteristic %s: %w", c.UUID, err)
	}

	value := c.Value
	if c.Text != "" {
		value = []byte(c.Text)
	}
	def := gatt.CharacteristicDefinition{
		UUID:        uuid,
		Properties:  props,
		Permissions: perms,
		Value:       value,
	}
	for _, d := range c.Descriptors {
		du, err := ble.Parse(d.UUID)
		if err != nil {
			return gatt.CharacteristicDefinition{}, fmt.Errorf("descriptor %q: invalid UUID: %w", d.UUID, err)
		}
		def.Descriptors = append(def.Descriptors, gatt.DescriptorDefinition{
			UUID:        du,
			Permissions: gatt.PermRead,
			Value:       d.Value,
		})
	}
	return def, nil
}

var propertyNames = map[string]ble.Property{
	"broadcast":              ble.CharBroadcast,
	"read":                   ble.CharRead,
	"write-without-response": ble.CharWriteNR,
	"writenr":                ble.CharWriteNR,
	"write":                  ble.CharWrite,
	"notify":                 ble.CharNotify,
	"indicate":               ble.CharIndicate,
}

// ParseProperties turns a comma separated list such as "read,write,notify"
// into characteristic properties and the matching value permissions.
// An empty list means "read,write,notify".
func ParseProperties(s string) (ble.Property, gatt.Permission, error) {
	if strings.TrimSpace(s) == "" {
		s = "read,write,notify"
	}

	var props ble.Property
	for _, name := range strings.Split(s, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		p, ok := propertyNames[name]
		if !ok {
			return 0, 0, fmt.Errorf("unknown property %q", name)
		}
		props |= p
	}

	var perms gatt.Permission
	if props&ble.CharRead != 0 {
		perms |= gatt.PermRead
	}
	if props&(ble.CharWrite|ble.CharWriteNR) != 0 {
		perms |= gatt.PermWrite
	}
	return props, perms, nil
}
