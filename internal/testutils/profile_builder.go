package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/srg/gattlink/pkg/config"
	"gopkg.in/yaml.v3"
)

// ProfileBuilder assembles a config.Profile for a simulated peripheral.
type ProfileBuilder struct {
	profile config.Profile
}

// NewProfileBuilder creates an empty builder.
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: config.Profile{
			Services: []config.ServiceConfig{},
		},
	}
}

// WithName sets the advertised local name.
func (b *ProfileBuilder) WithName(name string) *ProfileBuilder {
	b.profile.Name = name
	return b
}

// WithAddress sets the peripheral address.
func (b *ProfileBuilder) WithAddress(addr string) *ProfileBuilder {
	b.profile.Address = addr
	return b
}

// WithService adds a primary service.
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.profile.Services = append(b.profile.Services, config.ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, value []byte) *ProfileBuilder {
	if len(b.profile.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}

	last := &b.profile.Services[len(b.profile.Services)-1]
	last.Characteristics = append(last.Characteristics, config.CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// FromJSON replaces the profile with the given JSON document.
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var p config.Profile
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.profile = p
	return b
}

// Build returns a copy of the assembled profile.
func (b *ProfileBuilder) Build() *config.Profile {
	p := b.profile
	return &p
}

// MustYAML encodes v as YAML, panicking on failure.
func MustYAML(v any) string {
	data, err := yaml.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
