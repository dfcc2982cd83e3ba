package inspector

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/pkg/gatt"
)

// DescriptorInfo is one descriptor in a Report.
type DescriptorInfo struct {
	UUID   string `json:"uuid"`
	Handle uint16 `json:"handle"`
	Value  string `json:"value,omitempty"` // hex
	Error  string `json:"error,omitempty"`
}

// CharacteristicInfo is one characteristic in a Report.
type CharacteristicInfo struct {
	UUID        string           `json:"uuid"`
	Handle      uint16           `json:"handle"`
	Properties  []string         `json:"properties"`
	Value       string           `json:"value,omitempty"` // hex
	Error       string           `json:"error,omitempty"`
	Descriptors []DescriptorInfo `json:"descriptors,omitempty"`
}

// ServiceInfo is one service in a Report.
type ServiceInfo struct {
	UUID            string               `json:"uuid"`
	Handle          uint16               `json:"handle"`
	Characteristics []CharacteristicInfo `json:"characteristics"`
}

// Report is the attribute table of a connected peripheral as seen by the central.
type Report struct {
	Address  string        `json:"address"`
	MTU      int           `json:"mtu"`
	Services []ServiceInfo `json:"services"`
}

// ReportOptions controls what Discover reads.
type ReportOptions struct {
	RequestTimeout  time.Duration
	ReadValues      bool
	ReadDescriptors bool
	ReadLimit       int // bytes kept per value, 0 keeps everything
}

var propertyOrder = []struct {
	prop ble.Property
	name string
}{
	{ble.CharBroadcast, "broadcast"},
	{ble.CharRead, "read"},
	{ble.CharWriteNR, "write-without-response"},
	{ble.CharWrite, "write"},
	{ble.CharNotify, "notify"},
	{ble.CharIndicate, "indicate"},
}

// PropertyNames lists the names of the bits set in p.
func PropertyNames(p ble.Property) []string {
	names := []string{}
	for _, e := range propertyOrder {
		if p&e.prop != 0 {
			names = append(names, e.name)
		}
	}
	return names
}

// ShortUUID prints 16-bit UUIDs as 4 hex digits and everything else in full.
func ShortUUID(u ble.UUID) string {
	return strings.ToUpper(u.String())
}

// Discover walks the whole attribute table of conn. Per-value read failures
// are recorded in the report; discovery failures abort.
func Discover(conn *gatt.ClientConnection, opts ReportOptions) (*Report, error) {
	report := &Report{
		Address:  conn.Peer().String(),
		MTU:      conn.MTU(),
		Services: []ServiceInfo{},
	}

	services, err := conn.DiscoverServices(nil, opts.RequestTimeout)
	if err != nil {
		return nil, err
	}

	for _, svc := range services {
		si := ServiceInfo{
			UUID:            ShortUUID(svc.UUID),
			Handle:          svc.Handle,
			Characteristics: []CharacteristicInfo{},
		}

		chars, err := conn.DiscoverCharacteristics(nil, svc, opts.RequestTimeout)
		if err != nil {
			return nil, err
		}
		for _, c := range chars {
			ci, err := describeCharacteristic(conn, c, opts)
			if err != nil {
				return nil, err
			}
			si.Characteristics = append(si.Characteristics, ci)
		}
		report.Services = append(report.Services, si)
	}
	return report, nil
}

func describeCharacteristic(conn *gatt.ClientConnection, c gatt.Characteristic, opts ReportOptions) (CharacteristicInfo, error) {
	ci := CharacteristicInfo{
		UUID:       ShortUUID(c.UUID),
		Handle:     c.Handle,
		Properties: PropertyNames(c.Properties),
	}

	if opts.ReadValues && c.Properties&ble.CharRead != 0 {
		value, err := conn.ReadValue(c, opts.RequestTimeout)
		if err := fatal(err); err != nil {
			return ci, err
		}
		ci.Value, ci.Error = render(value, err, opts.ReadLimit)
	}

	descs, err := conn.DiscoverDescriptors(c, opts.RequestTimeout)
	if err != nil {
		return ci, err
	}
	for _, d := range descs {
		di := DescriptorInfo{UUID: ShortUUID(d.UUID), Handle: d.Handle}
		if opts.ReadDescriptors {
			value, err := conn.ReadDescriptor(d, opts.RequestTimeout)
			if err := fatal(err); err != nil {
				return ci, err
			}
			di.Value, di.Error = render(value, err, opts.ReadLimit)
		}
		ci.Descriptors = append(ci.Descriptors, di)
	}
	return ci, nil
}

// fatal keeps the errors that end the walk: a lost link or a stuck request.
// Attribute errors reported by the peer only annotate the entry.
func fatal(err error) error {
	if err == nil || errors.Is(err, &gatt.ProtocolError{}) {
		return nil
	}
	return err
}

func render(value []byte, err error, limit int) (string, string) {
	if err != nil {
		return "", err.Error()
	}
	if limit > 0 && len(value) > limit {
		value = value[:limit]
	}
	return strings.ToUpper(hex.EncodeToString(value)), ""
}
