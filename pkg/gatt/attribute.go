// Package gatt implements GATT connection management and request/response
// correlation for both roles on top of package transport.
//
// Central side: Central scans, connects and keeps one ClientConnection per
// peer. Each ClientConnection turns the single-request ATT exchange into
// blocking calls with timeouts and caches the discovered attribute table.
//
// Peripheral side: Peripheral advertises, accepts centrals and serves one
// shared Database through a ServerConnection per central.
package gatt

import (
	"strings"

	"github.com/go-ble/ble"
)

var (
	primaryServiceUUID   = ble.UUID16(0x2800)
	secondaryServiceUUID = ble.UUID16(0x2801)
	characteristicUUID   = ble.UUID16(0x2803)
	cccdUUID             = ble.UUID16(0x2902)
)

const (
	cccNotify   = 0x0001
	cccIndicate = 0x0002
)

// Peer identifies a remote device by its link-layer address.
type Peer string

// PeerOf returns the peer identity of addr.
func PeerOf(addr ble.Addr) Peer {
	return Peer(strings.ToLower(addr.String()))
}

// Addr returns the peer address.
func (p Peer) Addr() ble.Addr {
	return ble.NewAddr(string(p))
}

func (p Peer) String() string {
	return string(p)
}

// Service is a discovered service of a peer.
type Service struct {
	Peer    Peer
	Handle  uint16
	UUID    ble.UUID
	Primary bool
}

// Characteristic is a discovered characteristic of a peer. Handle is the declaration handle.
type Characteristic struct {
	Peer       Peer
	Handle     uint16
	UUID       ble.UUID
	Properties ble.Property
}

// Descriptor is a discovered descriptor of a peer.
type Descriptor struct {
	Peer   Peer
	Handle uint16
	UUID   ble.UUID
}

// NotificationHandler receives values pushed by the peer. It runs on the
// connection's receive loop and must not block.
type NotificationHandler func(value []byte)

// ----------------------------
// Server-side definitions
// ----------------------------

// Permission controls client access to an attribute value.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
)

// ServiceDefinition describes a service to expose from a Database.
type ServiceDefinition struct {
	UUID            ble.UUID
	Primary         bool
	Characteristics []CharacteristicDefinition
}

// CharacteristicDefinition describes one characteristic of a ServiceDefinition.
// A Client Characteristic Configuration descriptor is added automatically
// when Properties has notify or indicate and Descriptors does not declare one.
type CharacteristicDefinition struct {
	UUID        ble.UUID
	Properties  ble.Property
	Permissions Permission
	Value       []byte
	Descriptors []DescriptorDefinition
}

// DescriptorDefinition describes one descriptor of a CharacteristicDefinition.
type DescriptorDefinition struct {
	UUID        ble.UUID
	Permissions Permission
	Value       []byte
}

func containsUUID(list []ble.UUID, u ble.UUID) bool {
	for _, v := range list {
		if v.Equal(u) {
			return true
		}
	}
	return false
}
