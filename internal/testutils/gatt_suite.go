//go:build test

package testutils

import (
	"context"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/pkg/gatt"
	"github.com/srg/gattlink/pkg/transport"
	"github.com/srg/gattlink/pkg/transport/loopback"
	"github.com/stretchr/testify/suite"
)

const (
	DefaultPeripheralAddress = "aa:bb:cc:dd:ee:ff"
	DefaultCentralAddress    = "11:22:33:44:55:66"
)

// GATTSuite wires a Peripheral and a Central together over a loopback fabric.
//
// Basic usage (default battery service profile):
//
//	type SimpleSuite struct {
//	    testutils.GATTSuite
//	}
//
//	func TestSimpleSuite(t *testing.T) {
//	    suite.Run(t, new(SimpleSuite))
//	}
//
// Custom profile usage:
//
//	func (s *HeartRateSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.GATTSuite.SetupTest() // call parent last to apply configuration
//	}
type GATTSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	ProfileBuilder *ProfileBuilder

	// PeripheralOptions and CentralOptions are applied on top of the suite defaults.
	PeripheralOptions gatt.PeripheralOptions
	CentralOptions    gatt.CentralOptions

	Fabric         *loopback.Fabric
	PeripheralHost *loopback.Host
	CentralHost    *loopback.Host
	Peripheral     *gatt.Peripheral
	Central        *gatt.Central

	// ServiceHandles holds the declaration handle of every profile service, in profile order.
	ServiceHandles []uint16
}

// SetupSuite is called once before all tests in the suite.
func (s *GATTSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

// SetupTest builds a fresh fabric, starts the peripheral and creates the central.
func (s *GATTSuite) SetupTest() {
	if s.ProfileBuilder == nil {
		s.ProfileBuilder = createDefaultProfileBuilder()
	}
	profile := s.ProfileBuilder.Build()

	addr := profile.Address
	if addr == "" {
		addr = DefaultPeripheralAddress
	}

	s.Fabric = loopback.NewFabric(loopback.DefaultOptions(), s.Logger)

	var err error
	s.PeripheralHost, err = s.Fabric.NewHost(addr)
	s.Require().NoError(err)
	s.CentralHost, err = s.Fabric.NewHost(DefaultCentralAddress)
	s.Require().NoError(err)

	popts := s.PeripheralOptions
	popts.Logger = s.Logger
	popts.Advertising = transport.AdvertisingData{
		LocalName: profile.Name,
		Services:  profile.ServiceUUIDs(),
	}
	s.Peripheral = gatt.NewPeripheral(s.PeripheralHost, popts)

	defs, err := profile.Definitions()
	s.Require().NoError(err, "profile MUST convert to service definitions")
	s.ServiceHandles = nil
	for _, def := range defs {
		h, _, err := s.Peripheral.AddService(def)
		s.Require().NoError(err)
		s.ServiceHandles = append(s.ServiceHandles, h)
	}
	s.Require().NoError(s.Peripheral.Start())

	copts := s.CentralOptions
	copts.Logger = s.Logger
	s.Central = gatt.NewCentral(s.CentralHost, copts)

	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest stops both sides and resets the builder.
func (s *GATTSuite) TearDownTest() {
	if s.Central != nil {
		s.Central.DisconnectAll()
	}
	if s.Peripheral != nil {
		s.Peripheral.Stop()
	}
	s.ProfileBuilder = nil
}

// WithPeripheral returns the profile builder for configuration in SetupTest.
func (s *GATTSuite) WithPeripheral() *ProfileBuilder {
	if s.ProfileBuilder == nil {
		s.ProfileBuilder = NewProfileBuilder()
	}
	return s.ProfileBuilder
}

// PeripheralPeer returns the peer identity of the simulated peripheral.
func (s *GATTSuite) PeripheralPeer() gatt.Peer {
	return gatt.PeerOf(s.PeripheralHost.Addr())
}

// ScanPeripheral scans until the peripheral shows up.
func (s *GATTSuite) ScanPeripheral() gatt.ScanResult {
	ctx, cancel := context.WithTimeout(context.Background(), s.TestTimeout)
	defer cancel()

	var found *gatt.ScanResult
	err := s.Central.Scan(true, func() bool { return found == nil && ctx.Err() == nil }, func(r gatt.ScanResult) {
		if r.Peer == s.PeripheralPeer() {
			found = &r
		}
	})
	s.Require().NoError(err)
	s.Require().NotNil(found, "peripheral MUST be discovered by scan")
	return *found
}

// Connect scans for and connects to the peripheral.
func (s *GATTSuite) Connect() *gatt.ClientConnection {
	s.ScanPeripheral()
	s.Require().NoError(s.Central.Connect(s.PeripheralPeer(), s.TestTimeout))

	conn, err := s.Central.Connection(s.PeripheralPeer())
	s.Require().NoError(err)
	return conn
}

// FindCharacteristic discovers services and characteristics and returns the
// characteristic identified by the two UUID strings.
func (s *GATTSuite) FindCharacteristic(serviceUUID, charUUID string) gatt.Characteristic {
	su, cu := ble.MustParse(serviceUUID), ble.MustParse(charUUID)

	services, err := s.Central.DiscoverServices(nil, s.PeripheralPeer(), s.TestTimeout)
	s.Require().NoError(err)
	for _, svc := range services {
		if !svc.UUID.Equal(su) {
			continue
		}
		chars, err := s.Central.DiscoverCharacteristics(nil, svc, s.TestTimeout)
		s.Require().NoError(err)
		for _, c := range chars {
			if c.UUID.Equal(cu) {
				return c
			}
		}
	}
	s.FailNowf("characteristic not found", "%s/%s", serviceUUID, charUUID)
	return gatt.Characteristic{}
}

// createDefaultProfileBuilder returns a profile with the Battery Service (180F)
// whose Battery Level (2A19) reads 50%.
func createDefaultProfileBuilder() *ProfileBuilder {
	return NewProfileBuilder().
		FromJSON(`
		{
			"name": "Battery",
			"services": [
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "properties": "read,notify", "value": [50] }
					]
				}
			]
		}`)
}
