package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/inspector"
	"github.com/srg/gattlink/pkg/config"
	"github.com/srg/gattlink/pkg/gatt"
	"github.com/srg/gattlink/pkg/transport"
	"github.com/srg/gattlink/pkg/transport/loopback"
)

const centralAddress = "c0:ff:ee:00:00:00"

// simulatedPeripheral is one profile served on the loopback fabric.
type simulatedPeripheral struct {
	profile    *config.Profile
	peer       gatt.Peer
	peripheral *gatt.Peripheral
}

// simulation is an in-memory radio carrying one peripheral per profile and
// the central the commands drive.
type simulation struct {
	cfg         *config.Config
	logger      *logrus.Logger
	fabric      *loopback.Fabric
	peripherals []simulatedPeripheral
	central     *gatt.Central
}

// newSimulationFromFlags loads every --profile and starts the simulation.
func newSimulationFromFlags(cmd *cobra.Command, cfg *config.Config, logger *logrus.Logger) (*simulation, error) {
	paths, _ := cmd.Flags().GetStringArray("profile")
	if len(paths) == 0 {
		return nil, ErrNoProfile
	}

	profiles := make([]*config.Profile, 0, len(paths))
	for _, path := range paths {
		p, err := config.LoadProfile(path)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return newSimulation(cfg, logger, profiles)
}

// newSimulation starts one advertising peripheral per profile. Profiles without
// an address get c0:ff:ee:00:00:01, c0:ff:ee:00:00:02 and so on.
func newSimulation(cfg *config.Config, logger *logrus.Logger, profiles []*config.Profile) (*simulation, error) {
	sim := &simulation{
		cfg:    cfg,
		logger: logger,
		fabric: loopback.NewFabric(loopback.DefaultOptions(), logger),
	}

	for i, profile := range profiles {
		address := profile.Address
		if address == "" {
			address = fmt.Sprintf("c0:ff:ee:00:00:%02x", i+1)
		}
		if err := sim.addPeripheral(address, profile); err != nil {
			sim.Close()
			return nil, err
		}
	}

	host, err := sim.fabric.NewHost(centralAddress)
	if err != nil {
		sim.Close()
		return nil, err
	}
	copts := gatt.DefaultCentralOptions()
	copts.MTU = cfg.MTU
	copts.Logger = logger
	sim.central = gatt.NewCentral(host, copts)
	return sim, nil
}

func (s *simulation) addPeripheral(address string, profile *config.Profile) error {
	host, err := s.fabric.NewHost(address)
	if err != nil {
		return fmt.Errorf("profile %q: %w", profile.Name, err)
	}

	defs, err := profile.Definitions()
	if err != nil {
		return err
	}

	popts := gatt.DefaultPeripheralOptions()
	popts.Logger = s.logger
	popts.Advertising = transport.AdvertisingData{
		LocalName: profile.Name,
		Services:  profile.ServiceUUIDs(),
	}
	p := gatt.NewPeripheral(host, popts)
	p.SetHooks(gatt.Hooks{
		DidWrite: func(conf gatt.WriteConfirmation) {
			s.logger.WithFields(logrus.Fields{
				"peripheral": address,
				"central":    conf.Central,
				"uuid":       conf.UUID.String(),
				"value":      fmt.Sprintf("%X", conf.Value),
			}).Info("Peripheral value written")
		},
	})

	for _, def := range defs {
		if _, _, err := p.AddService(def); err != nil {
			return fmt.Errorf("profile %q: %w", profile.Name, err)
		}
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("profile %q: %w", profile.Name, err)
	}

	s.peripherals = append(s.peripherals, simulatedPeripheral{
		profile:    profile,
		peer:       gatt.PeerOf(host.Addr()),
		peripheral: p,
	})
	return nil
}

// target returns the peripheral at address, or the first one when address is empty.
func (s *simulation) target(address string) (simulatedPeripheral, error) {
	if address == "" {
		return s.peripherals[0], nil
	}
	for _, sp := range s.peripherals {
		if strings.EqualFold(string(sp.peer), address) {
			return sp, nil
		}
	}
	return simulatedPeripheral{}, fmt.Errorf("%w: %s", inspector.ErrPeripheralNotFound, address)
}

func (s *simulation) inspectOptions() *inspector.InspectOptions {
	return &inspector.InspectOptions{
		ScanTimeout:    s.cfg.ScanTimeout,
		ConnectTimeout: s.cfg.ConnectTimeout,
	}
}

// Close disconnects the central and stops every peripheral.
func (s *simulation) Close() {
	if s.central != nil {
		s.central.DisconnectAll()
	}
	for _, sp := range s.peripherals {
		sp.peripheral.Stop()
	}
}

// resolveCharacteristic finds charUUID on conn, optionally restricted to serviceUUID.
func resolveCharacteristic(conn *gatt.ClientConnection, charUUID, serviceUUID string, timeout time.Duration) (gatt.Characteristic, error) {
	cu, err := ble.Parse(charUUID)
	if err != nil {
		return gatt.Characteristic{}, fmt.Errorf("invalid characteristic UUID %q: %w", charUUID, err)
	}
	var filter []ble.UUID
	if serviceUUID != "" {
		su, err := ble.Parse(serviceUUID)
		if err != nil {
			return gatt.Characteristic{}, fmt.Errorf("invalid service UUID %q: %w", serviceUUID, err)
		}
		filter = []ble.UUID{su}
	}

	services, err := conn.DiscoverServices(filter, timeout)
	if err != nil {
		return gatt.Characteristic{}, err
	}

	var found []gatt.Characteristic
	for _, svc := range services {
		chars, err := conn.DiscoverCharacteristics([]ble.UUID{cu}, svc, timeout)
		if err != nil {
			return gatt.Characteristic{}, err
		}
		found = append(found, chars...)
	}

	switch len(found) {
	case 0:
		if serviceUUID != "" {
			return gatt.Characteristic{}, fmt.Errorf("%w: %s in service %s", ErrCharacteristicNotFound, charUUID, serviceUUID)
		}
		return gatt.Characteristic{}, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, charUUID)
	case 1:
		return found[0], nil
	default:
		return gatt.Characteristic{}, fmt.Errorf("%w: %s appears in %d services", ErrAmbiguousUUID, charUUID, len(found))
	}
}
