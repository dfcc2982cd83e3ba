//go:build test

package main

import (
	"strings"
	"testing"

	"github.com/srg/gattlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ScanTestSuite struct {
	CommandTestSuite

	battery   string
	heartRate string
}

func (s *ScanTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()

	s.battery = s.WriteProfile(s.BatteryProfile())
	s.heartRate = s.WriteProfile(testutils.CreateProfile().
		WithName("Heart Rate").
		WithService("180D").
		WithCharacteristic("2A37", "notify", []byte{0x00, 60}).
		WithService("180A").
		WithCharacteristic("2A29", "read", []byte("ACME")))
}

func (s *ScanTestSuite) TestScan_Table() {
	// GOAL: Verify every profile shows up as an advertising peripheral
	//
	// TEST SCENARIO: Two profiles → scan → table lists both addresses with names and services

	stdout, stderr, err := s.ExecuteCommand("scan", "-p", s.battery, "-p", s.heartRate, "--duration", "200ms")
	s.Require().NoError(err, "scan MUST succeed")

	testutils.NewTextAsserter(s.T()).Assert(stdout, strings.Join([]string{
		"ADDRESS             RSSI  NAME                  SERVICES",
		"c0:ff:ee:00:00:01    -42  Battery               180F",
		"c0:ff:ee:00:00:02    -42  Heart Rate            180D,180A",
	}, "\n"))
	s.Contains(stderr, "Scanning", "progress MUST go to stderr")
}

func (s *ScanTestSuite) TestScan_ServiceFilterJSON() {
	// GOAL: Verify the service filter and JSON output
	//
	// TEST SCENARIO: Filter on 180D with --json → only the heart rate peripheral in the array

	stdout, _, err := s.ExecuteCommand("scan", "-p", s.battery, "-p", s.heartRate, "--duration", "200ms", "--service", "180d", "--json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(stdout, `[
		{
			"address": "c0:ff:ee:00:00:02",
			"name": "Heart Rate",
			"rssi": -42,
			"connectable": true,
			"services": ["180D", "180A"]
		}
	]`)
}

func (s *ScanTestSuite) TestScan_BlockAll() {
	stdout, _, err := s.ExecuteCommand("scan", "-p", s.battery, "--duration", "100ms", "--block", TestPeripheralAddress1)
	s.Require().NoError(err)
	s.Equal("No peripherals found\n", stdout)
}

func (s *ScanTestSuite) TestScan_Errors() {
	tests := []struct {
		name    string
		args    []string
		errText string
	}{
		{"no profile", []string{"scan"}, "no profile given"},
		{"missing profile file", []string{"scan", "-p", "/nonexistent/profile.yaml"}, "failed to read profile"},
		{"invalid service filter", []string{"scan", "-p", "PROFILE", "--service", "zz"}, "invalid service UUID"},
		{"invalid log level", []string{"scan", "-p", "PROFILE", "--log-level", "loud"}, "invalid log level"},
		{"invalid mtu", []string{"scan", "-p", "PROFILE", "--mtu", "10"}, "out of range"},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resetFlags(rootCmd)
			args := make([]string, len(tt.args))
			for i, a := range tt.args {
				if a == "PROFILE" {
					a = s.battery
				}
				args[i] = a
			}

			_, _, err := s.ExecuteCommand(args...)
			s.Require().Error(err, "command MUST fail")
			s.Contains(err.Error(), tt.errText)
		})
	}
}

func TestScanTestSuite(t *testing.T) {
	suite.Run(t, new(ScanTestSuite))
}
