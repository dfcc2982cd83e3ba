//go:build test

package main

import (
	"bytes"
	"testing"

	"github.com/srg/gattlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	vendorService = "0000ff00-0000-1000-8000-00805f9b34fb"
	vendorBlob    = "0000ff01-0000-1000-8000-00805f9b34fb"
)

// ReadTestSuite provides testify/suite for proper test isolation
type ReadTestSuite struct {
	CommandTestSuite

	profile string
	blob    []byte
}

func (s *ReadTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()

	s.blob = bytes.Repeat([]byte("0123456789"), 30)
	s.profile = s.WriteProfile(s.BatteryProfile().
		WithService(vendorService).
		WithCharacteristic(vendorBlob, "read", s.blob).
		WithCharacteristic("2A19", "read", []byte{99}))
}

func (s *ReadTestSuite) TestRead_Hex() {
	// GOAL: Verify a characteristic is read and printed as hex
	//
	// TEST SCENARIO: Read 2A19 in service 180F with --hex → "32"

	stdout, _, err := s.ExecuteCommand("read", "-p", s.profile, "2a19", "--service", "180f", "--hex")
	s.Require().NoError(err, "read MUST succeed")
	s.Equal("32\n", stdout)
}

func (s *ReadTestSuite) TestRead_RawLongValue() {
	// GOAL: Verify long values are reassembled and written raw
	//
	// TEST SCENARIO: 300-byte value with MTU 23 → stdout holds exactly the 300 bytes

	stdout, _, err := s.ExecuteCommand("read", "-p", s.profile, vendorBlob, "--mtu", "23")
	s.Require().NoError(err)
	s.Equal(string(s.blob), stdout, "long value MUST be read completely")
}

func (s *ReadTestSuite) TestRead_Descriptor() {
	stdout, _, err := s.ExecuteCommand("read", "-p", s.profile, "2a19", "--service", "180f", "--desc", "2902", "--hex")
	s.Require().NoError(err)
	s.Equal("0000\n", stdout, "CCCD MUST read as disabled")
}

func (s *ReadTestSuite) TestRead_ResolutionErrors() {
	tests := []struct {
		name    string
		args    []string
		errText string
		hint    string
	}{
		{
			name:    "ambiguous characteristic",
			args:    []string{"read", "-p", "PROFILE", "2a19"},
			errText: "characteristic UUID is ambiguous",
			hint:    "use --service",
		},
		{
			name:    "characteristic not found",
			args:    []string{"read", "-p", "PROFILE", "2a37"},
			errText: "characteristic not found",
		},
		{
			name:    "not in the given service",
			args:    []string{"read", "-p", "PROFILE", vendorBlob, "--service", "180f"},
			errText: "in service 180f",
		},
		{
			name:    "descriptor not found",
			args:    []string{"read", "-p", "PROFILE", vendorBlob, "--desc", "2901"},
			errText: "descriptor 2901 not found",
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			resetFlags(rootCmd)
			for i, a := range tt.args {
				if a == "PROFILE" {
					tt.args[i] = s.profile
				}
			}

			_, _, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err, "read MUST fail")
			s.Contains(err.Error(), tt.errText)
			if tt.hint != "" {
				s.Contains(FormatUserError(err), tt.hint)
			}
		})
	}
}

func (s *ReadTestSuite) TestRead_PermissionDenied() {
	// GOAL: Verify a peer error is reported in user terms
	//
	// TEST SCENARIO: Notify-only characteristic → read rejected by the peripheral → "read not permitted"

	profile := s.WriteProfile(testutils.CreateProfile().
		WithService("180D").
		WithCharacteristic("2A37", "notify", []byte{0, 60}))

	_, _, err := s.ExecuteCommand("read", "-p", profile, "2a37")
	s.Require().Error(err)
	s.Equal("peripheral rejected the request: read not permitted", FormatUserError(err))
}

func TestReadTestSuite(t *testing.T) {
	suite.Run(t, new(ReadTestSuite))
}
