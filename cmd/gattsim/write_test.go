//go:build test

package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/inspector"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/srg/gattlink/pkg/gatt"
	"github.com/stretchr/testify/suite"
)

type WriteTestSuite struct {
	CommandTestSuite

	profile string
}

func (s *WriteTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()

	s.profile = s.WriteProfile(testutils.CreateProfile().
		WithName("Console").
		WithService(vendorService).
		WithCharacteristic("ff02", "read,write", []byte("idle")).
		WithCharacteristic("ff03", "write-without-response", nil).
		WithCharacteristic("ff04", "read", []byte("fixed")))
}

func (s *WriteTestSuite) TestWrite_Text() {
	// GOAL: Verify a write request lands in the peripheral database
	//
	// TEST SCENARIO: Write "busy" to ff02 → peripheral value reported as 62757379

	stdout, _, err := s.ExecuteCommand("write", "-p", s.profile, "ff02", "busy")
	s.Require().NoError(err, "write MUST succeed")
	s.Equal("Wrote 4 bytes to FF02, peripheral value: 62757379\n", stdout)
}

func (s *WriteTestSuite) TestWrite_HexWithoutResponse() {
	// GOAL: Verify write commands are applied before the command reports
	//
	// TEST SCENARIO: Write hex "0x01:02-03" without response → peripheral holds 010203

	stdout, _, err := s.ExecuteCommand("write", "-p", s.profile, "ff03", "0x01:02-03", "--hex", "--without-response")
	s.Require().NoError(err)
	s.Equal("Wrote 3 bytes to FF03, peripheral value: 010203\n", stdout)
}

func (s *WriteTestSuite) TestWrite_ReadOnly() {
	_, _, err := s.ExecuteCommand("write", "-p", s.profile, "ff04", "x")
	s.Require().Error(err)
	s.Contains(err.Error(), "does not support write operations")
}

func (s *WriteTestSuite) TestWrite_InvalidHex() {
	_, _, err := s.ExecuteCommand("write", "-p", s.profile, "ff02", "ZZ", "--hex")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid hex data")
}

func (s *WriteTestSuite) TestParseWriteData() {
	tests := []struct {
		name     string
		input    string
		hex      bool
		expected []byte
	}{
		{"simple hex", "0102", true, []byte{0x01, 0x02}},
		{"hex with spaces", "01 02 03", true, []byte{0x01, 0x02, 0x03}},
		{"hex with colons", "01:02:03", true, []byte{0x01, 0x02, 0x03}},
		{"hex with 0x prefix", "0x01 0X02", true, []byte{0x01, 0x02}},
		{"mixed separators", "0x01:02-03 04", true, []byte{0x01, 0x02, 0x03, 0x04}},
		{"raw keeps nulls", "test\x00data", false, []byte("test\x00data")},
		{"raw UTF-8", "Hello, 世界", false, []byte("Hello, 世界")},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			result, err := parseWriteData(tt.input, tt.hex)
			s.Require().NoError(err, "MUST parse valid data")
			s.Equal(tt.expected, result, "decoded bytes MUST match expected")
		})
	}
}

func (s *WriteTestSuite) TestFormatUserError() {
	tests := []struct {
		err      error
		expected string
	}{
		{&gatt.ProtocolError{Opcode: 0x12, Handle: 3, Code: ble.ErrWriteNotPerm}, "peripheral rejected the request: write not permitted"},
		{fmt.Errorf("failed to read: %w", gatt.ErrTimeout), "peripheral did not answer in time (try a larger --timeout)"},
		{gatt.ErrRequestInFlight, "peripheral did not answer in time (try a larger --timeout)"},
		{&gatt.PeerError{State: gatt.Disconnected, Peer: "c0:ff:ee:00:00:01"}, "connection lost"},
		{ErrConnectionLost, "connection lost"},
		{fmt.Errorf("%w: aa", inspector.ErrPeripheralNotFound), "peripheral not found: aa (check the profile address)"},
		{errors.New("boom"), "boom"},
	}

	for _, tt := range tests {
		s.Run(tt.expected, func() {
			s.Equal(tt.expected, FormatUserError(tt.err))
		})
	}
}

func TestWriteTestSuite(t *testing.T) {
	suite.Run(t, new(WriteTestSuite))
}
