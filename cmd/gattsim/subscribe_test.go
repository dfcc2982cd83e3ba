//go:build test

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type SubscribeTestSuite struct {
	CommandTestSuite

	profile string
}

func (s *SubscribeTestSuite) SetupTest() {
	s.CommandTestSuite.SetupTest()

	s.profile = s.WriteProfile(s.BatteryProfile().
		WithService("1809").
		WithCharacteristic("2A1C", "indicate", []byte{0x00, 0xFE}).
		WithCharacteristic("2A21", "read", []byte{10}))
}

func (s *SubscribeTestSuite) TestSubscribe_Notifications() {
	// GOAL: Verify simulated updates reach the central as notifications
	//
	// TEST SCENARIO: Subscribe to 2A19 (50) with --count 3 → three increasing values printed

	stdout, _, err := s.ExecuteCommand("subscribe", "-p", s.profile, "2a19", "--count", "3", "--rate", "20ms", "--hex")
	s.Require().NoError(err, "subscribe MUST succeed")
	s.Equal("33\n34\n35\n", stdout, "values MUST arrive in order")
}

func (s *SubscribeTestSuite) TestSubscribe_Indications() {
	// GOAL: Verify indicate-only characteristics stream too, including byte wrap-around
	//
	// TEST SCENARIO: Subscribe to 2A1C (00FE) → 00FF then 0000

	stdout, _, err := s.ExecuteCommand("subscribe", "-p", s.profile, "2a1c", "--count", "2", "--rate", "20ms", "--hex")
	s.Require().NoError(err)
	s.Equal("00ff\n0000\n", stdout)
}

func (s *SubscribeTestSuite) TestSubscribe_Duration() {
	// GOAL: Verify --duration ends an unbounded stream without an error
	//
	// TEST SCENARIO: --duration 150ms, --rate 20ms, no count → returns cleanly after roughly 150ms with output

	start := time.Now()
	stdout, _, err := s.ExecuteCommand("subscribe", "-p", s.profile, "2a19", "--rate", "20ms", "--duration", "150ms", "--hex")
	s.Require().NoError(err, "duration expiry MUST NOT be an error")
	s.NotEmpty(stdout)
	s.Less(time.Since(start), 2*time.Second)
}

func (s *SubscribeTestSuite) TestSubscribe_Unsupported() {
	_, _, err := s.ExecuteCommand("subscribe", "-p", s.profile, "2a21", "--count", "1")
	s.Require().Error(err)
	s.Contains(err.Error(), "failed to subscribe")
}

func (s *SubscribeTestSuite) TestSubscribe_InvalidRate() {
	_, _, err := s.ExecuteCommand("subscribe", "-p", s.profile, "2a19", "--rate", "0s")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid rate")
}

func (s *SubscribeTestSuite) TestNextValue() {
	s.Equal([]byte{0x01}, nextValue(nil))
	s.Equal([]byte{0x33}, nextValue([]byte{0x32}))
	s.Equal([]byte{0x01, 0x00}, nextValue([]byte{0x01, 0xFF}), "last byte MUST wrap without carry")
}

func TestSubscribeTestSuite(t *testing.T) {
	suite.Run(t, new(SubscribeTestSuite))
}
