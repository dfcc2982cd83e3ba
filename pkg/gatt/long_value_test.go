//go:build test

package gatt_test

import (
	"bytes"
	"testing"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/srg/gattlink/pkg/gatt"
	"github.com/stretchr/testify/suite"
)

// LongValueTestSuite runs with the minimum MTU so long values take several PDUs.
type LongValueTestSuite struct {
	testutils.GATTSuite
}

func (s *LongValueTestSuite) SetupTest() {
	s.CentralOptions = gatt.CentralOptions{MTU: gatt.DefaultMTU}
	s.PeripheralOptions = gatt.PeripheralOptions{MaxPreparedWrites: 8}
	s.WithPeripheral().
		WithService(testService).
		WithCharacteristic(echoChar, "read,write", bytes.Repeat([]byte("0123456789"), 10))

	s.GATTSuite.SetupTest()
}

func (s *LongValueTestSuite) TestLongRead() {
	// GOAL: Verify values longer than one PDU are reassembled with blob reads

	s.Connect()
	mtu, err := s.Central.MaximumTransmissionUnit(s.PeripheralPeer())
	s.Require().NoError(err)
	s.Require().Equal(gatt.DefaultMTU, mtu)

	value, err := s.Central.ReadValue(s.FindCharacteristic(testService, echoChar), s.TestTimeout)
	s.Require().NoError(err)
	s.Assert().Equal(bytes.Repeat([]byte("0123456789"), 10), value)
}

func (s *LongValueTestSuite) TestMaximumPayload() {
	s.Connect()
	echo := s.FindCharacteristic(testService, echoChar)

	want := bytes.Repeat([]byte{0x5A}, gatt.DefaultMTU-3)
	s.Require().NoError(s.Central.WriteValue(want, echo, true, s.TestTimeout))
	got, err := s.Central.ReadValue(echo, s.TestTimeout)
	s.Require().NoError(err)
	s.Assert().Equal(want, got)
}

func (s *LongValueTestSuite) TestLongWrite() {
	// GOAL: Verify a value longer than one request is written in prepared parts
	//
	// TEST SCENARIO: 120 bytes at MTU 23 → 7 prepared parts → executed → read back whole

	s.Connect()
	echo := s.FindCharacteristic(testService, echoChar)

	want := bytes.Repeat([]byte("abcdefghijkl"), 10)
	s.Require().NoError(s.Central.WriteValue(want, echo, true, s.TestTimeout))

	got, err := s.Central.ReadValue(echo, s.TestTimeout)
	s.Require().NoError(err)
	s.Assert().Equal(want, got, "long write MUST store the whole value")
}

func (s *LongValueTestSuite) TestPrepareQueueFull() {
	// GOAL: Verify a value needing more parts than the peer queues fails cleanly
	//
	// TEST SCENARIO: Queue of 8 parts → 200 byte write refused with PrepareQueueFull → value untouched → shorter long write still succeeds

	s.Connect()
	echo := s.FindCharacteristic(testService, echoChar)
	before, err := s.Central.ReadValue(echo, s.TestTimeout)
	s.Require().NoError(err)

	err = s.Central.WriteValue(bytes.Repeat([]byte{0x11}, 200), echo, true, s.TestTimeout)
	s.Require().ErrorIs(err, ble.ErrPrepQueueFull, "queue overflow MUST surface its ATT code")

	after, err := s.Central.ReadValue(echo, s.TestTimeout)
	s.Require().NoError(err)
	s.Assert().Equal(before, after, "refused long write MUST store nothing")

	want := bytes.Repeat([]byte{0x22}, 100)
	s.Require().NoError(s.Central.WriteValue(want, echo, true, s.TestTimeout), "queue MUST be cancelled after a refused part")
	got, err := s.Central.ReadValue(echo, s.TestTimeout)
	s.Require().NoError(err)
	s.Assert().Equal(want, got)
}

func TestLongValueTestSuite(t *testing.T) {
	suite.Run(t, new(LongValueTestSuite))
}
