//go:build test

package gatt

import (
	"encoding/binary"
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/suite"
)

type DatabaseTestSuite struct {
	suite.Suite
	db *Database
}

func (s *DatabaseTestSuite) SetupTest() {
	s.db = NewDatabase()
}

func heartRateDefinition() ServiceDefinition {
	return ServiceDefinition{
		UUID:    ble.UUID16(0x180D),
		Primary: true,
		Characteristics: []CharacteristicDefinition{
			{UUID: ble.UUID16(0x2A37), Properties: ble.CharNotify, Value: []byte{0, 80}},
			{
				UUID:        ble.UUID16(0x2A38),
				Properties:  ble.CharRead,
				Permissions: PermRead,
				Value:       []byte{1},
				Descriptors: []DescriptorDefinition{{UUID: ble.UUID16(0x2901), Permissions: PermRead, Value: []byte("Chest")}},
			},
		},
	}
}

func (s *DatabaseTestSuite) TestAddLayout() {
	// GOAL: Verify a service occupies a contiguous range laid out declaration, value, descriptors
	//
	// TEST SCENARIO: Add heart rate service → 7 rows → declaration carries value handle → CCCD added for notify

	handle, err := s.db.Add(heartRateDefinition())
	s.Require().NoError(err)
	s.Assert().Equal(uint16(0x0001), handle, "first service MUST start at handle 1")
	s.Require().Equal(7, s.db.Len())

	kinds := []AttributeKind{
		ServiceDeclaration,
		CharacteristicDeclaration, CharacteristicValue, DescriptorAttribute,
		CharacteristicDeclaration, CharacteristicValue, DescriptorAttribute,
	}
	for i, row := range s.db.Dump() {
		s.Assert().Equal(uint16(i+1), row.Handle, "handles MUST be contiguous")
		s.Assert().Equal(kinds[i], row.Kind, "row %d MUST be a %s", i+1, kinds[i])
		s.Assert().Equal(uint16(0x0001), row.Service)
	}

	svc, ok := s.db.Attribute(0x0001)
	s.Require().True(ok)
	s.Assert().Equal(uint16(0x0007), svc.EndHandle, "service MUST span its whole range")

	decl, _ := s.db.Attribute(0x0002)
	s.Assert().Equal(byte(ble.CharNotify), decl.Value[0])
	s.Assert().Equal(uint16(0x0003), binary.LittleEndian.Uint16(decl.Value[1:3]), "declaration MUST point at its value")
	s.Assert().True(ble.UUID(decl.Value[3:]).Equal(ble.UUID16(0x2A37)))

	cccd, _ := s.db.Attribute(0x0004)
	s.Assert().True(cccd.Type.Equal(cccdUUID), "notify characteristic MUST get a CCCD")
	s.Assert().Equal(uint16(0x0003), cccd.ValueHandle)
	s.Assert().Equal(PermRead|PermWrite, cccd.Permissions)

	desc, _ := s.db.Attribute(0x0007)
	s.Assert().True(desc.Type.Equal(ble.UUID16(0x2901)), "read-only characteristic MUST keep only declared descriptors")
	s.Assert().Equal(uint16(0x0005), desc.Characteristic)

	s.Assert().Equal([]uint16{0x0003, 0x0006}, s.db.CharacteristicValueHandles(handle))
}

func (s *DatabaseTestSuite) TestRemove() {
	// GOAL: Verify removal drops the whole range without renumbering and handles stay monotonic

	first, err := s.db.Add(heartRateDefinition())
	s.Require().NoError(err)
	second, err := s.db.Add(ServiceDefinition{UUID: ble.UUID16(0x180F), Primary: true})
	s.Require().NoError(err)
	s.Assert().Equal(uint16(0x0008), second)

	s.Assert().False(s.db.Remove(0x0003), "value handle MUST not remove anything")
	s.Require().True(s.db.Remove(first))

	s.Assert().Empty(s.db.Lookup(func(a Attribute) bool { return a.Type.Equal(ble.UUID16(0x2A37)) }),
		"lookup MUST find nothing of a removed service")
	s.Assert().Equal(1, s.db.Len())

	survivor, ok := s.db.Attribute(second)
	s.Require().True(ok, "surviving service MUST keep its handle")
	s.Assert().Equal(ServiceDeclaration, survivor.Kind)

	third, err := s.db.Add(ServiceDefinition{UUID: ble.UUID16(0x1800), Primary: true})
	s.Require().NoError(err)
	s.Assert().Equal(uint16(0x0009), third, "freed handles MUST not be reused")

	s.db.RemoveAll()
	s.Assert().Zero(s.db.Len())
	again, err := s.db.Add(ServiceDefinition{UUID: ble.UUID16(0x1800), Primary: true})
	s.Require().NoError(err)
	s.Assert().Equal(uint16(0x0001), again, "RemoveAll MUST restart numbering")
}

func (s *DatabaseTestSuite) TestReadWrite() {
	_, err := s.db.Add(heartRateDefinition())
	s.Require().NoError(err)

	s.Require().True(s.db.Write(0x0006, []byte{9}))
	value, ok := s.db.Read(0x0006)
	s.Require().True(ok)
	s.Assert().Equal([]byte{9}, value)

	value[0] = 1
	again, _ := s.db.Read(0x0006)
	s.Assert().Equal([]byte{9}, again, "Read MUST return a copy")

	s.Assert().False(s.db.Write(0x0001, []byte{1}), "service declaration MUST not be writable")
	s.Assert().False(s.db.Write(0x0002, []byte{1}), "characteristic declaration MUST not be writable")
	s.Assert().False(s.db.Write(0x0100, []byte{1}))

	_, ok = s.db.Read(0x0100)
	s.Assert().False(ok)
}

func (s *DatabaseTestSuite) TestFull() {
	big := ServiceDefinition{UUID: ble.UUID16(0x1800), Primary: true}
	for i := 0; i < 0x8000; i++ {
		big.Characteristics = append(big.Characteristics, CharacteristicDefinition{UUID: ble.UUID16(0x2A00)})
	}
	_, err := s.db.Add(big)
	s.Assert().ErrorIs(err, ErrDatabaseFull, "a service past handle 0xFFFF MUST be refused")
	s.Assert().Zero(s.db.Len(), "a refused service MUST leave no rows")
}

func TestDatabaseTestSuite(t *testing.T) {
	suite.Run(t, new(DatabaseTestSuite))
}
