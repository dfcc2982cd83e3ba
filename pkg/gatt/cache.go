package gatt

import (
	"github.com/go-ble/ble"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Raw discovery records. Handle ranges live here only.

type serviceAttribute struct {
	uuid      ble.UUID
	handle    uint16
	endHandle uint16
	primary   bool
}

type characteristicAttribute struct {
	uuid        ble.UUID
	handle      uint16
	valueHandle uint16
	endHandle   uint16
	properties  ble.Property
}

type descriptorAttribute struct {
	uuid   ble.UUID
	handle uint16
}

type serviceEntry struct {
	attribute       serviceAttribute
	characteristics *orderedmap.OrderedMap[uint16, *characteristicEntry]
}

type characteristicEntry struct {
	attribute    characteristicAttribute
	descriptors  *orderedmap.OrderedMap[uint16, descriptorAttribute]
	subscription *subscription
}

// subscription records the configuration descriptor written to enable pushes.
type subscription struct {
	descriptor uint16
	flags      uint16
}

// attributeCache indexes the latest discovery results of one peer:
// service handle → characteristic handle → descriptor handle.
//
// Not safe for concurrent use. A ClientConnection only touches it while
// holding its request lock.
type attributeCache struct {
	services *orderedmap.OrderedMap[uint16, *serviceEntry]
}

func newAttributeCache() *attributeCache {
	return &attributeCache{services: orderedmap.New[uint16, *serviceEntry]()}
}

// replaceServices drops everything and starts over with list.
func (c *attributeCache) replaceServices(list []serviceAttribute) {
	c.services = orderedmap.New[uint16, *serviceEntry]()
	for _, attr := range list {
		c.services.Set(attr.handle, &serviceEntry{
			attribute:       attr,
			characteristics: orderedmap.New[uint16, *characteristicEntry](),
		})
	}
}

// replaceCharacteristics replaces the characteristics of one service.
// Returns false, leaving the cache untouched, if the service is not cached.
func (c *attributeCache) replaceCharacteristics(service uint16, list []characteristicAttribute) bool {
	entry, ok := c.services.Get(service)
	if !ok {
		return false
	}

	chars := orderedmap.New[uint16, *characteristicEntry]()
	for _, attr := range list {
		chars.Set(attr.handle, &characteristicEntry{
			attribute:   attr,
			descriptors: orderedmap.New[uint16, descriptorAttribute](),
		})
	}
	entry.characteristics = chars
	return true
}

// replaceDescriptors replaces the descriptors of the characteristic in every
// service that caches it. Returns how many copies were updated.
func (c *attributeCache) replaceDescriptors(characteristic uint16, list []descriptorAttribute) int {
	updated := 0
	for svc := c.services.Oldest(); svc != nil; svc = svc.Next() {
		char, ok := svc.Value.characteristics.Get(characteristic)
		if !ok {
			continue
		}
		descs := orderedmap.New[uint16, descriptorAttribute]()
		for _, attr := range list {
			descs.Set(attr.handle, attr)
		}
		char.descriptors = descs
		updated++
	}
	return updated
}

func (c *attributeCache) findService(handle uint16) (*serviceEntry, bool) {
	return c.services.Get(handle)
}

func (c *attributeCache) findCharacteristic(handle uint16) (*serviceEntry, *characteristicEntry, bool) {
	for svc := c.services.Oldest(); svc != nil; svc = svc.Next() {
		if char, ok := svc.Value.characteristics.Get(handle); ok {
			return svc.Value, char, true
		}
	}
	return nil, nil, false
}

func (c *attributeCache) findDescriptor(handle uint16) (*serviceEntry, *characteristicEntry, descriptorAttribute, bool) {
	for svc := c.services.Oldest(); svc != nil; svc = svc.Next() {
		for char := svc.Value.characteristics.Oldest(); char != nil; char = char.Next() {
			if desc, ok := char.Value.descriptors.Get(handle); ok {
				return svc.Value, char.Value, desc, true
			}
		}
	}
	return nil, nil, descriptorAttribute{}, false
}

func (c *attributeCache) serviceList() []*serviceEntry {
	list := make([]*serviceEntry, 0, c.services.Len())
	for svc := c.services.Oldest(); svc != nil; svc = svc.Next() {
		list = append(list, svc.Value)
	}
	return list
}

func (e *serviceEntry) characteristicList() []*characteristicEntry {
	list := make([]*characteristicEntry, 0, e.characteristics.Len())
	for char := e.characteristics.Oldest(); char != nil; char = char.Next() {
		list = append(list, char.Value)
	}
	return list
}

func (e *characteristicEntry) descriptorList() []descriptorAttribute {
	list := make([]descriptorAttribute, 0, e.descriptors.Len())
	for desc := e.descriptors.Oldest(); desc != nil; desc = desc.Next() {
		list = append(list, desc.Value)
	}
	return list
}

// configDescriptor returns the cached Client Characteristic Configuration descriptor, if any.
func (e *characteristicEntry) configDescriptor() (descriptorAttribute, bool) {
	for desc := e.descriptors.Oldest(); desc != nil; desc = desc.Next() {
		if desc.Value.uuid.Equal(cccdUUID) {
			return desc.Value, true
		}
	}
	return descriptorAttribute{}, false
}
