package gatt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrDatabaseFull is returned when a service does not fit the remaining handle space.
var ErrDatabaseFull = errors.New("attribute handle space exhausted")

// AttributeKind tells what an attribute row declares.
type AttributeKind int

const (
	ServiceDeclaration AttributeKind = iota
	CharacteristicDeclaration
	CharacteristicValue
	DescriptorAttribute
)

func (k AttributeKind) String() string {
	switch k {
	case ServiceDeclaration:
		return "service"
	case CharacteristicDeclaration:
		return "characteristic"
	case CharacteristicValue:
		return "value"
	case DescriptorAttribute:
		return "descriptor"
	default:
		return fmt.Sprintf("AttributeKind(%d)", int(k))
	}
}

// Attribute is a copy of one database row.
type Attribute struct {
	Handle      uint16
	EndHandle   uint16 // last handle of the group for service declarations, Handle otherwise
	Kind        AttributeKind
	Type        ble.UUID
	Value       []byte
	Permissions Permission
	Properties  ble.Property // of the owning characteristic, for values and descriptors

	Service        uint16 // declaration handle of the owning service
	Characteristic uint16 // declaration handle of the owning characteristic, 0 for service rows
	ValueHandle    uint16 // value handle of the owning characteristic, 0 for service rows
}

// Database is a flat, handle-ordered table of local attributes.
//
// Database itself is not synchronized; share it through a LockedDatabase.
type Database struct {
	attrs *orderedmap.OrderedMap[uint16, *Attribute]
	next  uint32
}

// NewDatabase returns an empty table. The first service gets handle 0x0001.
func NewDatabase() *Database {
	return &Database{
		attrs: orderedmap.New[uint16, *Attribute](),
		next:  1,
	}
}

// Add appends a service and returns its declaration handle. Handles are
// assigned contiguously and never renumbered.
func (db *Database) Add(def ServiceDefinition) (uint16, error) {
	rows := layoutService(def)
	if db.next+uint32(len(rows))-1 > 0xFFFF {
		return 0, fmt.Errorf("%w: %d attributes needed", ErrDatabaseFull, len(rows))
	}

	base := uint16(db.next)
	end := base + uint16(len(rows)) - 1
	for i, row := range rows {
		row.Handle = base + uint16(i)
		row.EndHandle = row.Handle
		row.Service = base
	}

	// second pass: link rows to their characteristic and fix up declarations
	var decl *Attribute
	for _, row := range rows {
		switch row.Kind {
		case ServiceDeclaration:
			row.EndHandle = end
		case CharacteristicDeclaration:
			decl = row
			valueHandle := row.Handle + 1
			binary.LittleEndian.PutUint16(row.Value[1:3], valueHandle)
			row.Characteristic, row.ValueHandle = row.Handle, valueHandle
		default:
			row.Characteristic, row.ValueHandle = decl.Handle, decl.Handle+1
		}
		db.attrs.Set(row.Handle, row)
	}

	db.next = uint32(end) + 1
	return base, nil
}

// layoutService expands a definition into rows without handles.
func layoutService(def ServiceDefinition) []*Attribute {
	svcType := primaryServiceUUID
	if !def.Primary {
		svcType = secondaryServiceUUID
	}
	rows := []*Attribute{{
		Kind:        ServiceDeclaration,
		Type:        svcType,
		Value:       append([]byte(nil), def.UUID...),
		Permissions: PermRead,
	}}

	for _, c := range def.Characteristics {
		// properties, value handle (filled in by Add), characteristic UUID
		declValue := append([]byte{byte(c.Properties), 0, 0}, c.UUID...)
		rows = append(rows,
			&Attribute{
				Kind:        CharacteristicDeclaration,
				Type:        characteristicUUID,
				Value:       declValue,
				Permissions: PermRead,
				Properties:  c.Properties,
			},
			&Attribute{
				Kind:        CharacteristicValue,
				Type:        c.UUID,
				Value:       append([]byte{}, c.Value...),
				Permissions: c.Permissions,
				Properties:  c.Properties,
			},
		)

		hasCCCD := false
		for _, d := range c.Descriptors {
			if d.UUID.Equal(cccdUUID) {
				hasCCCD = true
			}
			rows = append(rows, &Attribute{
				Kind:        DescriptorAttribute,
				Type:        d.UUID,
				Value:       append([]byte{}, d.Value...),
				Permissions: d.Permissions,
				Properties:  c.Properties,
			})
		}
		if !hasCCCD && c.Properties&(ble.CharNotify|ble.CharIndicate) != 0 {
			rows = append(rows, &Attribute{
				Kind:        DescriptorAttribute,
				Type:        cccdUUID,
				Value:       []byte{0x00, 0x00},
				Permissions: PermRead | PermWrite,
				Properties:  c.Properties,
			})
		}
	}
	return rows
}

// Remove deletes the service declared at handle together with its whole range.
// Returns false if handle is not a service declaration.
func (db *Database) Remove(handle uint16) bool {
	svc, ok := db.attrs.Get(handle)
	if !ok || svc.Kind != ServiceDeclaration {
		return false
	}
	for h := uint32(svc.Handle); h <= uint32(svc.EndHandle); h++ {
		db.attrs.Delete(uint16(h))
	}
	return true
}

// RemoveAll clears the table. Handle assignment starts over.
func (db *Database) RemoveAll() {
	db.attrs = orderedmap.New[uint16, *Attribute]()
	db.next = 1
}

// Lookup returns the handles of every row matching pred, in handle order.
func (db *Database) Lookup(pred func(Attribute) bool) []uint16 {
	var handles []uint16
	for pair := db.attrs.Oldest(); pair != nil; pair = pair.Next() {
		if pred(pair.Value.copy()) {
			handles = append(handles, pair.Key)
		}
	}
	return handles
}

// Attribute returns a copy of the row at handle.
func (db *Database) Attribute(handle uint16) (Attribute, bool) {
	row, ok := db.attrs.Get(handle)
	if !ok {
		return Attribute{}, false
	}
	return row.copy(), true
}

// Read returns a copy of the value at handle.
func (db *Database) Read(handle uint16) ([]byte, bool) {
	row, ok := db.attrs.Get(handle)
	if !ok {
		return nil, false
	}
	return append([]byte{}, row.Value...), true
}

// Write replaces the value at handle. Declarations cannot be written.
func (db *Database) Write(handle uint16, value []byte) bool {
	row, ok := db.attrs.Get(handle)
	if !ok || row.Kind == ServiceDeclaration || row.Kind == CharacteristicDeclaration {
		return false
	}
	row.Value = append([]byte{}, value...)
	return true
}

// Len returns the number of rows.
func (db *Database) Len() int {
	return db.attrs.Len()
}

// Dump returns a copy of every row in handle order.
func (db *Database) Dump() []Attribute {
	rows := make([]Attribute, 0, db.attrs.Len())
	for pair := db.attrs.Oldest(); pair != nil; pair = pair.Next() {
		rows = append(rows, pair.Value.copy())
	}
	return rows
}

// CharacteristicValueHandles returns the value handles of a service's characteristics.
func (db *Database) CharacteristicValueHandles(service uint16) []uint16 {
	return db.Lookup(func(a Attribute) bool {
		return a.Service == service && a.Kind == CharacteristicValue
	})
}

// inRange walks rows with start <= handle <= end until fn returns false.
func (db *Database) inRange(start, end uint16, fn func(*Attribute) bool) {
	for pair := db.attrs.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key < start {
			continue
		}
		if pair.Key > end || !fn(pair.Value) {
			return
		}
	}
}

func (a *Attribute) copy() Attribute {
	c := *a
	c.Value = append([]byte{}, a.Value...)
	return c
}

// ----------------------------
// Serialization point
// ----------------------------

// DatabaseAccess funnels every access to a shared Database.
type DatabaseAccess interface {
	ReadDatabase(fn func(db *Database))
	WriteDatabase(fn func(db *Database))
}

// LockedDatabase guards one Database with a single RWMutex.
type LockedDatabase struct {
	mu sync.RWMutex
	db *Database
}

// NewLockedDatabase wraps an empty Database.
func NewLockedDatabase() *LockedDatabase {
	return &LockedDatabase{db: NewDatabase()}
}

// ReadDatabase runs fn with shared access. fn must not mutate db or keep it.
func (l *LockedDatabase) ReadDatabase(fn func(db *Database)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(l.db)
}

// WriteDatabase runs fn with exclusive access. fn must not keep db.
func (l *LockedDatabase) WriteDatabase(fn func(db *Database)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l.db)
}
