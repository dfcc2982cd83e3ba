package gatt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/att"
)

// errAttrNotLong is the ATT "Attribute Not Long" code, answered to blob reads of short values.
const errAttrNotLong = ble.ATTError(0x0B)

func isEndOfRange(err error) bool {
	return errors.Is(err, ble.ErrAttrNotFound)
}

func invalidPDU(opcode uint8) error {
	return &ProtocolError{Opcode: opcode, Code: ble.ErrInvalidPDU}
}

// discoverServices walks the whole handle space with Read By Group Type.
func (c *ClientConnection) discoverServices(deadline time.Time) ([]serviceAttribute, error) {
	var found []serviceAttribute

	start := uint16(0x0001)
	for {
		req := make(att.ReadByGroupTypeRequest, 5+len(primaryServiceUUID))
		req.SetAttributeOpcode()
		req.SetStartingHandle(start)
		req.SetEndingHandle(0xFFFF)
		req.SetAttributeGroupType(primaryServiceUUID)

		rsp, err := c.roundTrip(deadline, req)
		if isEndOfRange(err) {
			return found, nil
		}
		if err != nil {
			return nil, err
		}

		r := att.ReadByGroupTypeResponse(rsp)
		if len(rsp) < 2 {
			return nil, invalidPDU(req[0])
		}
		length, data := int(r.Length()), r.AttributeDataList()
		if length != 6 && length != 20 || len(data)%length != 0 || len(data) == 0 {
			return nil, invalidPDU(req[0])
		}

		var endh uint16
		for ; len(data) > 0; data = data[length:] {
			h := binary.LittleEndian.Uint16(data[0:2])
			endh = binary.LittleEndian.Uint16(data[2:4])
			if h < start || endh < h {
				return nil, invalidPDU(req[0])
			}
			found = append(found, serviceAttribute{
				uuid:      ble.UUID(append([]byte(nil), data[4:length]...)),
				handle:    h,
				endHandle: endh,
				primary:   true,
			})
		}

		if endh == 0xFFFF {
			return found, nil
		}
		start = endh + 1
	}
}

// discoverCharacteristics reads the characteristic declarations inside a service range.
func (c *ClientConnection) discoverCharacteristics(deadline time.Time, svc serviceAttribute) ([]characteristicAttribute, error) {
	var found []characteristicAttribute

	start := svc.handle
	for start <= svc.endHandle {
		req := make(att.ReadByTypeRequest, 5+len(characteristicUUID))
		req.SetAttributeOpcode()
		req.SetStartingHandle(start)
		req.SetEndingHandle(svc.endHandle)
		req.SetAttributeType(characteristicUUID)

		rsp, err := c.roundTrip(deadline, req)
		if isEndOfRange(err) {
			break
		}
		if err != nil {
			return nil, err
		}

		r := att.ReadByTypeResponse(rsp)
		if len(rsp) < 2 {
			return nil, invalidPDU(req[0])
		}
		length, data := int(r.Length()), r.AttributeDataList()
		if length != 7 && length != 21 || len(data)%length != 0 || len(data) == 0 {
			return nil, invalidPDU(req[0])
		}

		var last uint16
		for ; len(data) > 0; data = data[length:] {
			h := binary.LittleEndian.Uint16(data[0:2])
			if h < start {
				return nil, invalidPDU(req[0])
			}
			if n := len(found); n > 0 {
				found[n-1].endHandle = h - 1
			}
			found = append(found, characteristicAttribute{
				uuid:        ble.UUID(append([]byte(nil), data[5:length]...)),
				handle:      h,
				properties:  ble.Property(data[2]),
				valueHandle: binary.LittleEndian.Uint16(data[3:5]),
				endHandle:   svc.endHandle,
			})
			last = h
		}

		if last == 0xFFFF {
			break
		}
		start = last + 1
	}
	return found, nil
}

// discoverDescriptors finds the descriptors between a characteristic's value and the next declaration.
func (c *ClientConnection) discoverDescriptors(deadline time.Time, char characteristicAttribute) ([]descriptorAttribute, error) {
	var found []descriptorAttribute
	if char.valueHandle >= char.endHandle {
		return found, nil
	}

	start := char.valueHandle + 1
	for start <= char.endHandle {
		req := make(att.FindInformationRequest, 5)
		req.SetAttributeOpcode()
		req.SetStartingHandle(start)
		req.SetEndingHandle(char.endHandle)

		rsp, err := c.roundTrip(deadline, req)
		if isEndOfRange(err) {
			break
		}
		if err != nil {
			return nil, err
		}

		r := att.FindInformationResponse(rsp)
		if len(rsp) < 2 {
			return nil, invalidPDU(req[0])
		}
		var length int
		switch r.Format() {
		case 0x01:
			length = 2 + 2
		case 0x02:
			length = 2 + 16
		default:
			return nil, invalidPDU(req[0])
		}
		data := r.InformationData()
		if len(data)%length != 0 || len(data) == 0 {
			return nil, invalidPDU(req[0])
		}

		var last uint16
		for ; len(data) > 0; data = data[length:] {
			h := binary.LittleEndian.Uint16(data[0:2])
			if h < start {
				return nil, invalidPDU(req[0])
			}
			found = append(found, descriptorAttribute{
				uuid:   ble.UUID(append([]byte(nil), data[2:length]...)),
				handle: h,
			})
			last = h
		}

		if last == 0xFFFF {
			break
		}
		start = last + 1
	}
	return found, nil
}

// readLong reads a value, continuing with Read Blob while responses come back full.
func (c *ClientConnection) readLong(deadline time.Time, handle uint16) ([]byte, error) {
	req := make(att.ReadRequest, 3)
	req.SetAttributeOpcode()
	req.SetAttributeHandle(handle)

	rsp, err := c.roundTrip(deadline, req)
	if err != nil {
		return nil, err
	}
	value := append([]byte{}, att.ReadResponse(rsp).AttributeValue()...)

	chunk := c.MTU() - 1
	for last := len(value); last == chunk && len(value) < MaxAttributeValueLength; {
		blob := make(att.ReadBlobRequest, 5)
		blob.SetAttributeOpcode()
		blob.SetAttributeHandle(handle)
		blob.SetValueOffset(uint16(len(value)))

		rsp, err := c.roundTrip(deadline, blob)
		if errors.Is(err, errAttrNotLong) || errors.Is(err, ble.ErrInvalidOffset) {
			break
		}
		if err != nil {
			return nil, err
		}
		part := att.ReadBlobResponse(rsp).PartAttributeValue()
		value = append(value, part...)
		last = len(part)
	}
	return value, nil
}

// write sends a Write Request or, without response, a Write Command. Values
// longer than one request are written with Prepare and Execute Write.
func (c *ClientConnection) write(deadline time.Time, handle uint16, value []byte, withResponse bool) error {
	limit := c.MaximumUpdateValueLength()
	switch {
	case len(value) > MaxAttributeValueLength:
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrValueTooLong, len(value), MaxAttributeValueLength)
	case len(value) > limit && !withResponse:
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrValueTooLong, len(value), limit)
	case len(value) > limit:
		return c.writeLong(deadline, handle, value)
	}

	if !withResponse {
		cmd := make(att.WriteCommand, 3+len(value))
		cmd.SetAttributeOpcode()
		cmd.SetAttributeHandle(handle)
		cmd.SetAttributeValue(value)
		return c.command(cmd)
	}

	req := make(att.WriteRequest, 3+len(value))
	req.SetAttributeOpcode()
	req.SetAttributeHandle(handle)
	req.SetAttributeValue(value)

	_, err := c.roundTrip(deadline, req)
	return err
}

// writeLong queues value in MTU-5 byte parts and commits them at once. The
// queue is cancelled when a part comes back altered.
func (c *ClientConnection) writeLong(deadline time.Time, handle uint16, value []byte) error {
	chunk := c.MTU() - 5
	for offset := 0; offset < len(value); offset += chunk {
		part := value[offset:min(offset+chunk, len(value))]

		req := make(att.PrepareWriteRequest, 5+len(part))
		req.SetAttributeOpcode()
		req.SetAttributeHandle(handle)
		req.SetValueOffset(uint16(offset))
		req.SetPartAttributeValue(part)

		rsp, err := c.roundTrip(deadline, req)
		var perr *ProtocolError
		switch {
		case errors.As(err, &perr):
			c.cancelPrepared(deadline)
			return err
		case err != nil:
			return err
		case !bytes.Equal(rsp[1:], req[1:]):
			c.cancelPrepared(deadline)
			return fmt.Errorf("%w: handle 0x%04X offset %d", ErrWriteMismatch, handle, offset)
		}
	}
	return c.executeWrite(deadline, executeCommit)
}

// cancelPrepared drops the peer's queue after a failed part.
func (c *ClientConnection) cancelPrepared(deadline time.Time) {
	if err := c.executeWrite(deadline, executeCancel); err != nil {
		c.logger.WithError(err).Warn("Failed to cancel prepared writes")
	}
}

func (c *ClientConnection) executeWrite(deadline time.Time, flags uint8) error {
	req := make(att.ExecuteWriteRequest, 2)
	req.SetAttributeOpcode()
	req.SetFlags(flags)
	_, err := c.roundTrip(deadline, req)
	return err
}
