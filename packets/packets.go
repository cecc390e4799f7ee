// Package packets implements the radio packet format: a 255-byte frame
// with a packed header followed by typed blocks. All multi-byte fields
// are little-endian with no padding.
package packets

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// MaxPacketSize is the largest a frame can be in bytes.
	MaxPacketSize = 255
	// HeaderLen is the size of the packet header on the wire.
	HeaderLen = 13
	// BlockHeaderLen is the size of a block header on the wire.
	BlockHeaderLen = 2
	// CallSignLen is the fixed width of the call sign field.
	CallSignLen = 9
)

// BlockType identifies the kind of data a block carries.
type BlockType uint8

const (
	BlockAltSea     BlockType = 0x0 // altitude above sea level
	BlockAltLaunch  BlockType = 0x1 // altitude above launch level
	BlockTemp       BlockType = 0x2 // temperature
	BlockPressure   BlockType = 0x3 // pressure
	BlockAccelRel   BlockType = 0x4 // relative linear acceleration
	BlockAngularVel BlockType = 0x5 // angular velocity
	BlockHumidity   BlockType = 0x6 // relative humidity
	BlockLatLong    BlockType = 0x7 // latitude and longitude
	BlockVoltage    BlockType = 0x8 // voltage with a sensor ID
	BlockMagnetic   BlockType = 0x9 // magnetic field
	BlockStatus     BlockType = 0xA // status information
	BlockError      BlockType = 0xB // error information
	// BlockResAbove marks the first unused type value.
	BlockResAbove BlockType = 0xC
)

var blockNames = [BlockResAbove]string{
	BlockAltSea:     "alt_sea",
	BlockAltLaunch:  "alt_launch",
	BlockTemp:       "temp",
	BlockPressure:   "pressure",
	BlockAccelRel:   "accel_rel",
	BlockAngularVel: "angular_vel",
	BlockHumidity:   "humidity",
	BlockLatLong:    "lat_long",
	BlockVoltage:    "voltage",
	BlockMagnetic:   "magnetic",
	BlockStatus:     "status",
	BlockError:      "error",
}

func (t BlockType) String() string {
	if t >= BlockResAbove {
		return fmt.Sprintf("block_0x%x", uint8(t))
	}
	return blockNames[t]
}

// bodyLens holds the wire size of each block body, including the leading
// time offset.
var bodyLens = [BlockResAbove]int{
	BlockAltSea:     6,
	BlockAltLaunch:  6,
	BlockTemp:       6,
	BlockPressure:   6,
	BlockAccelRel:   8,
	BlockAngularVel: 8,
	BlockHumidity:   6,
	BlockLatLong:    10,
	BlockVoltage:    5,
	BlockMagnetic:   8,
	BlockStatus:     3,
	BlockError:      4,
}

// BodyLen returns the size of a block body for the given type, excluding
// the block header. Unknown types report zero.
func BodyLen(t BlockType) int {
	if t >= BlockResAbove {
		return 0
	}
	return bodyLens[t]
}

// CalcTimestamp returns the half-minute timestamp to use for a packet
// created at the given mission time in milliseconds, rounding up once
// past the halfway point.
func CalcTimestamp(missionTimeMS uint32) uint16 {
	ts := uint16(missionTimeMS / 1000 / 30)
	if missionTimeMS-uint32(ts)*30000 > 15000 {
		ts++
	}
	return ts
}

// CalcOffset converts a mission time to an offset in milliseconds from
// the given half-minute timestamp. It reports false when the offset does
// not fit in 16 bits.
func CalcOffset(missionTimeMS uint32, timestamp uint16) (int16, bool) {
	offset := int64(missionTimeMS) - int64(timestamp)*30000
	if offset > math.MaxInt16 || offset < math.MinInt16 {
		return 0, false
	}
	return int16(offset), true
}

// hasOffset reports whether a block type carries a time offset. Every
// defined type does right now.
func hasOffset(t BlockType) bool { return true }

// InitPacket writes a packet header into frame and returns the offset of
// the first block. The packet number is left for the sink to stamp.
func InitPacket(frame []byte, callSign string, packetNum uint8, missionTimeMS uint32) int {
	for i := 0; i < CallSignLen; i++ {
		if i < len(callSign) {
			frame[i] = callSign[i]
		} else {
			frame[i] = 0
		}
	}
	binary.LittleEndian.PutUint16(frame[9:11], CalcTimestamp(missionTimeMS))
	frame[11] = 0 // block count
	frame[12] = packetNum
	return HeaderLen
}

// SetPacketNum stamps the sequence number on an assembled frame.
func SetPacketNum(frame []byte, num uint8) {
	frame[12] = num
}

// Timestamp returns the half-minute timestamp of an assembled frame.
func Timestamp(frame []byte) uint16 {
	return binary.LittleEndian.Uint16(frame[9:11])
}

// AppendBlock reserves space for one block of the given type at end,
// writing the block header and time offset. It returns the body region
// after the time offset for the caller to fill, and the new end of the
// frame. It reports false when the block does not fit or the mission
// time cannot be expressed as an offset from the packet's timestamp.
func AppendBlock(frame []byte, end int, t BlockType, missionTimeMS uint32) (body []byte, newEnd int, ok bool) {
	if end < HeaderLen {
		return nil, end, false
	}
	blockLen := BlockHeaderLen + BodyLen(t)
	if end+blockLen > MaxPacketSize {
		return nil, end, false
	}
	var offset int16
	if hasOffset(t) {
		offset, ok = CalcOffset(missionTimeMS, Timestamp(frame))
		if !ok {
			return nil, end, false
		}
	}
	frame[end] = byte(t)
	frame[end+1] = 1 // count, fixed at one reading per block for now
	binary.LittleEndian.PutUint16(frame[end+2:end+4], uint16(offset))
	frame[11]++ // block count
	return frame[end+4 : end+blockLen], end + blockLen, true
}

// Body writers. Each fills the region returned by AppendBlock.

// PutAlt writes an altitude body in millimetres.
func PutAlt(body []byte, altitudeMM int32) {
	binary.LittleEndian.PutUint32(body, uint32(altitudeMM))
}

// PutTemp writes a temperature body in millidegrees Celsius.
func PutTemp(body []byte, milliCelsius int32) {
	binary.LittleEndian.PutUint32(body, uint32(milliCelsius))
}

// PutPressure writes a pressure body in Pascals.
func PutPressure(body []byte, pascals uint32) {
	binary.LittleEndian.PutUint32(body, pascals)
}

// PutHumidity writes a humidity body in ten-thousandths of a percent.
func PutHumidity(body []byte, humidity uint32) {
	binary.LittleEndian.PutUint32(body, humidity)
}

// PutAccel writes an acceleration body in cm/s^2 per axis.
func PutAccel(body []byte, x, y, z int16) {
	binary.LittleEndian.PutUint16(body[0:2], uint16(x))
	binary.LittleEndian.PutUint16(body[2:4], uint16(y))
	binary.LittleEndian.PutUint16(body[4:6], uint16(z))
}

// PutAngularVel writes an angular velocity body in tenths of a degree
// per second per axis.
func PutAngularVel(body []byte, x, y, z int16) {
	binary.LittleEndian.PutUint16(body[0:2], uint16(x))
	binary.LittleEndian.PutUint16(body[2:4], uint16(y))
	binary.LittleEndian.PutUint16(body[4:6], uint16(z))
}

// PutMag writes a magnetic field body in tenths of a microtesla per axis.
func PutMag(body []byte, x, y, z int16) {
	binary.LittleEndian.PutUint16(body[0:2], uint16(x))
	binary.LittleEndian.PutUint16(body[2:4], uint16(y))
	binary.LittleEndian.PutUint16(body[4:6], uint16(z))
}

// PutCoord writes a coordinate body in tenths of a microdegree.
func PutCoord(body []byte, lat, lon int32) {
	binary.LittleEndian.PutUint32(body[0:4], uint32(lat))
	binary.LittleEndian.PutUint32(body[4:8], uint32(lon))
}

// PutVoltage writes a voltage body in millivolts with a sensor ID.
func PutVoltage(body []byte, id uint8, millivolts int16) {
	binary.LittleEndian.PutUint16(body[0:2], uint16(millivolts))
	body[2] = id
}

// PutStatus writes a status body.
func PutStatus(body []byte, code uint8) {
	body[0] = code
}

// PutError writes an error body. The originating process must be below
// 32; the top three bits are reserved.
func PutError(body []byte, procID, code uint8) {
	body[0] = procID & 0x1F
	body[1] = code
}
