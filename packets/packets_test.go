package packets

import (
	"testing"
)

func TestCalcTimestampRounding(t *testing.T) {
	cases := []struct {
		missionMS uint32
		want      uint16
	}{
		{0, 0},
		{14999, 0},
		{15000, 0},  // exactly halfway stays
		{15001, 1},  // over halfway rolls forward
		{16000, 1},
		{29999, 1},
		{30000, 1},
		{45001, 2},
		{90000, 3},
	}
	for _, c := range cases {
		if got := CalcTimestamp(c.missionMS); got != c.want {
			t.Errorf("CalcTimestamp(%d) = %d, want %d", c.missionMS, got, c.want)
		}
	}
}

func TestCalcOffsetRange(t *testing.T) {
	if off, ok := CalcOffset(30000, 1); !ok || off != 0 {
		t.Fatalf("offset at the time base = (%d, %v), want (0, true)", off, ok)
	}
	if off, ok := CalcOffset(30000+32767, 1); !ok || off != 32767 {
		t.Fatalf("max positive offset = (%d, %v), want (32767, true)", off, ok)
	}
	if _, ok := CalcOffset(30000+32768, 1); ok {
		t.Fatal("offset past i16 range accepted")
	}
	if off, ok := CalcOffset(0, 1); !ok || off != -30000 {
		t.Fatalf("negative offset = (%d, %v), want (-30000, true)", off, ok)
	}
	if _, ok := CalcOffset(0, 2); ok {
		t.Fatal("offset below i16 range accepted")
	}
}

func TestBodyLens(t *testing.T) {
	// Fixed by the wire format; a change here breaks ground stations.
	want := map[BlockType]int{
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
	for typ, size := range want {
		if got := BodyLen(typ); got != size {
			t.Errorf("BodyLen(%s) = %d, want %d", typ, got, size)
		}
	}
	if got := BodyLen(BlockResAbove); got != 0 {
		t.Errorf("BodyLen(reserved) = %d, want 0", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var frame [MaxPacketSize]byte
	const missionMS = 16000 // rounds to timestamp 1

	end := InitPacket(frame[:], "VA3INS", 0, missionMS)
	if end != HeaderLen {
		t.Fatalf("header length = %d, want %d", end, HeaderLen)
	}
	if ts := Timestamp(frame[:]); ts != 1 {
		t.Fatalf("header timestamp = %d, want 1", ts)
	}

	body, end, ok := AppendBlock(frame[:], end, BlockPressure, missionMS)
	if !ok {
		t.Fatal("pressure block rejected")
	}
	PutPressure(body, 101325)

	body, end, ok = AppendBlock(frame[:], end, BlockTemp, missionMS+5)
	if !ok {
		t.Fatal("temperature block rejected")
	}
	PutTemp(body, 21500)

	body, end, ok = AppendBlock(frame[:], end, BlockAccelRel, missionMS+10)
	if !ok {
		t.Fatal("accel block rejected")
	}
	PutAccel(body, 100, -200, 980)

	body, end, ok = AppendBlock(frame[:], end, BlockLatLong, missionMS+15)
	if !ok {
		t.Fatal("coordinate block rejected")
	}
	PutCoord(body, 453500000, -756900000)

	body, end, ok = AppendBlock(frame[:], end, BlockStatus, missionMS+20)
	if !ok {
		t.Fatal("status block rejected")
	}
	PutStatus(body, 0x02)

	SetPacketNum(frame[:end], 7)

	parsed, err := ParseFrame(frame[:end])
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.CallSign != "VA3INS" {
		t.Errorf("call sign = %q, want VA3INS", parsed.CallSign)
	}
	if parsed.Timestamp != 1 {
		t.Errorf("timestamp = %d, want 1", parsed.Timestamp)
	}
	if parsed.PacketNum != 7 {
		t.Errorf("packet num = %d, want 7", parsed.PacketNum)
	}
	if len(parsed.Blocks) != 5 {
		t.Fatalf("block count = %d, want 5", len(parsed.Blocks))
	}

	// Every offset equals mission time minus the expanded timestamp.
	wantOffsets := []int16{
		16000 - 30000,
		16005 - 30000,
		16010 - 30000,
		16015 - 30000,
		16020 - 30000,
	}
	for i, blk := range parsed.Blocks {
		if blk.Count != 1 {
			t.Errorf("block %d count = %d, want 1", i, blk.Count)
		}
		if got := blk.Readings[0].TimeOffset; got != wantOffsets[i] {
			t.Errorf("block %d offset = %d, want %d", i, got, wantOffsets[i])
		}
	}

	if got := parsed.Blocks[0].Readings[0].Data.(PressureData); got.Pascals != 101325 {
		t.Errorf("pressure = %d, want 101325", got.Pascals)
	}
	if got := parsed.Blocks[1].Readings[0].Data.(TempData); got.MilliCelsius != 21500 {
		t.Errorf("temperature = %d, want 21500", got.MilliCelsius)
	}
	if got := parsed.Blocks[2].Readings[0].Data.(AccelData); got.X != 100 || got.Y != -200 || got.Z != 980 {
		t.Errorf("accel = %+v, want {100 -200 980}", got)
	}
	if got := parsed.Blocks[3].Readings[0].Data.(CoordData); got.Lat != 453500000 || got.Lon != -756900000 {
		t.Errorf("coords = %+v", got)
	}
	if got := parsed.Blocks[4].Readings[0].Data.(StatusData); got.Code != 0x02 {
		t.Errorf("status = %#x, want 0x02", got.Code)
	}
}

func TestAppendBlockRejectsFullPacket(t *testing.T) {
	var frame [MaxPacketSize]byte
	end := InitPacket(frame[:], "VA3INS", 0, 0)
	added := 0
	for {
		_, newEnd, ok := AppendBlock(frame[:], end, BlockAccelRel, 0)
		if !ok {
			break
		}
		end = newEnd
		added++
	}
	// 13 byte header plus 10 byte accel blocks.
	if want := (MaxPacketSize - HeaderLen) / (BlockHeaderLen + 8); added != want {
		t.Fatalf("blocks added before overflow = %d, want %d", added, want)
	}
	if end > MaxPacketSize {
		t.Fatalf("frame end %d past max size", end)
	}
	if int(frame[11]) != added {
		t.Fatalf("header block count = %d, want %d", frame[11], added)
	}
}

func TestAppendBlockRejectsFarOffset(t *testing.T) {
	var frame [MaxPacketSize]byte
	end := InitPacket(frame[:], "VA3INS", 0, 0)
	if _, _, ok := AppendBlock(frame[:], end, BlockTemp, 0); !ok {
		t.Fatal("in-range block rejected")
	}
	// A sample 40 s later cannot share this packet's time base.
	if _, _, ok := AppendBlock(frame[:], end, BlockTemp, 40000); ok {
		t.Fatal("out-of-range offset accepted")
	}
}

func TestCallSignPadding(t *testing.T) {
	var frame [MaxPacketSize]byte
	InitPacket(frame[:], "AB1", 0, 0)
	for i := 3; i < CallSignLen; i++ {
		if frame[i] != 0 {
			t.Fatalf("call sign byte %d = %#x, want NUL padding", i, frame[i])
		}
	}
	parsed, err := ParseFrame(frame[:HeaderLen])
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.CallSign != "AB1" {
		t.Fatalf("call sign = %q, want AB1", parsed.CallSign)
	}
}

func TestParseFrameTruncated(t *testing.T) {
	var frame [MaxPacketSize]byte
	end := InitPacket(frame[:], "VA3INS", 0, 0)
	_, end, ok := AppendBlock(frame[:], end, BlockPressure, 0)
	if !ok {
		t.Fatal("block rejected")
	}
	if _, err := ParseFrame(frame[:end-2]); err == nil {
		t.Fatal("truncated frame parsed without error")
	}
	if _, err := ParseFrame(frame[:5]); err == nil {
		t.Fatal("truncated header parsed without error")
	}
}
