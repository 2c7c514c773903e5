// File: conn/edid.go
// Package conn
// Author: momentics <momentics@gmail.com>
//
// Built-in EDID for consumers that have no real monitor identity to
// present. The driver only requires a structurally valid block: correct
// header, version, and checksum.

package conn

// SampleEDID returns a 128-byte EDID 1.4 block describing a generic
// digital display. The blob is freshly allocated on every call; callers
// may mutate it.
func SampleEDID() []byte {
	edid := make([]byte, 128)

	// Fixed header.
	copy(edid, []byte{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00})

	// Manufacturer "VDS", product code 1, week/year of manufacture.
	edid[8], edid[9] = 0x59, 0x33
	edid[10] = 0x01
	edid[16] = 1
	edid[17] = 30 // 2020

	// EDID 1.4, digital input, 53x30cm, gamma 2.2.
	edid[18], edid[19] = 1, 4
	edid[20] = 0xA5
	edid[21], edid[22] = 0x35, 0x1E
	edid[23] = 0x78

	// Established timings: none; the driver reports its modes anyway.

	// Checksum: all 128 bytes must sum to zero mod 256.
	var sum byte
	for _, b := range edid[:127] {
		sum += b
	}
	edid[127] = -sum

	return edid
}
