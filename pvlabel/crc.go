package pvlabel

import "hash/crc32"

// InitialCRC is LVM2's non-standard CRC32 seed: the same IEEE 802.3
// polynomial (0xEDB88320, reflected) as the standard library's hash/crc32,
// but accumulated with this seed instead of the usual 0xFFFFFFFF and with
// no complement at entry or exit.
const InitialCRC uint32 = 0xF597A6CF

// CRC computes LVM2's checksum over data, starting from seed (InitialCRC
// for a fresh checksum, or a previously-accumulated value to extend it).
// This can't delegate to crc32.Update: that function always XORs the
// accumulator with 0xFFFFFFFF on entry and exit (hash/crc32's table-driven
// update assumes the standard reflected-in/reflected-out CRC-32 convention),
// while LVM2's calc_crc() is a raw table walk with no complement at all, so
// the two diverge on identical seed and input.
func CRC(seed uint32, data []byte) uint32 {
	crc := seed
	for _, b := range data {
		crc = (crc >> 8) ^ crc32.IEEETable[byte(crc)^b]
	}
	return crc
}
