package descrypt

import "crypto/des"

// ExpandKey converts a 7-byte key into the 8-byte DES key layout,
// spreading the 56 key bits over the high 7 bits of each output byte
// and setting the low bit to odd parity.
func ExpandKey(src []byte) []byte {
	res := make([]byte, 8)

	res[0] = src[0] & 0xFE
	res[1] = (src[0]<<7)&0xFF | (src[1]>>1)&0xFE
	res[2] = (src[1]<<6)&0xFF | (src[2]>>2)&0xFE
	res[3] = (src[2]<<5)&0xFF | (src[3]>>3)&0xFE
	res[4] = (src[3]<<4)&0xFF | (src[4]>>4)&0xFE
	res[5] = (src[4]<<3)&0xFF | (src[5]>>5)&0xFE
	res[6] = (src[5]<<2)&0xFF | (src[6]>>6)&0xFE
	res[7] = (src[6] << 1) & 0xFF

	for i := range res {
		if ((res[i]>>7 ^ res[i]>>6 ^ res[i]>>5 ^ res[i]>>4 ^ res[i]>>3 ^ res[i]>>2 ^ res[i]>>1) & 0x01) == 0 {
			res[i] |= 0x01
		}
	}

	return res
}

// Crypt56 encrypts the 8-byte block in with a 7-byte key.
func Crypt56(out, in, key []byte) {
	blk, _ := des.NewCipher(ExpandKey(key[:7]))
	blk.Encrypt(out, in)
}

// Crypt112 chains two 56-bit encryptions keyed with the halves of a
// 14-byte key.
func Crypt112(out, in, key []byte) {
	buf := make([]byte, 8)
	Crypt56(buf, in, key[0:7])
	Crypt56(out, buf, key[7:14])
}

// Crypt128 chains two 56-bit encryptions keyed from a 16-byte key.
// Bytes 7 and 8 of the key are skipped; this matches the session key
// schedule of the 64-bit netlogon credential scheme.
func Crypt128(out, in, key []byte) {
	buf := make([]byte, 8)
	Crypt56(buf, in, key[0:7])
	Crypt56(out, buf, key[9:16])
}
