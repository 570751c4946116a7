package cfb8

import "crypto/cipher"

type cfb8 struct {
	b       cipher.Block
	iv      []byte
	out     []byte
	decrypt bool
}

// NewEncrypter returns a cipher.Stream which encrypts in cipher feedback
// mode with a one-byte segment size. The standard library only provides
// full-block CFB.
func NewEncrypter(block cipher.Block, iv []byte) cipher.Stream {
	return newCFB8(block, iv, false)
}

// NewDecrypter returns a cipher.Stream which decrypts in cipher feedback
// mode with a one-byte segment size.
func NewDecrypter(block cipher.Block, iv []byte) cipher.Stream {
	return newCFB8(block, iv, true)
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) cipher.Stream {
	if len(iv) != block.BlockSize() {
		panic("cfb8: IV length must equal block size")
	}
	c := &cfb8{
		b:       block,
		iv:      make([]byte, len(iv)),
		out:     make([]byte, block.BlockSize()),
		decrypt: decrypt,
	}
	copy(c.iv, iv)
	return c
}

// XORKeyStream implements cipher.Stream. The shift register feeds on the
// ciphertext byte, so encryption and decryption differ only in which side
// of the XOR is fed back.
func (x *cfb8) XORKeyStream(dst, src []byte) {
	for i := 0; i < len(src); i++ {
		x.b.Encrypt(x.out, x.iv)
		c := src[i]
		d := c ^ x.out[0]
		dst[i] = d
		fb := d
		if x.decrypt {
			fb = c
		}
		copy(x.iv, x.iv[1:])
		x.iv[len(x.iv)-1] = fb
	}
}
