package audio

// G.711 mu-law companding for narrowband 8 kHz telephony audio.

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// EncodeMuLawSample compands one 16-bit linear PCM sample to mu-law.
func EncodeMuLawSample(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias
	exp := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> (exp + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// DecodeMuLawSample expands one mu-law byte to 16-bit linear PCM.
func DecodeMuLawSample(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	t := (int32(mant)<<3 + muLawBias) << exp
	t -= muLawBias
	if sign != 0 {
		t = -t
	}
	return int16(t)
}

// MuLawToPCM16 expands a mu-law payload to little-endian 16-bit PCM.
func MuLawToPCM16(in []byte) []byte {
	out := make([]byte, len(in)*2)
	for i, b := range in {
		s := DecodeMuLawSample(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMuLaw compands little-endian 16-bit PCM to mu-law. The input
// length must be even.
func PCM16ToMuLaw(in []byte) []byte {
	out := make([]byte, len(in)/2)
	for i := 0; i < len(out); i++ {
		s := int16(uint16(in[i*2]) | uint16(in[i*2+1])<<8)
		out[i] = EncodeMuLawSample(s)
	}
	return out
}
