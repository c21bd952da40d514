package decrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"streamrelay/pkg/errdefs"
)

// CENC decrypts a CENC-encrypted (AES-CTR) fMP4 segment. The init segment
// carries the moov with the protected sample descriptions; the media segment
// carries moof/mdat pairs. The output is a clear fMP4 with the protection
// boxes (pssh, senc, saiz, saio, sinf) stripped and offsets fixed up.
func CENC(initSegment, mediaSegment []byte, keys *KeySet) ([]byte, error) {
	if keys == nil || keys.Len() == 0 {
		return nil, fmt.Errorf("%w: no keys available", errdefs.ErrDecryptionFailure)
	}

	combined := make([]byte, 0, len(initSegment)+len(mediaSegment))
	combined = append(combined, initSegment...)
	combined = append(combined, mediaSegment...)

	d := &cencDecryptor{keys: keys}
	return d.decrypt(combined)
}

// cencDecryptor walks the box tree of one segment. State set while visiting
// moof (sample sizes, per-sample IVs and subsample maps, the active track
// key) is consumed when the following mdat is decrypted.
type cencDecryptor struct {
	keys *KeySet

	trackKey      []byte
	sampleSizes   []uint32
	sampleInfo    []sampleCrypto
	strippedBytes int
}

// sampleCrypto is the per-sample auxiliary info parsed from senc.
type sampleCrypto struct {
	iv         []byte
	subsamples []subsample
}

// subsample splits a sample into a clear prefix and an encrypted run.
type subsample struct {
	clear     uint16
	encrypted uint32
}

type box struct {
	kind string
	size int
	body []byte
}

func parseBoxes(data []byte) []box {
	var boxes []box
	pos := 0

	for pos+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[pos:]))
		kind := string(data[pos+4 : pos+8])
		headerLen := 8

		// 64-bit largesize form
		if size == 1 && pos+16 <= len(data) {
			size = int(binary.BigEndian.Uint64(data[pos+8:]))
			headerLen = 16
		}

		if size < 8 || pos+size > len(data) {
			break
		}

		boxes = append(boxes, box{
			kind: kind,
			size: size,
			body: data[pos+headerLen : pos+size],
		})
		pos += size
	}

	return boxes
}

func packBox(kind string, body []byte) []byte {
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(out, uint32(8+len(body)))
	copy(out[4:8], kind)
	copy(out[8:], body)
	return out
}

func (d *cencDecryptor) decrypt(data []byte) ([]byte, error) {
	boxes := parseBoxes(data)
	if len(boxes) == 0 {
		return nil, fmt.Errorf("%w: no MP4 boxes found", errdefs.ErrDecryptionFailure)
	}

	var out bytes.Buffer
	out.Grow(len(data))

	for _, b := range boxes {
		var rewritten []byte
		var err error

		switch b.kind {
		case "moov":
			rewritten = d.rewriteMoov(b)
		case "moof":
			rewritten = d.rewriteMoof(b)
		case "sidx":
			rewritten = d.rewriteSidx(b)
		case "mdat":
			rewritten, err = d.decryptMdat(b)
			if err != nil {
				return nil, err
			}
		default:
			rewritten = packBox(b.kind, b.body)
		}
		out.Write(rewritten)
	}

	return out.Bytes(), nil
}

// rewriteMoov strips pssh boxes and rewrites each trak's protected sample
// description back to its unprotected form.
func (d *cencDecryptor) rewriteMoov(moov box) []byte {
	var body bytes.Buffer
	for _, b := range parseBoxes(moov.body) {
		switch b.kind {
		case "pssh":
			// DRM init data has no place in clear output.
		case "trak":
			body.Write(d.rewriteContainer("trak", b.body, "mdia",
				func(mdia []byte) []byte {
					return d.rewriteContainer("mdia", mdia, "minf",
						func(minf []byte) []byte {
							return d.rewriteContainer("minf", minf, "stbl",
								func(stbl []byte) []byte {
									return d.rewriteContainer("stbl", stbl, "stsd", d.rewriteStsd)
								})
						})
				}))
		default:
			body.Write(packBox(b.kind, b.body))
		}
	}
	return packBox("moov", body.Bytes())
}

// rewriteContainer repacks a container box, transforming the one child kind
// it cares about and copying the rest through.
func (d *cencDecryptor) rewriteContainer(kind string, data []byte, childKind string, transform func([]byte) []byte) []byte {
	var body bytes.Buffer
	for _, b := range parseBoxes(data) {
		if b.kind == childKind {
			body.Write(transform(b.body))
		} else {
			body.Write(packBox(b.kind, b.body))
		}
	}
	return packBox(kind, body.Bytes())
}

// rewriteStsd swaps encv/enca sample entries back to the original codec
// fourcc recorded in sinf/frma and drops the protection scheme boxes.
func (d *cencDecryptor) rewriteStsd(stsd []byte) []byte {
	if len(stsd) < 8 {
		return packBox("stsd", stsd)
	}

	entryCount := int(binary.BigEndian.Uint32(stsd[4:8]))
	var body bytes.Buffer
	body.Write(stsd[:8])

	entries := parseBoxes(stsd[8:])
	for i := 0; i < entryCount && i < len(entries); i++ {
		body.Write(d.rewriteSampleEntry(entries[i]))
	}

	return packBox("stsd", body.Bytes())
}

func (d *cencDecryptor) rewriteSampleEntry(entry box) []byte {
	// Fixed-size fields before the child boxes vary by entry class.
	var fixed int
	switch entry.kind {
	case "mp4a", "enca":
		fixed = 28
	case "mp4v", "encv", "avc1", "hev1", "hvc1":
		fixed = 78
	default:
		fixed = 16
	}
	if fixed > len(entry.body) {
		fixed = len(entry.body)
	}

	var body bytes.Buffer
	body.Write(entry.body[:fixed])

	originalFormat := ""
	for _, b := range parseBoxes(entry.body[fixed:]) {
		switch b.kind {
		case "sinf":
			originalFormat = frmaFormat(b)
		case "schi", "tenc", "schm":
		default:
			body.Write(packBox(b.kind, b.body))
		}
	}

	kind := entry.kind
	if originalFormat != "" {
		kind = originalFormat
	}
	return packBox(kind, body.Bytes())
}

func frmaFormat(sinf box) string {
	for _, b := range parseBoxes(sinf.body) {
		if b.kind == "frma" && len(b.body) >= 4 {
			return string(b.body[:4])
		}
	}
	return ""
}

// rewriteMoof processes each traf, recording the crypto state for the mdat
// that follows and removing senc/saiz/saio from the output.
func (d *cencDecryptor) rewriteMoof(moof box) []byte {
	var body bytes.Buffer
	for _, b := range parseBoxes(moof.body) {
		if b.kind == "traf" {
			body.Write(d.rewriteTraf(b))
		} else {
			body.Write(packBox(b.kind, b.body))
		}
	}
	return packBox("moof", body.Bytes())
}

func (d *cencDecryptor) rewriteTraf(traf box) []byte {
	children := parseBoxes(traf.body)

	// Dropping the encryption boxes shifts the mdat payload, so trun data
	// offsets and sidx sizes shrink by their total size.
	d.strippedBytes = 0
	for _, b := range children {
		if b.kind == "senc" || b.kind == "saiz" || b.kind == "saio" {
			d.strippedBytes += b.size
		}
	}

	var body bytes.Buffer
	var tfhd box
	sampleCount := 0

	for _, b := range children {
		switch b.kind {
		case "tfhd":
			tfhd = b
			body.Write(packBox(b.kind, b.body))
		case "trun":
			sampleCount = d.parseTrun(b)
			body.Write(d.shiftTrunOffset(b))
		case "senc":
			d.sampleInfo = parseSenc(b, sampleCount)
		case "saiz", "saio":
		default:
			body.Write(packBox(b.kind, b.body))
		}
	}

	if len(tfhd.body) >= 8 {
		trackID := int(binary.BigEndian.Uint32(tfhd.body[4:8]))
		d.trackKey = d.keys.Default(trackID)
	}

	return packBox("traf", body.Bytes())
}

// parseTrun records per-sample sizes and returns the sample count.
func (d *cencDecryptor) parseTrun(trun box) int {
	if len(trun.body) < 8 {
		return 0
	}

	flags := binary.BigEndian.Uint32(trun.body[0:4]) & 0xFFFFFF
	sampleCount := int(binary.BigEndian.Uint32(trun.body[4:8]))

	pos := 8
	if flags&0x000001 != 0 {
		pos += 4 // data offset
	}
	if flags&0x000004 != 0 {
		pos += 4 // first sample flags
	}

	d.sampleSizes = make([]uint32, sampleCount)
	for i := 0; i < sampleCount && pos < len(trun.body); i++ {
		if flags&0x000100 != 0 {
			pos += 4 // duration
		}
		if flags&0x000200 != 0 && pos+4 <= len(trun.body) {
			d.sampleSizes[i] = binary.BigEndian.Uint32(trun.body[pos:])
			pos += 4
		}
		if flags&0x000400 != 0 {
			pos += 4 // flags
		}
		if flags&0x000800 != 0 {
			pos += 4 // composition offset
		}
	}

	return sampleCount
}

func (d *cencDecryptor) shiftTrunOffset(trun box) []byte {
	body := make([]byte, len(trun.body))
	copy(body, trun.body)

	flags := binary.BigEndian.Uint32(body[0:4]) & 0xFFFFFF
	if flags&0x000001 != 0 && len(body) >= 12 {
		offset := int32(binary.BigEndian.Uint32(body[8:12]))
		binary.BigEndian.PutUint32(body[8:12], uint32(offset-int32(d.strippedBytes)))
	}

	return packBox("trun", body)
}

func (d *cencDecryptor) rewriteSidx(sidx box) []byte {
	if len(sidx.body) < 36 {
		return packBox("sidx", sidx.body)
	}

	body := make([]byte, len(sidx.body))
	copy(body, sidx.body)

	ref := binary.BigEndian.Uint32(body[32:36])
	refType := ref >> 31
	refSize := ref&0x7FFFFFFF - uint32(d.strippedBytes)
	binary.BigEndian.PutUint32(body[32:36], refType<<31|refSize)

	return packBox("sidx", body)
}

// parseSenc reads per-sample IVs and optional subsample maps. IVs are 8
// bytes on the wire and zero-padded to the AES block size at use.
func parseSenc(senc box, sampleCount int) []sampleCrypto {
	if len(senc.body) < 4 {
		return nil
	}

	versionFlags := binary.BigEndian.Uint32(senc.body[0:4])
	flags := versionFlags & 0xFFFFFF
	pos := 4

	if versionFlags>>24 == 0 {
		if pos+4 > len(senc.body) {
			return nil
		}
		sampleCount = int(binary.BigEndian.Uint32(senc.body[pos:]))
		pos += 4
	}

	var info []sampleCrypto
	for i := 0; i < sampleCount && pos+8 <= len(senc.body); i++ {
		iv := make([]byte, 8)
		copy(iv, senc.body[pos:pos+8])
		pos += 8

		var subs []subsample
		if flags&0x000002 != 0 && pos+2 <= len(senc.body) {
			n := int(binary.BigEndian.Uint16(senc.body[pos:]))
			pos += 2
			for j := 0; j < n && pos+6 <= len(senc.body); j++ {
				subs = append(subs, subsample{
					clear:     binary.BigEndian.Uint16(senc.body[pos:]),
					encrypted: binary.BigEndian.Uint32(senc.body[pos+2:]),
				})
				pos += 6
			}
		}

		info = append(info, sampleCrypto{iv: iv, subsamples: subs})
	}

	return info
}

func (d *cencDecryptor) decryptMdat(mdat box) ([]byte, error) {
	if d.trackKey == nil || len(d.sampleInfo) == 0 {
		return packBox("mdat", mdat.body), nil
	}

	var out bytes.Buffer
	out.Grow(len(mdat.body))
	pos := 0

	for i, info := range d.sampleInfo {
		if pos >= len(mdat.body) {
			break
		}

		size := len(mdat.body) - pos
		if i < len(d.sampleSizes) && int(d.sampleSizes[i]) > 0 {
			size = int(d.sampleSizes[i])
		}
		if pos+size > len(mdat.body) {
			size = len(mdat.body) - pos
		}

		clear, err := d.decryptSample(mdat.body[pos:pos+size], info)
		if err != nil {
			return nil, err
		}
		out.Write(clear)
		pos += size
	}

	return packBox("mdat", out.Bytes()), nil
}

func (d *cencDecryptor) decryptSample(sample []byte, info sampleCrypto) ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	copy(iv, info.iv)

	block, err := aes.NewCipher(d.trackKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrDecryptionFailure, err)
	}
	stream := cipher.NewCTR(block, iv)

	if len(info.subsamples) == 0 {
		clear := make([]byte, len(sample))
		stream.XORKeyStream(clear, sample)
		return clear, nil
	}

	var out bytes.Buffer
	pos := 0

	for _, sub := range info.subsamples {
		clearEnd := min(pos+int(sub.clear), len(sample))
		out.Write(sample[pos:clearEnd])
		pos = clearEnd

		encEnd := min(pos+int(sub.encrypted), len(sample))
		clear := make([]byte, encEnd-pos)
		stream.XORKeyStream(clear, sample[pos:encEnd])
		out.Write(clear)
		pos = encEnd
	}

	// Trailing bytes past the subsample map stay in the encrypted run.
	if pos < len(sample) {
		clear := make([]byte, len(sample)-pos)
		stream.XORKeyStream(clear, sample[pos:])
		out.Write(clear)
	}

	return out.Bytes(), nil
}
