package kprod

import (
	"encoding/binary"
	"hash/crc32"
)

// encodeRecord appends one record to a MessageSet-format buffer: an
// 8-byte offset placeholder, a 4-byte message size, then the message
// itself (crc32, magic byte, attributes, key, value), each length-
// prefixed. This is the "legacy" message format (magic 0) the wire
// protocol versions this module targets (spec §6.4: api_version up to
// "0.9") use; batches are optionally wrapped in a single outer
// compressed message each time a Produce request is built for them (see
// compression.go/builder.go).
//
// The offset field is left as zero: brokers ignore the offsets of
// messages within a produced MessageSet and assign real offsets
// themselves, relative to the batch's base_offset (spec §3).
func encodeRecord(dst []byte, key, value []byte) []byte {
	msg := encodeMessage(0, key, value)

	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], 0) // offset placeholder
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(msg)))

	dst = append(dst, hdr[:]...)
	dst = append(dst, msg...)
	return dst
}

// encodeMessage builds a single Kafka legacy-format Message: crc32 over
// [magic, attributes, key, value], magic byte, attributes byte, then
// length-prefixed key and value (a -1 length prefix means null).
func encodeMessage(attributes int8, key, value []byte) []byte {
	body := make([]byte, 0, 2+4+len(key)+4+len(value))
	body = append(body, 0) // magic
	body = append(body, byte(attributes))
	body = appendBytesField(body, key)
	body = appendBytesField(body, value)

	crc := crc32.ChecksumIEEE(body)
	out := make([]byte, 0, 4+len(body))
	var crcBuf [4]byte
	binary.BigEndian.PutUint32(crcBuf[:], crc)
	out = append(out, crcBuf[:]...)
	out = append(out, body...)
	return out
}

func appendBytesField(dst, b []byte) []byte {
	var lenBuf [4]byte
	if b == nil {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(int32(-1)))
		return append(dst, lenBuf[:]...)
	}
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, b...)
	return dst
}

// wrapCompressed wraps an already-built MessageSet buffer in a single
// outer Message whose value is the compressed inner set and whose
// attributes field carries the codec number, per Kafka's batch
// compression scheme. codec CodecNone is a no-op (returns buf unchanged).
func wrapCompressed(codec Codec, buf []byte) ([]byte, error) {
	if codec == CodecNone {
		return buf, nil
	}
	compressed, err := compress(codec, buf)
	if err != nil {
		return nil, err
	}
	msg := encodeMessage(int8(codec), nil, compressed)

	var hdr [12]byte
	binary.BigEndian.PutUint64(hdr[0:8], 0)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(msg)))

	out := make([]byte, 0, len(hdr)+len(msg))
	out = append(out, hdr[:]...)
	out = append(out, msg...)
	return out, nil
}
