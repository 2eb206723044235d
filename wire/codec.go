package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pierrec/lz4/v3"
	cmnerrors "github.com/sirispace/spaceserver/cmn/errors"
	"github.com/sirispace/spaceserver/core/ids"
)

// compression flags preceding a MigratePayload's mesh/client-data
// blob (SPEC_FULL §6.1 added): distinguishes raw from lz4-framed
// bytes on the wire so both remain readable.
const (
	blobRaw  byte = 0
	blobLZ4  byte = 1
	// lz4CompressMinBytes is the size below which LZ4's frame
	// overhead would dominate a mesh/client-data blob; smaller blobs
	// are always sent raw.
	lz4CompressMinBytes = 256
)

// reader is a bounds-checked cursor over a byte slice. Every Read*
// method returns an error instead of panicking on short input,
// resolving the DESIGN NOTES concern about buffers cast directly to
// typed structs.
type reader struct {
	buf []byte
	off int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return cmnerrors.ProtocolViolation("wire: short read: need %d bytes at offset %d, have %d", n, r.off, len(r.buf))
	}
	return nil
}

func (r *reader) u8() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *reader) f32() (float32, error) {
	v, err := r.u32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *reader) object() (ids.ObjectId, error) {
	var o ids.ObjectId
	b, err := r.bytes(len(o))
	if err != nil {
		return o, err
	}
	copy(o[:], b)
	return o, nil
}

// writer accumulates an encoded message. Every Write* is infallible
// (append never fails); errors only ever occur on decode.
type writer struct{ buf []byte }

func (w *writer) u8(v byte)    { w.buf = append(w.buf, v) }
func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) i64(v int64)     { w.u64(uint64(v)) }
func (w *writer) f32(v float32)   { w.u32(math.Float32bits(v)) }
func (w *writer) object(o ids.ObjectId) { w.bytes(o[:]) }

// EncodeObjectDatagram serializes an ObjectDatagram payload (type tag
// not included; see EncodeFrame).
func EncodeObjectDatagram(m *ObjectDatagram) []byte {
	w := &writer{}
	w.u32(uint32(m.SrcServer))
	w.object(m.SrcObj)
	w.object(m.DstObj)
	w.u16(m.SrcPort)
	w.u16(m.DstPort)
	w.u8(m.Hops)
	w.bytes(m.Bytes)
	return w.buf
}

func DecodeObjectDatagram(payload []byte) (*ObjectDatagram, error) {
	r := newReader(payload)
	m := &ObjectDatagram{}
	var err error
	var srcServer uint32
	if srcServer, err = r.u32(); err != nil {
		return nil, err
	}
	m.SrcServer = ids.ServerId(srcServer)
	if m.SrcObj, err = r.object(); err != nil {
		return nil, err
	}
	if m.DstObj, err = r.object(); err != nil {
		return nil, err
	}
	if m.SrcPort, err = r.u16(); err != nil {
		return nil, err
	}
	if m.DstPort, err = r.u16(); err != nil {
		return nil, err
	}
	if m.Hops, err = r.u8(); err != nil {
		return nil, err
	}
	m.Bytes = append([]byte(nil), r.buf[r.off:]...)
	return m, nil
}

func encodeMotion(w *writer, m Motion) {
	w.i64(m.UpdateTime)
	for _, v := range m.Position {
		w.f32(v)
	}
	for _, v := range m.Velocity {
		w.f32(v)
	}
	for _, v := range m.Acceleration {
		w.f32(v)
	}
}

func decodeMotion(r *reader) (Motion, error) {
	var m Motion
	var err error
	if m.UpdateTime, err = r.i64(); err != nil {
		return m, err
	}
	for i := range m.Position {
		if m.Position[i], err = r.f32(); err != nil {
			return m, err
		}
	}
	for i := range m.Velocity {
		if m.Velocity[i], err = r.f32(); err != nil {
			return m, err
		}
	}
	for i := range m.Acceleration {
		if m.Acceleration[i], err = r.f32(); err != nil {
			return m, err
		}
	}
	return m, nil
}

func encodeOrientation(w *writer, o Orientation) {
	for _, v := range o.Quaternion {
		w.f32(v)
	}
	for _, v := range o.AngularAxis {
		w.f32(v)
	}
	w.f32(o.AngularSpeed)
	w.bytes(o.Reserved[:])
}

func decodeOrientation(r *reader) (Orientation, error) {
	var o Orientation
	var err error
	for i := range o.Quaternion {
		if o.Quaternion[i], err = r.f32(); err != nil {
			return o, err
		}
	}
	for i := range o.AngularAxis {
		if o.AngularAxis[i], err = r.f32(); err != nil {
			return o, err
		}
	}
	if o.AngularSpeed, err = r.f32(); err != nil {
		return o, err
	}
	reserved, err := r.bytes(len(o.Reserved))
	if err != nil {
		return o, err
	}
	copy(o.Reserved[:], reserved)
	return o, nil
}

func encodeBounds(w *writer, b Bounds) {
	for _, v := range b.Center {
		w.f32(v)
	}
	w.f32(b.Radius)
}

func decodeBounds(r *reader) (Bounds, error) {
	var b Bounds
	var err error
	for i := range b.Center {
		if b.Center[i], err = r.f32(); err != nil {
			return b, err
		}
	}
	if b.Radius, err = r.f32(); err != nil {
		return b, err
	}
	return b, nil
}

// compressBlob lz4-frames b when it is large enough to benefit,
// returning the flag byte to write alongside it (SPEC_FULL §6.1).
func compressBlob(b []byte) (byte, []byte) {
	if len(b) < lz4CompressMinBytes {
		return blobRaw, b
	}
	var out bytes.Buffer
	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(b); err != nil {
		return blobRaw, b
	}
	if err := zw.Close(); err != nil {
		return blobRaw, b
	}
	return blobLZ4, out.Bytes()
}

func decompressBlob(flag byte, b []byte) ([]byte, error) {
	switch flag {
	case blobRaw:
		return b, nil
	case blobLZ4:
		zr := lz4.NewReader(bytes.NewReader(b))
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, cmnerrors.ProtocolViolation("wire: lz4 decompress: %v", err)
		}
		return out, nil
	default:
		return nil, cmnerrors.ProtocolViolation("wire: unknown blob compression flag %d", flag)
	}
}

// EncodeMigratePayload serializes a MigratePayload. Mesh bytes and
// each client-data value are independently lz4-framed when large
// enough to benefit (SPEC_FULL §4.3/§6.1).
func EncodeMigratePayload(m *MigratePayload) []byte {
	w := &writer{}
	w.u32(uint32(m.SrcServer))
	w.object(m.Object)
	encodeMotion(w, m.Motion)
	encodeOrientation(w, m.Orientation)
	encodeBounds(w, m.Bounds)

	meshFlag, meshBytes := compressBlob([]byte(m.Mesh))
	w.u8(meshFlag)
	w.u32(uint32(len(meshBytes)))
	w.bytes(meshBytes)

	w.u32(uint32(len(m.ClientData)))
	for _, cd := range m.ClientData {
		keyBytes := []byte(cd.Key)
		w.u32(uint32(len(keyBytes)))
		w.bytes(keyBytes)
		dataFlag, dataBytes := compressBlob(cd.Data)
		w.u8(dataFlag)
		w.u32(uint32(len(dataBytes)))
		w.bytes(dataBytes)
	}
	return w.buf
}

func DecodeMigratePayload(payload []byte) (*MigratePayload, error) {
	r := newReader(payload)
	m := &MigratePayload{}
	var err error
	var srcServer uint32
	if srcServer, err = r.u32(); err != nil {
		return nil, err
	}
	m.SrcServer = ids.ServerId(srcServer)
	if m.Object, err = r.object(); err != nil {
		return nil, err
	}
	if m.Motion, err = decodeMotion(r); err != nil {
		return nil, err
	}
	if m.Orientation, err = decodeOrientation(r); err != nil {
		return nil, err
	}
	if m.Bounds, err = decodeBounds(r); err != nil {
		return nil, err
	}

	meshFlag, err := r.u8()
	if err != nil {
		return nil, err
	}
	meshLen, err := r.u32()
	if err != nil {
		return nil, err
	}
	meshRaw, err := r.bytes(int(meshLen))
	if err != nil {
		return nil, err
	}
	meshBytes, err := decompressBlob(meshFlag, meshRaw)
	if err != nil {
		return nil, err
	}
	m.Mesh = string(meshBytes)

	count, err := r.u32()
	if err != nil {
		return nil, err
	}
	m.ClientData = make([]ClientDataEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		keyLen, err := r.u32()
		if err != nil {
			return nil, err
		}
		keyBytes, err := r.bytes(int(keyLen))
		if err != nil {
			return nil, err
		}
		dataFlag, err := r.u8()
		if err != nil {
			return nil, err
		}
		dataLen, err := r.u32()
		if err != nil {
			return nil, err
		}
		dataRaw, err := r.bytes(int(dataLen))
		if err != nil {
			return nil, err
		}
		data, err := decompressBlob(dataFlag, dataRaw)
		if err != nil {
			return nil, err
		}
		m.ClientData = append(m.ClientData, ClientDataEntry{
			Key:  string(keyBytes),
			Data: append([]byte(nil), data...),
		})
	}
	return m, nil
}

func EncodeMigrationAck(m *MigrationAck) []byte {
	w := &writer{}
	w.u32(uint32(m.From))
	w.u32(uint32(m.To))
	w.object(m.Object)
	return w.buf
}

func DecodeMigrationAck(payload []byte) (*MigrationAck, error) {
	r := newReader(payload)
	m := &MigrationAck{}
	from, err := r.u32()
	if err != nil {
		return nil, err
	}
	to, err := r.u32()
	if err != nil {
		return nil, err
	}
	obj, err := r.object()
	if err != nil {
		return nil, err
	}
	m.From, m.To, m.Object = ids.ServerId(from), ids.ServerId(to), obj
	return m, nil
}

func EncodeDirectoryUpdate(m *DirectoryUpdate) []byte {
	w := &writer{}
	w.object(m.Object)
	w.u32(uint32(m.Owner))
	return w.buf
}

func DecodeDirectoryUpdate(payload []byte) (*DirectoryUpdate, error) {
	r := newReader(payload)
	obj, err := r.object()
	if err != nil {
		return nil, err
	}
	owner, err := r.u32()
	if err != nil {
		return nil, err
	}
	return &DirectoryUpdate{Object: obj, Owner: ids.ServerId(owner)}, nil
}

func EncodeKillObjectConnection(m *KillObjectConnection) []byte {
	w := &writer{}
	w.object(m.Object)
	return w.buf
}

func DecodeKillObjectConnection(payload []byte) (*KillObjectConnection, error) {
	r := newReader(payload)
	obj, err := r.object()
	if err != nil {
		return nil, err
	}
	return &KillObjectConnection{Object: obj}, nil
}

// EncodeDirectoryValue encodes OSEG's directory-entry wire layout
// (§3, §4.2): owner (u32) + radius (f32), 8 bytes fixed-width.
func EncodeDirectoryValue(owner ids.ServerId, radius float32) []byte {
	w := &writer{}
	w.u32(uint32(owner))
	w.f32(radius)
	return w.buf
}

func DecodeDirectoryValue(b []byte) (ids.ServerId, float32, error) {
	r := newReader(b)
	owner, err := r.u32()
	if err != nil {
		return 0, 0, err
	}
	radius, err := r.f32()
	if err != nil {
		return 0, 0, err
	}
	return ids.ServerId(owner), radius, nil
}

// EncodeFrame writes [u32 length][u8 type][payload] to w. length
// counts everything after itself (the type byte plus the payload),
// per §6.1 "lengths exclude themselves".
func EncodeFrame(w io.Writer, msgType MessageType, payload []byte) error {
	length := uint32(1 + len(payload))
	var hdr [5]byte
	binary.LittleEndian.PutUint32(hdr[0:4], length)
	hdr[4] = byte(msgType)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// MaxFrameLength bounds a single frame, guarding against a corrupt or
// hostile length prefix driving an unbounded allocation.
const MaxFrameLength = 64 << 20

// ReadFrame reads one frame from r, returning its type and raw
// payload (type byte stripped).
func ReadFrame(r io.Reader) (MessageType, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.LittleEndian.Uint32(hdr[:])
	if length == 0 {
		return 0, nil, cmnerrors.ProtocolViolation("wire: zero-length frame (missing type byte)")
	}
	if length > MaxFrameLength {
		return 0, nil, cmnerrors.ProtocolViolation("wire: frame length %d exceeds max %d", length, MaxFrameLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return MessageType(body[0]), body[1:], nil
}

// DecodeAny dispatches on tag, returning one of the *Type structs
// above as `any`. ProtocolViolation is returned (not panicked) for an
// unrecognized tag, per §7.
func DecodeAny(msgType MessageType, payload []byte) (any, error) {
	switch msgType {
	case TypeObjectDatagram:
		return DecodeObjectDatagram(payload)
	case TypeMigratePayload:
		return DecodeMigratePayload(payload)
	case TypeMigrationAck:
		return DecodeMigrationAck(payload)
	case TypeDirectoryUpdate:
		return DecodeDirectoryUpdate(payload)
	case TypeKillObjectConnection:
		return DecodeKillObjectConnection(payload)
	default:
		return nil, cmnerrors.ProtocolViolation("wire: unknown message type %d", msgType)
	}
}
