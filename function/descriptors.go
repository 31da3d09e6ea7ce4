package function

import "encoding/binary"

// USB interface class/subclass/protocol for SCSI-over-Bulk-Only mass storage.
const (
	ClassMassStorage = 0x08
	SubclassSCSI     = 0x06
	ProtocolBulkOnly = 0x50
)

// Endpoint addresses and packet sizing advertised by this function. The
// bMaxBurst value only has meaning on a SuperSpeed companion descriptor;
// this core advertises a full-speed-only descriptor set (no high-speed or
// SuperSpeed descriptors, see BuildDescriptors), so bMaxBurst is recorded here
// only for documentation of the device class this emulates, not encoded on
// the wire.
const (
	EndpointAddrBulkIn  = 0x81 // EP1 IN
	EndpointAddrBulkOut = 0x02 // EP2 OUT
	BulkMaxPacketSize   = 0x200
	BulkMaxBurst        = 4
)

// USB descriptor type codes.
const (
	descTypeInterface = 0x04
	descTypeEndpoint  = 0x05
)

// Endpoint transfer-type bits (bmAttributes).
const endpointAttrBulk = 0x02

// FunctionFS descriptor blob header magics.
const (
	descHeaderMagicV2 = 3
	descHeaderMagicV1 = 1
	stringsMagic      = 2
)

// FunctionFS v2 header flags: which of the three speed-specific descriptor
// arrays are present in the blob that follows the header.
const (
	flagHasFSDesc = 1 << 0
	flagHasHSDesc = 1 << 1
	flagHasSSDesc = 1 << 2
)

const (
	v2HeaderSize = 4 + 4 + 4 + 4 + 4 + 4 // magic, length, flags, fs_count, hs_count, ss_count
	v1HeaderSize = 4 + 4 + 4 + 4         // magic, length, fs_count, hs_count
)

// marshalInterfaceDescriptor packs one USB interface descriptor (9 bytes).
func marshalInterfaceDescriptor(buf []byte, numEndpoints uint8) int {
	buf[0] = 9 // bLength
	buf[1] = descTypeInterface
	buf[2] = 0 // bInterfaceNumber, filled in by the FunctionFS core at bind time
	buf[3] = 0 // bAlternateSetting
	buf[4] = numEndpoints
	buf[5] = ClassMassStorage
	buf[6] = SubclassSCSI
	buf[7] = ProtocolBulkOnly
	buf[8] = 0 // iInterface
	return 9
}

// marshalEndpointDescriptor packs one USB bulk endpoint descriptor (7 bytes).
func marshalEndpointDescriptor(buf []byte, address uint8, maxPacketSize uint16) int {
	buf[0] = 7 // bLength
	buf[1] = descTypeEndpoint
	buf[2] = address
	buf[3] = endpointAttrBulk
	binary.LittleEndian.PutUint16(buf[4:6], maxPacketSize)
	buf[6] = 0 // bInterval, unused for bulk
	return 7
}

// fsDescriptorSet builds the one interface plus two bulk endpoint
// descriptors that make up this function's full-speed descriptor array.
func fsDescriptorSet() []byte {
	buf := make([]byte, 9+7+7)
	off := marshalInterfaceDescriptor(buf, 2)
	off += marshalEndpointDescriptor(buf[off:], EndpointAddrBulkIn, BulkMaxPacketSize)
	off += marshalEndpointDescriptor(buf[off:], EndpointAddrBulkOut, BulkMaxPacketSize)
	return buf[:off]
}

// BuildDescriptors returns the FunctionFS descriptor blob this function
// binds with: a v2 header (magic=3) naming only a full-speed descriptor
// array, followed by that array. v2 is always attempted first; callers
// that observe a write failure against an older kernel should retry with
// BuildDescriptorsV1.
func BuildDescriptors() []byte {
	fs := fsDescriptorSet()
	header := make([]byte, v2HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], descHeaderMagicV2)
	binary.LittleEndian.PutUint32(header[4:8], uint32(v2HeaderSize+len(fs)))
	binary.LittleEndian.PutUint32(header[8:12], flagHasFSDesc)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(fs)))
	binary.LittleEndian.PutUint32(header[16:20], 0) // hs_count
	binary.LittleEndian.PutUint32(header[20:24], 0) // ss_count
	return append(header, fs...)
}

// BuildDescriptorsV1 is the v1 fallback (magic=1, no flags field, no
// SuperSpeed count) used when a kernel rejects the v2 header.
func BuildDescriptorsV1() []byte {
	fs := fsDescriptorSet()
	header := make([]byte, v1HeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], descHeaderMagicV1)
	binary.LittleEndian.PutUint32(header[4:8], uint32(v1HeaderSize+len(fs)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(fs)))
	binary.LittleEndian.PutUint32(header[12:16], 0) // hs_count
	return append(header, fs...)
}

// BuildStrings returns the FunctionFS strings blob: one language code
// followed by NUL-terminated strings, framed by the strings header.
func BuildStrings(langID uint16, strs ...string) []byte {
	var body []byte
	lang := make([]byte, 2)
	binary.LittleEndian.PutUint16(lang, langID)
	body = append(body, lang...)
	for _, s := range strs {
		body = append(body, []byte(s)...)
		body = append(body, 0)
	}

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], stringsMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(16+len(body)))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(strs)))
	binary.LittleEndian.PutUint32(header[12:16], 1) // lang_count
	return append(header, body...)
}
