package tlv

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	in := []Field{
		StringField(1, "operator-1"),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	out, err := DecodeFields(EncodeFields(in))
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestDecodeFieldsRejectsDuplicateID(t *testing.T) {
	payload := EncodeFields([]Field{StringField(1, "a"), StringField(1, "b")})
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrDuplicateField) {
		t.Fatalf("expected ErrDuplicateField, got %v", err)
	}
}

func TestFixedWidthHelpers(t *testing.T) {
	f := U32Field(6, 0x01020304)
	v, err := U32FromBytes(f.Value)
	if err != nil || v != 0x01020304 {
		t.Fatalf("u32 round trip: v=%#x err=%v", v, err)
	}
	if _, err := U32FromBytes([]byte{1, 2}); err == nil {
		t.Fatalf("expected short u32 error")
	}
	b, err := U8FromBytes(U8Field(5, 7).Value)
	if err != nil || b != 7 {
		t.Fatalf("u8 round trip: v=%d err=%v", b, err)
	}
	if err := MustType(f, TypeString); err == nil {
		t.Fatalf("expected type mismatch")
	}
}

func TestBytesFieldCopiesInput(t *testing.T) {
	src := []byte{1, 2, 3}
	f := BytesField(2, src)
	src[0] = 9
	if f.Value[0] != 1 {
		t.Fatalf("bytes field aliases caller slice")
	}
}
