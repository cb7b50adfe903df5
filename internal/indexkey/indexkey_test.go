package indexkey

import (
	"bytes"
	"testing"
)

func TestEncodePrimaryKeyIgnoresFields(t *testing.T) {
	k1, err := Encode(nil, "id1", []byte(`{"value":5}`))
	if err != nil {
		t.Fatal(err)
	}
	k2, err := Encode(nil, "id1", []byte(`{"value":999}`))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatalf("primary key should not depend on document fields: %x vs %x", k1, k2)
	}
}

func TestEncodeOrdersByFieldThenID(t *testing.T) {
	type doc struct {
		id    string
		value int
	}
	docs := []doc{
		{"id3", 5}, {"id4", 5}, {"id5", 7}, {"id1", 3},
	}
	keys := make(map[string][]byte)
	for _, d := range docs {
		k, err := Encode([]string{"value"}, d.id, []byte(`{"value":`+itoa(d.value)+`}`))
		if err != nil {
			t.Fatal(err)
		}
		keys[d.id] = k
	}

	if !less(keys["id1"], keys["id3"]) {
		t.Fatalf("expected id1 (value 3) < id3 (value 5)")
	}
	if !less(keys["id3"], keys["id4"]) {
		t.Fatalf("expected id3 < id4 when values tie at 5, tiebroken by id")
	}
	if !less(keys["id4"], keys["id5"]) {
		t.Fatalf("expected id4 (value 5) < id5 (value 7)")
	}
}

func TestEncodeNegativeAndPositiveNumbersOrder(t *testing.T) {
	neg, err := Encode([]string{"value"}, "a", []byte(`{"value":-5}`))
	if err != nil {
		t.Fatal(err)
	}
	pos, err := Encode([]string{"value"}, "a", []byte(`{"value":5}`))
	if err != nil {
		t.Fatal(err)
	}
	if !less(neg, pos) {
		t.Fatalf("expected negative value to sort before positive value")
	}
}

func less(a, b []byte) bool { return bytes.Compare(a, b) < 0 }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		buf = append([]byte{'-'}, buf...)
	}
	return string(buf)
}
