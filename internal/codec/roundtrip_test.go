package codec

import (
	"testing"

	"github.com/google/uuid"

	"github.com/jeelkantaria/gelclient/internal/protocol"
)

// TestNestedContainerRoundTrip builds an Array<NamedTuple<int64, str>>
// codec tree from a descriptor blob and checks decode(encode(v)) == v,
// the invariant spec §8 requires of every non-introspective codec path.
func TestNestedContainerRoundTrip(t *testing.T) {
	ntID := uuid.New()
	arrID := uuid.New()

	w := protocol.NewWriter()
	writeBaseScalarRef(w, Int64TypeID) // 0
	writeBaseScalarRef(w, TextTypeID)  // 1
	w.PutU8(tagNamedTuple)             // 2
	w.PutUUID(ntID)
	w.PutU16(2)
	w.PutString("count")
	w.PutU16(0)
	w.PutString("label")
	w.PutU16(1)
	w.PutU8(tagArray) // 3
	w.PutUUID(arrID)
	w.PutU16(2) // element = named tuple at position 2
	w.PutU16(1)
	w.PutI32(-1)

	reg := NewRegistry()
	top, err := Build(protocol.NewReader(w.Bytes()), reg)
	if err != nil {
		t.Fatalf("Build() = %v", err)
	}

	val := []any{
		map[string]any{"count": int64(1), "label": "a"},
		map[string]any{"count": int64(2), "label": "b"},
	}

	ew := protocol.NewWriter()
	if err := top.Encode(ew, val); err != nil {
		t.Fatalf("Encode() = %v", err)
	}
	first, err := top.Decode(protocol.NewReader(ew.Bytes()))
	if err != nil {
		t.Fatalf("first Decode() = %v", err)
	}

	ew2 := protocol.NewWriter()
	if err := top.Encode(ew2, first); err != nil {
		t.Fatalf("re-encode = %v", err)
	}
	second, err := top.Decode(protocol.NewReader(ew2.Bytes()))
	if err != nil {
		t.Fatalf("second Decode() = %v", err)
	}

	firstRows := first.([]any)
	secondRows := second.([]any)
	if len(firstRows) != len(secondRows) {
		t.Fatalf("row count changed across round trip: %d vs %d", len(firstRows), len(secondRows))
	}
	for i := range firstRows {
		a := firstRows[i].(map[string]any)
		b := secondRows[i].(map[string]any)
		if a["count"] != b["count"] || a["label"] != b["label"] {
			t.Fatalf("row %d diverged: %v vs %v", i, a, b)
		}
	}
}

// TestRegistryLookupAfterBuild confirms every intermediate descriptor
// from a blob lands in the registry, not just the top-level one.
func TestRegistryLookupAfterBuild(t *testing.T) {
	setID := uuid.New()

	w := protocol.NewWriter()
	writeBaseScalarRef(w, UUIDTypeID) // 0
	w.PutU8(tagSet)                   // 1
	w.PutUUID(setID)
	w.PutU16(0)

	reg := NewRegistry()
	if _, err := Build(protocol.NewReader(w.Bytes()), reg); err != nil {
		t.Fatalf("Build() = %v", err)
	}

	if _, ok := reg.Lookup(UUIDTypeID); !ok {
		t.Fatal("base scalar codec missing from registry after Build")
	}
	if _, ok := reg.Lookup(setID); !ok {
		t.Fatal("set codec missing from registry after Build")
	}
}
