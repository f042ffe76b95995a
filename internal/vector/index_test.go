package vector

import "testing"

func TestObjectIDStable(t *testing.T) {
	x, err := NewIndex(Config{Host: "localhost:8080"}, nil)
	if err != nil {
		t.Fatalf("NewIndex: %v", err)
	}
	a := x.objectID(42)
	b := x.objectID(42)
	if a != b {
		t.Fatalf("object id not stable: %s vs %s", a, b)
	}
	if a == x.objectID(43) {
		t.Fatal("distinct documents must map to distinct ids")
	}
}

func TestObjectIDClassScoped(t *testing.T) {
	a, err := NewIndex(Config{Host: "localhost:8080", Class: "A"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewIndex(Config{Host: "localhost:8080", Class: "B"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.objectID(7) == b.objectID(7) {
		t.Fatal("ids must be scoped by class")
	}
}
