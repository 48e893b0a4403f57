package ot

import (
	"errors"
	"testing"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	if err := pt.Apply(New(5, 0, " collaborative")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	// "Hello collaborative world"
	//  01234 5            18 ...
	if err := pt.Apply(New(5, 14, "")); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("abcdef")
	steps := []Operation{
		New(3, 0, "XYZ"), // abcXYZdef
		New(0, 0, "__"),  // __abcXYZdef
		New(3, 6, "-"),   // __a-ef
	}
	for _, op := range steps {
		if err := pt.Apply(op); err != nil {
			t.Fatalf("Apply(%v) error = %v", op, err)
		}
	}
	if got, want := pt.String(), "__a-ef"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
	if got, want := pt.Len(), 6; got != want {
		t.Fatalf("Len() = %d, want %d", got, want)
	}
}

func TestPieceTable_MatchesApply(t *testing.T) {
	doc := "héllo, wörld"
	ops := []Operation{
		New(0, 1, "H"),
		New(5, 2, " - "),
		New(13, 0, "!"),
		New(2, 6, ""),
		New(0, 0, "¡"),
	}
	pt := NewPieceTable(doc)
	for _, op := range ops {
		next, err := op.Apply(doc)
		if err != nil {
			t.Fatalf("Apply(%v) error = %v", op, err)
		}
		doc = next
		if err := pt.Apply(op); err != nil {
			t.Fatalf("PieceTable.Apply(%v) error = %v", op, err)
		}
		if pt.String() != doc {
			t.Fatalf("after %v: piece table %q, string apply %q", op, pt.String(), doc)
		}
	}
}

func TestPieceTable_OutOfRange(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(New(2, 2, ""))
	if !errors.Is(err, ErrRange) {
		t.Fatalf("Apply() error = %v, want ErrRange", err)
	}
	if got := pt.String(); got != "abc" {
		t.Fatalf("String() = %q after failed apply", got)
	}
}
