package factory

import "testing"

func TestBorrowAndReturnRoundTrip(t *testing.T) {
	p := NewCachingPool(2, 64)
	if p.Capacity() != 2 {
		t.Fatalf("Capacity() = %d, want 2", p.Capacity())
	}

	a := p.Borrow()
	b := p.Borrow()
	if len(a) != 64 || len(b) != 64 {
		t.Fatalf("borrowed regions have len %d/%d, want 64", len(a), len(b))
	}

	p.Return(a)
	c := p.Borrow()
	if len(c) != 64 {
		t.Fatalf("re-borrowed region has len %d, want 64", len(c))
	}
}

func TestBorrowBeyondCapacityIsFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("borrowing with no free regions must panic")
		}
	}()
	p := NewCachingPool(1, 32)
	p.Borrow()
	p.Borrow()
}

func TestReturnWrongSizeIsFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("returning a region of the wrong size must panic")
		}
	}()
	p := NewCachingPool(1, 32)
	buf := p.Borrow()
	_ = buf
	p.Return(make([]byte, 16))
}

func TestReturnOverflowIsFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("returning more regions than capacity must panic")
		}
	}()
	p := NewCachingPool(1, 32)
	buf := p.Borrow()
	p.Return(buf)
	p.Return(make([]byte, 32))
}
