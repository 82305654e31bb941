package netsim

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCyclicBufferStoreThenLoad(t *testing.T) {

	// testcase describes a test case for store followed by load
	type testcase struct {
		// name is the name of this test case
		name string

		// length is the buffer length
		length int

		// pos is where we store and load
		pos int

		// data is what we store
		data []byte
	}

	var testcases = []testcase{{
		name:   "without wrapping",
		length: 64,
		pos:    10,
		data:   []byte("abcdef"),
	}, {
		name:   "wrapping across the end",
		length: 64,
		pos:    60,
		data:   []byte("abcdefgh"),
	}, {
		name:   "position past the length",
		length: 64,
		pos:    64 + 3,
		data:   []byte("xyz"),
	}}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			cb := NewCyclicBuffer(tc.length)
			cb.Store(tc.pos, tc.data)

			// every stored byte is valid until loaded
			for i := 0; i < len(tc.data); i++ {
				if !cb.Check(tc.pos + i) {
					t.Fatal("expected byte to be valid at", tc.pos+i)
				}
			}

			got := cb.Load(tc.pos, len(tc.data))
			if diff := cmp.Diff(tc.data, got); diff != "" {
				t.Fatal(diff)
			}

			// loading has read-once semantics
			for i := 0; i < len(tc.data); i++ {
				if cb.Check(tc.pos + i) {
					t.Fatal("expected byte to be invalid at", tc.pos+i)
				}
			}
		})
	}
}

func TestCyclicBufferNextInvalid(t *testing.T) {
	cb := NewCyclicBuffer(32)

	// an empty buffer is invalid at the scan position itself
	if got := cb.NextInvalid(7); got != 7 {
		t.Fatal("expected 7, got", got)
	}

	// the first invalid position is just past the stored range
	cb.Store(7, []byte("abcd"))
	if got := cb.NextInvalid(7); got != 11 {
		t.Fatal("expected 11, got", got)
	}

	// a hole before the stored range wins
	if got := cb.NextInvalid(5); got != 5 {
		t.Fatal("expected 5, got", got)
	}

	// the scan wraps across the end of the buffer
	cb.Store(30, []byte("ab"))
	if got := cb.NextInvalid(30); got != 0 {
		t.Fatal("expected 0, got", got)
	}

	// a fully valid buffer yields the sentinel pos+len
	full := NewCyclicBuffer(16)
	full.Store(0, make([]byte, 16))
	if got := full.NextInvalid(3); got != 3+16 {
		t.Fatal("expected the sentinel 19, got", got)
	}
}

func TestCyclicBufferStorePanicsOnOverwrite(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic")
		}
	}()
	cb := NewCyclicBuffer(32)
	cb.Store(4, []byte("abcd"))
	cb.Store(6, []byte("zz"))
}
