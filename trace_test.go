package netsim

import (
	"strings"
	"testing"
	"time"
)

func TestTracerEmitFormat(t *testing.T) {
	var sb strings.Builder
	tracer := NewTracer(&sb)
	tracer.Emit(1500*time.Microsecond, 3, "update_rtt", "dest", 7, "sample_us", 1200)
	tracer.Emit(2*time.Millisecond, 3, "queue_length", "link", 1, "frames", 4, "dangling")

	expect := "1500: [update_rtt] node=3 dest=7 sample_us=1200\n" +
		"2000: [queue_length] node=3 link=1 frames=4\n"
	if got := sb.String(); got != expect {
		t.Fatalf("unexpected trace output:\n%q\nwant:\n%q", got, expect)
	}
}
