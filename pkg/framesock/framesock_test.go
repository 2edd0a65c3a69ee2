package framesock

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	return c1, c2
}

func TestSendLineRecvLine(t *testing.T) {
	a, b := pipePair(t)
	sa := New(a)
	sb := New(b)
	sa.ReadTimeout = 20 * time.Millisecond
	sb.ReadTimeout = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		if err := sa.SendLine(ctx, "SOURCE TCP 40001"); err != nil {
			t.Errorf("SendLine: %v", err)
		}
	}()

	line, err := sb.RecvLine(ctx)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	if line != "SOURCE TCP 40001" {
		t.Fatalf("got %q", line)
	}
}

func TestParseLinesSplitsOnCRLFOnly(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("ONE\r\nTWO\r\nPARTIAL")

	lines := parseLines(&buf)
	if len(lines) != 2 || lines[0] != "ONE" || lines[1] != "TWO" {
		t.Fatalf("unexpected lines: %v", lines)
	}
	if buf.String() != "PARTIAL" {
		t.Fatalf("partial line should remain buffered, got %q", buf.String())
	}
}

func TestParseLinesDropsEmptyLines(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("\r\nA\r\n\r\nB\r\n")

	lines := parseLines(&buf)
	if len(lines) != 2 || lines[0] != "A" || lines[1] != "B" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}

func TestIterateAppliesFilter(t *testing.T) {
	a, b := pipePair(t)
	sa := New(a)
	sb := New(b)
	sb.ReadTimeout = 20 * time.Millisecond
	sb.Filter = func(line string) bool { return line != "DROP ME" }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		sa.SendLine(ctx, "KEEP ME")
		sa.SendLine(ctx, "DROP ME")
		sa.SendLine(ctx, "KEEP ME TOO")
	}()

	deadline := time.Now().Add(time.Second)
	var got []string
	for time.Now().Before(deadline) && len(got) < 2 {
		got = append(got, sb.Iterate()...)
		time.Sleep(10 * time.Millisecond)
	}
	if len(got) != 2 || got[0] != "KEEP ME" || got[1] != "KEEP ME TOO" {
		t.Fatalf("filter did not apply as expected: %v", got)
	}
}

func TestRecvLineAppliesFilter(t *testing.T) {
	a, b := pipePair(t)
	sa := New(a)
	sb := New(b)
	sb.ReadTimeout = 20 * time.Millisecond
	sb.Filter = func(line string) bool { return line != "DROP ME" }

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go func() {
		sa.SendLine(ctx, "DROP ME")
		sa.SendLine(ctx, "KEEP ME")
	}()

	line, err := sb.RecvLine(ctx)
	if err != nil {
		t.Fatalf("RecvLine: %v", err)
	}
	if line != "KEEP ME" {
		t.Fatalf("filtered line leaked through RecvLine: %q", line)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a, _ := pipePair(t)
	s := New(a)
	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !s.Closed() {
		t.Fatal("expected Closed() true after Close")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	a, _ := pipePair(t)
	s := New(a)
	s.Close()

	err := s.SendLine(context.Background(), "hello")
	if err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestScanLinesCRLF(t *testing.T) {
	data := []byte("ABC\r\nDEF")
	advance, token, err := scanLinesCRLF(data, false)
	if err != nil {
		t.Fatal(err)
	}
	if advance != 5 || string(token) != "ABC" {
		t.Fatalf("advance=%d token=%q", advance, token)
	}

	advance, token, err = scanLinesCRLF(data[5:], false)
	if err != nil {
		t.Fatal(err)
	}
	if advance != 0 || token != nil {
		t.Fatalf("expected no token for partial data, got advance=%d token=%q", advance, token)
	}
}
