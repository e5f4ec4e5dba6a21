package resp

import (
	"bytes"
	"strings"
	"testing"
)

func encode(t *testing.T, v Value) string {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteValue(v); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	return buf.String()
}

func TestWriterEncodings(t *testing.T) {
	cases := []struct {
		v    Value
		want string
	}{
		{Simple("OK"), "+OK\r\n"},
		{Err("ERR bad"), "-ERR bad\r\n"},
		{Int(42), ":42\r\n"},
		{BulkString("hey"), "$3\r\nhey\r\n"},
		{Null(), "$-1\r\n"},
		{Array(Int(1), BulkString("a")), "*2\r\n:1\r\n$1\r\na\r\n"},
		{Boolean(true), "#t\r\n"},
	}
	for _, tc := range cases {
		if got := encode(t, tc.v); got != tc.want {
			t.Errorf("encode(%+v) = %q, want %q", tc.v, got, tc.want)
		}
	}
}

func TestReaderMultiBulk(t *testing.T) {
	r := NewReader(strings.NewReader("*3\r\n$3\r\nset\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	argv, err := r.ReadCommand()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(argv) != 3 || string(argv[0]) != "set" || string(argv[2]) != "v" {
		t.Fatalf("argv: %q", argv)
	}
}

func TestReaderInline(t *testing.T) {
	r := NewReader(strings.NewReader("ping hello\r\n"))
	argv, err := r.ReadCommand()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(argv) != 2 || string(argv[0]) != "ping" || string(argv[1]) != "hello" {
		t.Fatalf("argv: %q", argv)
	}
}

func TestReaderProtocolErrors(t *testing.T) {
	for _, in := range []string{
		"*1\r\nnope\r\n",
		"*1\r\n$5\r\nab\r\n",
	} {
		r := NewReader(strings.NewReader(in))
		if _, err := r.ReadCommand(); err == nil {
			t.Errorf("input %q must fail", in)
		}
	}
}

func TestBufferTake(t *testing.T) {
	var b Buffer
	_ = b.WriteValue(Int(1))
	_ = b.WriteValue(Int(2))
	if b.Len() != 2 {
		t.Fatalf("len: %d", b.Len())
	}
	vs := b.Take()
	if len(vs) != 2 || b.Len() != 0 {
		t.Fatalf("take: %v / %d", vs, b.Len())
	}
}
