package protocol

import (
	"bufio"
	"bytes"
	"net"
	"testing"

	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
)

// buf wraps bytes.Buffer with a Flush method so WriteU16Blob etc exercise
// the flush path the same way a bufio.Writer over a net.Conn would.
type buf struct {
	*bufio.Writer
	bb *bytes.Buffer
}

func newBuf() *buf {
	bb := &bytes.Buffer{}
	return &buf{Writer: bufio.NewWriter(bb), bb: bb}
}

func TestU16BlobRoundTrip(t *testing.T) {
	b := newBuf()
	if err := WriteU16Blob(b, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := ReadU16Blob(bytes.NewReader(b.bb.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Fatalf("got %q", got)
	}
}

func TestU16BlobCap(t *testing.T) {
	oversize := bytes.Repeat([]byte{'a'}, MaxU16BlobLen+1)
	b := newBuf()
	if err := WriteU16Blob(b, oversize); err == nil {
		t.Fatal("expected error writing oversize blob")
	}
}

func TestReadU16BlobRejectsOversizeLength(t *testing.T) {
	var hdr [2]byte
	hdr[0], hdr[1] = 0xFF, 0xFF // claims 65535 bytes, over the 4096 cap
	r := bytes.NewReader(hdr[:])
	if _, err := ReadU16Blob(r); err == nil {
		t.Fatal("expected protocol error for oversize claimed length")
	}
}

func TestU32BlobRoundTrip(t *testing.T) {
	b := newBuf()
	payload := []byte(`{"version":1}`)
	if err := WriteU32Blob(b, payload); err != nil {
		t.Fatal(err)
	}
	got, err := ReadU32Blob(bytes.NewReader(b.bb.Bytes()), MaxConfigLen)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q", got)
	}
}

func TestReadU32BlobRejectsHugeClaimedLength(t *testing.T) {
	var hdr [4]byte
	hdr[0] = 0x7F // ~2 billion bytes claimed
	r := bytes.NewReader(hdr[:])
	if _, err := ReadU32Blob(r, MaxConfigLen); err == nil {
		t.Fatal("expected protocol error for 0x7F000000-claimed length")
	}
}

func TestAckRoundTrip(t *testing.T) {
	b := newBuf()
	if err := WriteAck(b, true, ""); err != nil {
		t.Fatal(err)
	}
	ok, msg, err := ReadAck(bytes.NewReader(b.bb.Bytes()))
	if err != nil || !ok || msg != "" {
		t.Fatalf("got ok=%v msg=%q err=%v", ok, msg, err)
	}

	b2 := newBuf()
	if err := WriteAck(b2, false, "nope"); err != nil {
		t.Fatal(err)
	}
	ok, msg, err = ReadAck(bytes.NewReader(b2.bb.Bytes()))
	if err != nil || ok || msg != "nope" {
		t.Fatalf("got ok=%v msg=%q err=%v", ok, msg, err)
	}
}

func TestPortRoundTrip(t *testing.T) {
	b := newBuf()
	if err := WritePort(b, 9443); err != nil {
		t.Fatal(err)
	}
	got, err := ReadPort(bytes.NewReader(b.bb.Bytes()))
	if err != nil || got != 9443 {
		t.Fatalf("got %d err=%v", got, err)
	}
}

func TestClientServerAuthSuccess(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	key := []byte("correct-key-123")
	errCh := make(chan error, 1)
	go func() { errCh <- ServerAuth(s, key) }()

	if err := ClientAuth(c, key); err != nil {
		t.Fatalf("client auth failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server auth failed: %v", err)
	}
}

func TestClientServerAuthMismatch(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	errCh := make(chan error, 1)
	go func() { errCh <- ServerAuth(s, []byte("correct-key-123")) }()

	err := ClientAuth(c, []byte("wrong-key"))
	if err == nil {
		t.Fatal("expected client auth error on mismatch")
	}
	if serverErr := <-errCh; serverErr == nil {
		t.Fatal("expected server auth error on mismatch")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	c, s := net.Pipe()
	defer c.Close()
	defer s.Close()

	batch := tunnelcfg.ConfigBatch{
		Version: 1,
		Proxies: []tunnelcfg.ProxyEntry{
			{Name: "p", Type: tunnelcfg.ProxyTCP, PublishAddr: "0.0.0.0", PublishPort: 9000, LocalPort: 8080},
		},
	}

	serverErrCh := make(chan error, 1)
	go func() {
		got, err := ServerReadConfig(s)
		if err != nil {
			serverErrCh <- err
			return
		}
		if err := got.Validate(0); err != nil {
			_ = ServerAckConfig(s, false, err.Error())
			serverErrCh <- err
			return
		}
		serverErrCh <- ServerAckConfig(s, true, "")
	}()

	if err := ClientSubmitConfig(c, batch); err != nil {
		t.Fatalf("client submit failed: %v", err)
	}
	if err := <-serverErrCh; err != nil {
		t.Fatalf("server side failed: %v", err)
	}
}

func TestVisitorHeaderRoundTrip(t *testing.T) {
	b := newBuf()
	if err := WriteVisitorHeader(b, "myproxy", 9000); err != nil {
		t.Fatal(err)
	}
	name, port, err := ReadVisitorHeader(bytes.NewReader(b.bb.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if name != "myproxy" || port != 9000 {
		t.Fatalf("got name=%q port=%d", name, port)
	}
}
