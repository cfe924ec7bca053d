package muxstream

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func pairedSessions(t *testing.T) (client, server *Session) {
	t.Helper()
	c, s := net.Pipe()
	var err error
	client, err = Client(c, Config{})
	if err != nil {
		t.Fatal(err)
	}
	server, err = Server(s, Config{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestOpenStreamByteExactRoundTrip(t *testing.T) {
	client, server := pairedSessions(t)

	payload := bytes.Repeat([]byte("ab"), 1024) // 2 KiB, stands in for "up to 1 MiB"

	serverErr := make(chan error, 1)
	go func() {
		st, err := server.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer st.Close()
		buf := make([]byte, len(payload))
		if _, err := io.ReadFull(st, buf); err != nil {
			serverErr <- err
			return
		}
		if !bytes.Equal(buf, payload) {
			serverErr <- io.ErrUnexpectedEOF
			return
		}
		_, err = st.Write(buf)
		serverErr <- err
	}()

	stream, err := client.OpenStream()
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Close()

	if _, err := stream.Write(payload); err != nil {
		t.Fatal(err)
	}

	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(stream, echoed); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(echoed, payload) {
		t.Fatal("echoed payload did not match original")
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server side error: %v", err)
	}
}

func TestIndependentStreamsDoNotInterfere(t *testing.T) {
	client, server := pairedSessions(t)

	const numStreams = 5
	serverDone := make(chan error, numStreams)
	go func() {
		for i := 0; i < numStreams; i++ {
			st, err := server.Accept()
			if err != nil {
				serverDone <- err
				return
			}
			go func(s net.Conn) {
				defer s.Close()
				buf := make([]byte, 64)
				n, err := s.Read(buf)
				if err != nil {
					serverDone <- err
					return
				}
				_, err = s.Write(buf[:n])
				serverDone <- err
			}(st)
		}
	}()

	for i := 0; i < numStreams; i++ {
		st, err := client.OpenStream()
		if err != nil {
			t.Fatal(err)
		}
		msg := []byte{byte(i), byte(i + 1)}
		if _, err := st.Write(msg); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, len(msg))
		if _, err := io.ReadFull(st, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, msg) {
			t.Fatalf("stream %d: got %v want %v", i, buf, msg)
		}
		st.Close()
	}
	for i := 0; i < numStreams; i++ {
		if err := <-serverDone; err != nil {
			t.Fatalf("server stream error: %v", err)
		}
	}
}

func TestSessionCloseAbortsStreams(t *testing.T) {
	client, server := pairedSessions(t)

	st, err := client.OpenStream()
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		s, err := server.Accept()
		if err == nil {
			s.Close()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	client.Close()

	buf := make([]byte, 1)
	_, err = st.Read(buf)
	if err == nil {
		t.Fatal("expected read error after session close")
	}
}
