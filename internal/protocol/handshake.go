package protocol

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
	"github.com/tlstunnel/tlstunnel/internal/tunnelerr"
)

// ClientAuth performs the client side of the session handshake's first
// two steps: send the auth key, read the ack.
func ClientAuth(rw io.ReadWriter, authKey []byte) error {
	if len(authKey) > MaxAuthKeyLen {
		return fmt.Errorf("protocol: auth key of %d bytes exceeds cap %d", len(authKey), MaxAuthKeyLen)
	}
	if err := WriteU32Blob(rw, authKey); err != nil {
		return err
	}
	ok, msg, err := ReadAck(rw)
	if err != nil {
		return err
	}
	if !ok {
		return tunnelerr.Wrap(tunnelerr.KindAuthentication, tunnelerr.ErrAuthMismatch, msg)
	}
	return nil
}

// ServerAuth performs the server side: read the auth key (capped at
// MaxAuthKeyLen regardless of the length the client claims), compare
// against want, and write the ack.
func ServerAuth(rw io.ReadWriter, want []byte) error {
	got, err := ReadU32Blob(rw, MaxAuthKeyLen)
	if err != nil {
		return err
	}
	if !constantTimeEqual(got, want) {
		_ = WriteAck(rw, false, "Invalid authentication key")
		return tunnelerr.ErrAuthMismatch
	}
	return WriteAck(rw, true, "")
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// ClientSubmitConfig sends the JSON config batch and reads the ack.
func ClientSubmitConfig(rw io.ReadWriter, batch tunnelcfg.ConfigBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	if err := WriteU32Blob(rw, payload); err != nil {
		return err
	}
	ok, msg, err := ReadAck(rw)
	if err != nil {
		return err
	}
	if !ok {
		return tunnelerr.Wrap(tunnelerr.KindProtocol, tunnelerr.ErrDuplicateBind, msg)
	}
	return nil
}

// ServerReadConfig reads and decodes the client's config batch without
// validating or acking it; the caller validates against server-wide
// state (the registry) before calling ServerAckConfig.
func ServerReadConfig(rw io.ReadWriter) (tunnelcfg.ConfigBatch, error) {
	payload, err := ReadU32Blob(rw, MaxConfigLen)
	if err != nil {
		return tunnelcfg.ConfigBatch{}, err
	}
	var batch tunnelcfg.ConfigBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return tunnelcfg.ConfigBatch{}, tunnelerr.Wrap(tunnelerr.KindProtocol, err, "malformed config JSON")
	}
	if batch.Version != ProtocolVer {
		return tunnelcfg.ConfigBatch{}, tunnelerr.Wrap(tunnelerr.KindProtocol, tunnelerr.ErrVersionMismatch, fmt.Sprintf("got version %d, want %d", batch.Version, ProtocolVer))
	}
	return batch, nil
}

// ServerAckConfig writes the config ack: success, or failure with msg.
func ServerAckConfig(rw io.ReadWriter, ok bool, msg string) error {
	return WriteAck(rw, ok, msg)
}

// Stream header kinds, each the first bytes written on a freshly opened
// multiplexed stream.

// WritePublicIngressHeader writes the server->client public-ingress
// stream header: u16 publish_port.
func WritePublicIngressHeader(w io.Writer, publishPort uint16) error {
	return WritePort(w, publishPort)
}

// ReadPublicIngressHeader reads the public-ingress stream header.
func ReadPublicIngressHeader(r io.Reader) (publishPort uint16, err error) {
	return ReadPort(r)
}

// WriteVisitorHeader writes the client->server visitor/forwarder stream
// header: u16 name_len + name + u16 publish_port.
func WriteVisitorHeader(w io.Writer, name string, publishPort uint16) error {
	if err := WriteU16Blob(w, []byte(name)); err != nil {
		return err
	}
	return WritePort(w, publishPort)
}

// ReadVisitorHeader reads the visitor/forwarder stream header.
func ReadVisitorHeader(r io.Reader) (name string, publishPort uint16, err error) {
	nameBytes, err := ReadU16Blob(r)
	if err != nil {
		return "", 0, err
	}
	port, err := ReadPort(r)
	if err != nil {
		return "", 0, err
	}
	return string(nameBytes), port, nil
}
