// Package bfdcore implements the core of a Bidirectional Forwarding
// Detection engine (RFC 5880): the session table, state machine, timer
// wheel, configuration applier, SLA meter and dispatcher that together
// track liveness of a set of BFD peers. It does not open sockets or speak
// any control-plane wire protocol itself — see internal/transport and
// internal/controlplane for the collaborators that do.
package bfdcore

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is the BFD protocol version (RFC 5880 Section 4.1). This
// package implements protocol version 1.
const Version uint8 = 1

// HeaderSize is the BFD Control packet header size in bytes (RFC 5880
// Section 4.1: six 32-bit words).
const HeaderSize = 24

// MaxPacketSize is the largest Control packet this package will marshal
// or accept. Authentication is out of scope, so the header is the whole
// packet; the extra room only guards against a memcpy decoder handing us
// a larger buffer than we asked for.
const MaxPacketSize = 32

const unknownFmt = "Unknown(%d)"

// Diag is the BFD Diagnostic code (RFC 5880 Section 4.1), a 5-bit field.
type Diag uint8

const (
	DiagNone                  Diag = 0
	DiagControlTimeExpired    Diag = 1
	DiagEchoFailed            Diag = 2
	DiagNeighborDown          Diag = 3
	DiagForwardingPlaneReset  Diag = 4
	DiagPathDown              Diag = 5
	DiagConcatPathDown        Diag = 6
	DiagAdminDown             Diag = 7
	DiagReverseConcatPathDown Diag = 8
)

var diagNames = [9]string{
	"None",
	"Control Detection Time Expired",
	"Echo Function Failed",
	"Neighbor Signaled Session Down",
	"Forwarding Plane Reset",
	"Path Down",
	"Concatenated Path Down",
	"Administratively Down",
	"Reverse Concatenated Path Down",
}

func (d Diag) String() string {
	if int(d) < len(diagNames) {
		return diagNames[d]
	}
	return fmt.Sprintf(unknownFmt, uint8(d))
}

// State is the BFD session state (RFC 5880 Section 4.1), a 2-bit field.
type State uint8

const (
	StateAdminDown State = 0
	StateDown      State = 1
	StateInit      State = 2
	StateUp        State = 3
)

var stateNames = [4]string{"AdminDown", "Down", "Init", "Up"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf(unknownFmt, uint8(s))
}

// ControlPacket is a decoded BFD Control packet. Field names match RFC
// 5880 terminology. Interval fields are in microseconds on the wire;
// callers convert to time.Duration at the transport boundary.
type ControlPacket struct {
	Version                   uint8
	Diag                      Diag
	State                     State
	Poll                      bool
	Final                     bool
	ControlPlaneIndependent   bool
	Demand                    bool
	Multipoint                bool
	DetectMult                uint8
	Length                    uint8
	MyDiscriminator           uint32
	YourDiscriminator         uint32
	DesiredMinTxInterval      uint32
	RequiredMinRxInterval     uint32
	RequiredMinEchoRxInterval uint32
}

// Sentinel decode errors, corresponding to the validation steps of RFC
// 5880 Section 6.8.6 minus the authentication-related ones (Non-goal).
var (
	ErrInvalidVersion        = errors.New("bfdcore: invalid BFD version")
	ErrPacketTooShort        = errors.New("bfdcore: packet too short")
	ErrInvalidLength         = errors.New("bfdcore: invalid length field")
	ErrLengthExceedsPayload  = errors.New("bfdcore: length exceeds payload")
	ErrZeroDetectMult        = errors.New("bfdcore: detect multiplier is zero")
	ErrMultipointSet         = errors.New("bfdcore: multipoint bit is set")
	ErrZeroMyDiscriminator   = errors.New("bfdcore: my discriminator is zero")
	ErrZeroYourDiscriminator = errors.New("bfdcore: your discriminator is zero in non-Down state")
	ErrBufTooSmall           = errors.New("bfdcore: buffer too small for BFD control packet")
)

// MarshalControlPacket serializes pkt into buf, which must be at least
// HeaderSize bytes. Returns the number of bytes written.
//
// Wire layout (RFC 5880 Section 4.1):
//
//	Byte 0:      Version(3 bits) | Diag(5 bits)
//	Byte 1:      State(2 bits) | P | F | C | A(always 0) | D | M
//	Byte 2:      Detect Mult
//	Byte 3:      Length
//	Bytes 4-7:   My Discriminator
//	Bytes 8-11:  Your Discriminator
//	Bytes 12-15: Desired Min TX Interval (microseconds)
//	Bytes 16-19: Required Min RX Interval (microseconds)
//	Bytes 20-23: Required Min Echo RX Interval (microseconds)
func MarshalControlPacket(pkt *ControlPacket, buf []byte) (int, error) {
	if len(buf) < HeaderSize {
		return 0, fmt.Errorf("marshal control packet: need %d bytes, got %d: %w",
			HeaderSize, len(buf), ErrBufTooSmall)
	}

	buf[0] = (pkt.Version << 5) | (uint8(pkt.Diag) & 0x1F)

	var flags uint8
	flags = uint8(pkt.State) << 6
	if pkt.Poll {
		flags |= 1 << 5
	}
	if pkt.Final {
		flags |= 1 << 4
	}
	if pkt.ControlPlaneIndependent {
		flags |= 1 << 3
	}
	// bit 5 (A, Authentication Present) is always left clear: this
	// package never sets the auth bit.
	if pkt.Demand {
		flags |= 1 << 1
	}
	if pkt.Multipoint {
		flags |= 1 << 0
	}
	buf[1] = flags

	buf[2] = pkt.DetectMult
	buf[3] = HeaderSize

	binary.BigEndian.PutUint32(buf[4:8], pkt.MyDiscriminator)
	binary.BigEndian.PutUint32(buf[8:12], pkt.YourDiscriminator)
	binary.BigEndian.PutUint32(buf[12:16], pkt.DesiredMinTxInterval)
	binary.BigEndian.PutUint32(buf[16:20], pkt.RequiredMinRxInterval)
	binary.BigEndian.PutUint32(buf[20:24], pkt.RequiredMinEchoRxInterval)

	return HeaderSize, nil
}

// UnmarshalControlPacket decodes a BFD Control packet from buf into pkt.
// buf must hold at least HeaderSize bytes. Validation follows RFC 5880
// Section 6.8.6 steps 1-7 (steps covering the Authentication Section are
// not applicable — this package does not implement authentication).
func UnmarshalControlPacket(buf []byte, pkt *ControlPacket) error {
	if len(buf) < HeaderSize {
		return fmt.Errorf("unmarshal control packet: received %d bytes, minimum %d: %w",
			len(buf), HeaderSize, ErrPacketTooShort)
	}

	pkt.Version = buf[0] >> 5
	pkt.Diag = Diag(buf[0] & 0x1F)

	flags := buf[1]
	pkt.State = State(flags >> 6)
	pkt.Poll = flags&(1<<5) != 0
	pkt.Final = flags&(1<<4) != 0
	pkt.ControlPlaneIndependent = flags&(1<<3) != 0
	authPresent := flags&(1<<2) != 0
	pkt.Demand = flags&(1<<1) != 0
	pkt.Multipoint = flags&(1<<0) != 0

	pkt.DetectMult = buf[2]
	pkt.Length = buf[3]

	if pkt.Version != Version {
		return fmt.Errorf("unmarshal control packet: version %d: %w", pkt.Version, ErrInvalidVersion)
	}
	minLen := uint8(HeaderSize)
	if authPresent {
		// Authentication is not implemented: treat any packet that
		// claims to carry an auth section as malformed input rather
		// than attempt to parse a section we cannot verify.
		return fmt.Errorf("unmarshal control packet: authentication not supported: %w", ErrInvalidLength)
	}
	if pkt.Length < minLen {
		return fmt.Errorf("unmarshal control packet: length %d below minimum %d: %w",
			pkt.Length, minLen, ErrInvalidLength)
	}
	if int(pkt.Length) > len(buf) {
		return fmt.Errorf("unmarshal control packet: length %d exceeds payload %d: %w",
			pkt.Length, len(buf), ErrLengthExceedsPayload)
	}
	if pkt.DetectMult == 0 {
		return fmt.Errorf("unmarshal control packet: %w", ErrZeroDetectMult)
	}
	if pkt.Multipoint {
		return fmt.Errorf("unmarshal control packet: %w", ErrMultipointSet)
	}

	pkt.MyDiscriminator = binary.BigEndian.Uint32(buf[4:8])
	pkt.YourDiscriminator = binary.BigEndian.Uint32(buf[8:12])
	pkt.DesiredMinTxInterval = binary.BigEndian.Uint32(buf[12:16])
	pkt.RequiredMinRxInterval = binary.BigEndian.Uint32(buf[16:20])
	pkt.RequiredMinEchoRxInterval = binary.BigEndian.Uint32(buf[20:24])

	if pkt.MyDiscriminator == 0 {
		return fmt.Errorf("unmarshal control packet: %w", ErrZeroMyDiscriminator)
	}
	if pkt.YourDiscriminator == 0 && pkt.State != StateDown && pkt.State != StateAdminDown {
		return fmt.Errorf("unmarshal control packet: %w", ErrZeroYourDiscriminator)
	}

	return nil
}
