// Package wire defines the fixed 128-byte message header exchanged
// between replicas and clients, and the checksum discipline that makes
// a header trustworthy on its own.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	// HeaderSize is the exact encoded size of a Header. Every message on
	// the wire starts with one; header-only messages are exactly this
	// long.
	HeaderSize = 128

	// SectorSize is the alignment granularity for message buffers so the
	// same memory can later back unbuffered journal writes.
	SectorSize = 4096

	// MessageSizeMax bounds header.Size. Anything larger is a protocol
	// violation.
	MessageSizeMax = 1 << 20

	// VRVersion is the wire protocol version tagged in every header.
	VRVersion = 0

	// ReplicaMax bounds cluster membership.
	ReplicaMax = 32
)

type Command uint8

const (
	CommandReserved Command = iota
	CommandPing
	CommandPong
	CommandRequest
	CommandPrepare
	CommandPrepareOk
	CommandReply
	CommandCommit
	CommandStartViewChange
	CommandDoViewChange
	CommandStartView
	commandCount
)

var commandNames = [...]string{
	"reserved", "ping", "pong", "request", "prepare", "prepare_ok",
	"reply", "commit", "start_view_change", "do_view_change", "start_view",
}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return fmt.Sprintf("command(%d)", uint8(c))
}

// FromClient reports whether a command may only be authored by a client.
func (c Command) FromClient() bool {
	return c == CommandRequest
}

// Operation is the state-machine operation tag carried by request and
// prepare commands.
type Operation uint8

const (
	OperationReserved Operation = iota
	OperationInit
	OperationRegister
)

// U128 is a 128-bit header field: a truncated digest, a client id, or
// a command context. Stored as sixteen raw bytes rather than an integer
// type.
type U128 [16]byte

func (c U128) IsZero() bool { return c == U128{} }

func (c U128) String() string { return hex.EncodeToString(c[:]) }

// ChecksumOf hashes data with SHA3-256 and truncates to 128 bits.
func ChecksumOf(data []byte) U128 {
	sum := sha3.Sum256(data)
	var out U128
	copy(out[:], sum[:16])
	return out
}

// Header is the decoded form of the 128-byte packed wire header.
//
// Field offsets in the encoded form:
//
//	[0..16)    checksum       over encoded bytes [16..128)
//	[16..32)   checksum_body  over the body bytes
//	[32..48)   parent         hash-chain backpointer
//	[48..64)   client         128-bit client id
//	[64..80)   context        command-specific context
//	[80..84)   request        per-client request number
//	[84..88)   cluster        cluster id
//	[88..92)   epoch          must be zero
//	[92..96)   view           sender's view
//	[96..104)  op             op number
//	[104..112) commit         latest committed op
//	[112..120) offset         journal offset
//	[120..124) size           header size + body size
//	[124]      replica        authoring replica index
//	[125]      command
//	[126]      operation
//	[127]      version
type Header struct {
	Checksum     U128
	ChecksumBody U128
	Parent       U128
	Client       U128
	Context      U128
	Request      uint32
	Cluster      uint32
	Epoch        uint32
	View         uint32
	Op           uint64
	Commit       uint64
	Offset       uint64
	Size         uint32
	Replica      uint8
	Command      Command
	Operation    Operation
	Version      uint8
}

// EncodeInto writes the packed form into buf, which must hold at least
// HeaderSize bytes.
func (h *Header) EncodeInto(buf []byte) {
	_ = buf[HeaderSize-1]
	copy(buf[0:16], h.Checksum[:])
	copy(buf[16:32], h.ChecksumBody[:])
	copy(buf[32:48], h.Parent[:])
	copy(buf[48:64], h.Client[:])
	copy(buf[64:80], h.Context[:])
	binary.LittleEndian.PutUint32(buf[80:84], h.Request)
	binary.LittleEndian.PutUint32(buf[84:88], h.Cluster)
	binary.LittleEndian.PutUint32(buf[88:92], h.Epoch)
	binary.LittleEndian.PutUint32(buf[92:96], h.View)
	binary.LittleEndian.PutUint64(buf[96:104], h.Op)
	binary.LittleEndian.PutUint64(buf[104:112], h.Commit)
	binary.LittleEndian.PutUint64(buf[112:120], h.Offset)
	binary.LittleEndian.PutUint32(buf[120:124], h.Size)
	buf[124] = h.Replica
	buf[125] = uint8(h.Command)
	buf[126] = uint8(h.Operation)
	buf[127] = h.Version
}

// Encode returns the packed 128-byte form.
func (h *Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	h.EncodeInto(buf[:])
	return buf
}

// DecodeHeader parses the packed form. buf must hold at least HeaderSize
// bytes.
func DecodeHeader(buf []byte) Header {
	_ = buf[HeaderSize-1]
	var h Header
	copy(h.Checksum[:], buf[0:16])
	copy(h.ChecksumBody[:], buf[16:32])
	copy(h.Parent[:], buf[32:48])
	copy(h.Client[:], buf[48:64])
	copy(h.Context[:], buf[64:80])
	h.Request = binary.LittleEndian.Uint32(buf[80:84])
	h.Cluster = binary.LittleEndian.Uint32(buf[84:88])
	h.Epoch = binary.LittleEndian.Uint32(buf[88:92])
	h.View = binary.LittleEndian.Uint32(buf[92:96])
	h.Op = binary.LittleEndian.Uint64(buf[96:104])
	h.Commit = binary.LittleEndian.Uint64(buf[104:112])
	h.Offset = binary.LittleEndian.Uint64(buf[112:120])
	h.Size = binary.LittleEndian.Uint32(buf[120:124])
	h.Replica = buf[124]
	h.Command = Command(buf[125])
	h.Operation = Operation(buf[126])
	h.Version = buf[127]
	return h
}

// CalculateChecksum hashes the encoded bytes [16..128), i.e. everything
// after the checksum field itself. The body checksum must already be
// stored, since it is covered.
func (h *Header) CalculateChecksum() U128 {
	buf := h.Encode()
	return ChecksumOf(buf[16:])
}

// CalculateChecksumBody hashes the message body.
func (h *Header) CalculateChecksumBody(body []byte) U128 {
	return ChecksumOf(body)
}

// SetChecksumBody stores the body checksum. Call before SetChecksum.
func (h *Header) SetChecksumBody(body []byte) {
	h.ChecksumBody = h.CalculateChecksumBody(body)
}

// SetChecksum seals the header. The body checksum field is covered, so
// ordering matters: body first, header second.
func (h *Header) SetChecksum() {
	h.Checksum = h.CalculateChecksum()
}

func (h *Header) ValidChecksum() bool {
	return h.Checksum == h.CalculateChecksum()
}

func (h *Header) ValidChecksumBody(body []byte) bool {
	return h.ChecksumBody == h.CalculateChecksumBody(body)
}

// Invalid returns a reason the header violates the protocol, or "" when
// it is well formed. Checksums are not covered here; callers verify
// those against the raw bytes separately.
func (h *Header) Invalid() string {
	if h.Size < HeaderSize {
		return "size too small"
	}
	if h.Size > MessageSizeMax {
		return "size too large"
	}
	if h.Epoch != 0 {
		return "epoch != 0"
	}
	if h.Version != VRVersion {
		return "version mismatch"
	}
	if h.Command >= commandCount {
		return "unknown command"
	}
	switch h.Command {
	case CommandReserved:
		return h.invalidReserved()
	case CommandRequest:
		return h.invalidRequest()
	case CommandPrepare:
		return h.invalidPrepare()
	case CommandPrepareOk:
		return h.invalidPrepareOk()
	case CommandPing, CommandPong:
		return h.invalidPing()
	case CommandReply:
		return h.invalidReply()
	case CommandCommit:
		return h.invalidCommit()
	case CommandStartViewChange:
		return h.invalidStartViewChange()
	case CommandDoViewChange, CommandStartView:
		return h.invalidViewChange()
	}
	return ""
}

func (h *Header) invalidReserved() string {
	switch {
	case !h.Parent.IsZero():
		return "reserved: parent != 0"
	case !h.Client.IsZero():
		return "reserved: client != 0"
	case !h.Context.IsZero():
		return "reserved: context != 0"
	case h.Request != 0:
		return "reserved: request != 0"
	case h.View != 0:
		return "reserved: view != 0"
	case h.Op != 0 || h.Commit != 0 || h.Offset != 0:
		return "reserved: op/commit/offset != 0"
	case h.Replica != 0:
		return "reserved: replica != 0"
	case h.Operation != OperationReserved:
		return "reserved: operation != reserved"
	}
	return ""
}

func (h *Header) invalidRequest() string {
	switch {
	case h.Client.IsZero():
		return "request: client == 0"
	case !h.Parent.IsZero():
		return "request: parent != 0"
	case h.Op != 0 || h.Commit != 0 || h.Offset != 0:
		return "request: op/commit/offset != 0"
	case h.Replica != 0:
		return "request: replica != 0"
	}
	if h.Operation == OperationRegister {
		if !h.Context.IsZero() {
			return "request: register with context != 0"
		}
		if h.Request != 0 {
			return "request: register with request != 0"
		}
	} else {
		if h.Context.IsZero() {
			return "request: context == 0"
		}
		if h.Request == 0 {
			return "request: request == 0"
		}
	}
	return ""
}

func (h *Header) invalidPrepare() string {
	if h.Operation == OperationInit {
		switch {
		case !h.Parent.IsZero():
			return "prepare: init with parent != 0"
		case !h.Client.IsZero():
			return "prepare: init with client != 0"
		case !h.Context.IsZero():
			return "prepare: init with context != 0"
		case h.Request != 0:
			return "prepare: init with request != 0"
		case h.View != 0:
			return "prepare: init with view != 0"
		case h.Op != 0 || h.Commit != 0 || h.Offset != 0:
			return "prepare: init with op/commit/offset != 0"
		}
		return ""
	}
	switch {
	case h.Operation == OperationReserved:
		return "prepare: operation == reserved"
	case h.Client.IsZero():
		return "prepare: client == 0"
	case h.Op == 0:
		return "prepare: op == 0"
	case h.Op <= h.Commit:
		return "prepare: op <= commit"
	case h.Operation != OperationRegister && h.Request == 0:
		return "prepare: request == 0"
	}
	return ""
}

func (h *Header) invalidPrepareOk() string {
	// A prepare_ok echoes the prepare it acknowledges, so the same field
	// constraints apply.
	return h.invalidPrepare()
}

func (h *Header) invalidPing() string {
	switch {
	case !h.Client.IsZero():
		return "ping: client != 0"
	case h.Request != 0:
		return "ping: request != 0"
	case h.Op != 0 || h.Offset != 0:
		return "ping: op/offset != 0"
	case h.Operation != OperationReserved:
		return "ping: operation != reserved"
	}
	return ""
}

func (h *Header) invalidReply() string {
	switch {
	case h.Client.IsZero():
		return "reply: client == 0"
	case h.Request == 0 && h.Operation != OperationRegister:
		return "reply: request == 0"
	case h.Offset != 0:
		return "reply: offset != 0"
	}
	return ""
}

func (h *Header) invalidCommit() string {
	switch {
	case !h.Client.IsZero():
		return "commit: client != 0"
	case h.Request != 0:
		return "commit: request != 0"
	case h.Op != 0:
		return "commit: op != 0"
	case h.Offset != 0:
		return "commit: offset != 0"
	case h.Operation != OperationReserved:
		return "commit: operation != reserved"
	}
	return ""
}

func (h *Header) invalidStartViewChange() string {
	switch {
	case !h.Client.IsZero():
		return "start_view_change: client != 0"
	case h.Request != 0:
		return "start_view_change: request != 0"
	case h.Op != 0 || h.Commit != 0 || h.Offset != 0:
		return "start_view_change: op/commit/offset != 0"
	case h.Operation != OperationReserved:
		return "start_view_change: operation != reserved"
	}
	return ""
}

func (h *Header) invalidViewChange() string {
	switch {
	case !h.Client.IsZero():
		return "view_change: client != 0"
	case h.Request != 0:
		return "view_change: request != 0"
	case h.Offset != 0:
		return "view_change: offset != 0"
	case h.Operation != OperationReserved:
		return "view_change: operation != reserved"
	}
	return ""
}
