package types

const (
	// PageSize is the translation granularity of the host memory services.
	// A memory region may not span more than one page.
	PageSize = 4096

	// MaxMRs is the system-wide memory region table capacity.
	MaxMRs = 64

	// MaxQPs is the system-wide queue pair table capacity.
	MaxQPs = 16

	DefaultSQSize = 64
	DefaultCQSize = 64

	// MaxPendingAcks is the per-QP capacity of the table tracking
	// transmitted, signaled writes that still await an ACK.
	MaxPendingAcks = 64
)

// Memory region access flags.
const (
	AccessLocalRead   = 0x01
	AccessLocalWrite  = 0x02
	AccessRemoteRead  = 0x04
	AccessRemoteWrite = 0x08
)

// Work request opcodes. Only OpWrite has an execution path; the others are
// reserved on the wire and rejected when posted.
const (
	OpWrite    uint8 = 0x01
	OpRead     uint8 = 0x02
	OpSend     uint8 = 0x03
	OpReadResp uint8 = 0x04
)

// Work request flags.
const (
	WRSignaled uint8 = 1 << 0
)

// Completion status codes.
const (
	StatusSuccess              uint8 = 0x00
	StatusLocalProtectionError uint8 = 0x01
	StatusRemoteAccessError    uint8 = 0x02
	StatusLocalLengthError     uint8 = 0x03
	StatusRemoteInvalidRequest uint8 = 0x04
)

// QPState tracks the queue pair connection lifecycle.
type QPState int

const (
	StateReset QPState = iota
	StateInit
	StateRTR
	StateRTS
	StateError
)

func (s QPState) String() string {
	switch s {
	case StateReset:
		return "RESET"
	case StateInit:
		return "INIT"
	case StateRTR:
		return "RTR"
	case StateRTS:
		return "RTS"
	case StateError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// WorkRequest describes one transfer. It is copied into the send queue on
// post; once there, LocalOffset holds the absolute physical source address
// so later stages never need to dereference the source MR again.
type WorkRequest struct {
	WRID        uint64
	Opcode      uint8
	Flags       uint8
	LocalMRID   uint32
	LocalOffset uint64
	RemoteMRID  uint32
	RemoteAddr  uint64
	RemoteKey   uint32
	Length      uint32
}

// Completion reports the outcome of one work request.
type Completion struct {
	WRID    uint64
	ByteLen uint32
	Status  uint8
	Opcode  uint8
}

// Record footprints used to bound ring sizes to one page of storage.
// These match the packed on-ring layout of the records.
const (
	WorkRequestBytes = 44
	CompletionBytes  = 16

	MaxSQEntries = PageSize / WorkRequestBytes
	MaxCQEntries = PageSize / CompletionBytes
)

func StatusString(status uint8) string {
	switch status {
	case StatusSuccess:
		return "success"
	case StatusLocalProtectionError:
		return "local protection error"
	case StatusRemoteAccessError:
		return "remote access error"
	case StatusLocalLengthError:
		return "local length error"
	case StatusRemoteInvalidRequest:
		return "remote invalid request"
	}
	return "unknown"
}
