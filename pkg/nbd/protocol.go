// Package nbd implements the client side of the Network Block Device
// protocol: fixed newstyle negotiation with NBD_OPT_GO, structured replies and
// the base:allocation meta context for block status.
//
// The wire format follows the NBD protocol document (proto.md). All integers
// are big endian.
package nbd

// Magic numbers
const (
	nbdMagic             = 0x4e42444d41474943 // "NBDMAGIC"
	optsMagic            = 0x49484156454f5054 // "IHAVEOPT"
	cliservMagic         = 0x00420281861253   // oldstyle negotiation
	repMagic             = 0x3e889045565a9
	requestMagic         = 0x25609513
	simpleReplyMagic     = 0x67446698
	structuredReplyMagic = 0x668e33ef
)

// Handshake flags (server) and client flags.
const (
	flagFixedNewstyle = 1 << 0
	flagNoZeroes      = 1 << 1
)

// Options
const (
	optExportName      = 1
	optAbort           = 2
	optList            = 3
	optStartTLS        = 5
	optInfo            = 6
	optGo              = 7
	optStructuredReply = 8
	optListMetaContext = 9
	optSetMetaContext  = 10
)

// Option reply types
const (
	repAck         = uint32(1)
	repServer      = uint32(2)
	repInfo        = uint32(3)
	repMetaContext = uint32(4)
	repFlagError   = uint32(1 << 31)
	repErrUnsup    = 1 | repFlagError
	repErrPolicy   = 2 | repFlagError
	repErrInvalid  = 3 | repFlagError
	repErrPlatform = 4 | repFlagError
	repErrTLSReqd  = 5 | repFlagError
	repErrUnknown  = 6 | repFlagError
	repErrShutdown = 7 | repFlagError
)

// Info types
const (
	infoExport    = 0
	infoName      = 1
	infoBlockSize = 3
)

// Transmission flags
const (
	FlagHasFlags        = uint16(1 << 0)
	FlagReadOnly        = uint16(1 << 1)
	FlagSendFlush       = uint16(1 << 2)
	FlagSendFUA         = uint16(1 << 3)
	FlagRotational      = uint16(1 << 4)
	FlagSendTrim        = uint16(1 << 5)
	FlagSendWriteZeroes = uint16(1 << 6)
	FlagSendDF          = uint16(1 << 7)
	FlagCanMultiConn    = uint16(1 << 8)
)

// Commands
const (
	cmdRead        = uint16(0)
	cmdWrite       = uint16(1)
	cmdDisc        = uint16(2)
	cmdFlush       = uint16(3)
	cmdTrim        = uint16(4)
	cmdCache       = uint16(5)
	cmdWriteZeroes = uint16(6)
	cmdBlockStatus = uint16(7)
)

// Command flags
const (
	cmdFlagFUA    = uint16(1 << 0)
	cmdFlagNoHole = uint16(1 << 1)
	cmdFlagDF     = uint16(1 << 2)
	cmdFlagReqOne = uint16(1 << 3)
)

// Structured reply flags and types
const (
	replyFlagDone = uint16(1 << 0)

	replyTypeNone        = uint16(0)
	replyTypeOffsetData  = uint16(1)
	replyTypeOffsetHole  = uint16(2)
	replyTypeBlockStatus = uint16(5)
	replyTypeError       = uint16(1<<15 + 1)
	replyTypeErrorOffset = uint16(1<<15 + 2)
)

// base:allocation status flags
const (
	StateHole = uint32(1 << 0)
	StateZero = uint32(1 << 1)
)

// BaseAllocation is the meta context describing sparseness.
const BaseAllocation = "base:allocation"

// Error values carried in replies (errno numbering).
const (
	errPerm     = 1
	errIO       = 5
	errNoMem    = 12
	errInval    = 22
	errNoSpc    = 28
	errOverflow = 75
	errNotSup   = 95
	errShutdown = 108
)

// MaxRequestSize bounds the payload of a single read or write request.
const MaxRequestSize = 32 << 20

// maxZeroRequest bounds the length of a single WRITE_ZEROES request.
const maxZeroRequest = 1 << 30

type newstyleHeader struct {
	Magic     uint64
	OptsMagic uint64
	Flags     uint16
}

type optionHeader struct {
	Magic  uint64
	Option uint32
	Length uint32
}

type optionReply struct {
	Magic  uint64
	Option uint32
	Type   uint32
	Length uint32
}

type request struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Cookie uint64
	Offset uint64
	Length uint32
}

type simpleReply struct {
	Magic  uint32
	Error  uint32
	Cookie uint64
}

// structuredReply is the header after the magic of a structured reply chunk.
type structuredReply struct {
	Flags  uint16
	Type   uint16
	Cookie uint64
	Length uint32
}

type blockDescriptor struct {
	Length uint32
	Flags  uint32
}
