package nbd

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var (
	// ErrUnsupported indicates the server does not speak fixed newstyle.
	ErrUnsupported = errors.New("nbd: unsupported server")

	// ErrExport indicates the server refused the requested export.
	ErrExport = errors.New("nbd: export not available")

	// ErrClosed indicates use of a closed or broken client.
	ErrClosed = errors.New("nbd: client closed")

	// ErrProtocol indicates a malformed message from the server.
	ErrProtocol = errors.New("nbd: protocol error")
)

// CommandError is an error returned by the server for one request.
type CommandError struct {
	Command string
	Errno   uint32
	Message string
}

func (e *CommandError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("nbd %s failed: errno %d: %s", e.Command, e.Errno, e.Message)
	}
	return fmt.Sprintf("nbd %s failed: errno %d", e.Command, e.Errno)
}

// Options configures a client.
type Options struct {
	// ExportName selects the export. Empty selects the default export.
	ExportName string

	// Timeout bounds the handshake and every request. Zero disables it.
	Timeout time.Duration

	// DisableStructuredReplies skips NBD_OPT_STRUCTURED_REPLY negotiation.
	DisableStructuredReplies bool
}

// Extent is one block status descriptor translated to absolute offsets.
type Extent struct {
	Offset int64
	Length int64
	Flags  uint32
}

// Zero reports whether the range reads as zeroes.
func (e Extent) Zero() bool { return e.Flags&StateZero != 0 }

// Hole reports whether the range is unallocated.
func (e Extent) Hole() bool { return e.Flags&StateHole != 0 }

// Client is a connection to one NBD export.
//
// Requests are serialized: the mutex covers sending a request and reading
// all of its reply chunks, so commands never interleave on the wire.
type Client struct {
	conn    net.Conn
	r       *bufio.Reader
	opts    Options
	size    int64
	flags   uint16
	structd bool
	metaID  uint32
	hasMeta bool

	mu     sync.Mutex
	cookie uint64
	broken error
}

// Dial connects to network/address ("tcp" or "unix") and negotiates the
// export.
func Dial(ctx context.Context, network, address string, opts Options) (*Client, error) {
	var d net.Dialer
	if opts.Timeout > 0 {
		d.Timeout = opts.Timeout
	}
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(conn, opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient negotiates over an established connection. The client owns conn.
func NewClient(conn net.Conn, opts Options) (*Client, error) {
	c := &Client{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64<<10),
		opts: opts,
	}
	c.setDeadline()
	if err := c.handshake(); err != nil {
		return nil, err
	}
	_ = c.conn.SetDeadline(time.Time{})
	return c, nil
}

func (c *Client) setDeadline() {
	if c.opts.Timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.opts.Timeout))
	}
}

// Size returns the export size.
func (c *Client) Size() int64 { return c.size }

// Flags returns the transmission flags announced by the server.
func (c *Client) Flags() uint16 { return c.flags }

// ReadOnly reports whether the export rejects writes.
func (c *Client) ReadOnly() bool { return c.flags&FlagReadOnly != 0 }

// CanFlush reports whether the server accepts NBD_CMD_FLUSH.
func (c *Client) CanFlush() bool { return c.flags&FlagSendFlush != 0 }

// CanZero reports whether the server accepts NBD_CMD_WRITE_ZEROES.
func (c *Client) CanZero() bool { return c.flags&FlagSendWriteZeroes != 0 }

// CanMultiConn reports whether the export is safe to use from several
// connections at once.
func (c *Client) CanMultiConn() bool { return c.flags&FlagCanMultiConn != 0 }

// StructuredReplies reports whether structured replies were negotiated.
func (c *Client) StructuredReplies() bool { return c.structd }

// HasBlockStatus reports whether base:allocation was negotiated.
func (c *Client) HasBlockStatus() bool { return c.hasMeta }

// ============================================================================
// Negotiation
// ============================================================================

func (c *Client) handshake() error {
	var hdr newstyleHeader
	if err := binary.Read(c.r, binary.BigEndian, &hdr.Magic); err != nil {
		return fmt.Errorf("nbd: read greeting: %w", err)
	}
	if hdr.Magic != nbdMagic {
		return fmt.Errorf("%w: bad magic %#x", ErrProtocol, hdr.Magic)
	}
	if err := binary.Read(c.r, binary.BigEndian, &hdr.OptsMagic); err != nil {
		return fmt.Errorf("nbd: read greeting: %w", err)
	}
	if hdr.OptsMagic == cliservMagic {
		return fmt.Errorf("%w: oldstyle negotiation", ErrUnsupported)
	}
	if hdr.OptsMagic != optsMagic {
		return fmt.Errorf("%w: bad option magic %#x", ErrProtocol, hdr.OptsMagic)
	}
	if err := binary.Read(c.r, binary.BigEndian, &hdr.Flags); err != nil {
		return fmt.Errorf("nbd: read handshake flags: %w", err)
	}
	if hdr.Flags&flagFixedNewstyle == 0 {
		return fmt.Errorf("%w: server is not fixed newstyle", ErrUnsupported)
	}

	clientFlags := uint32(flagFixedNewstyle)
	if hdr.Flags&flagNoZeroes != 0 {
		clientFlags |= flagNoZeroes
	}
	if err := binary.Write(c.conn, binary.BigEndian, clientFlags); err != nil {
		return fmt.Errorf("nbd: send client flags: %w", err)
	}

	if !c.opts.DisableStructuredReplies {
		ok, err := c.negotiateStructuredReplies()
		if err != nil {
			return err
		}
		c.structd = ok
		if ok {
			if err := c.negotiateMetaContext(); err != nil {
				return err
			}
		}
	}

	return c.negotiateGo()
}

func (c *Client) sendOption(option uint32, data []byte) error {
	hdr := optionHeader{Magic: optsMagic, Option: option, Length: uint32(len(data))}
	buf := make([]byte, 0, 16+len(data))
	buf, _ = binary.Append(buf, binary.BigEndian, hdr)
	buf = append(buf, data...)
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("nbd: send option %d: %w", option, err)
	}
	return nil
}

func (c *Client) readOptionReply(option uint32) (optionReply, []byte, error) {
	var rep optionReply
	if err := binary.Read(c.r, binary.BigEndian, &rep); err != nil {
		return rep, nil, fmt.Errorf("nbd: read option reply: %w", err)
	}
	if rep.Magic != repMagic {
		return rep, nil, fmt.Errorf("%w: bad option reply magic %#x", ErrProtocol, rep.Magic)
	}
	if rep.Option != option {
		return rep, nil, fmt.Errorf("%w: reply for option %d, expected %d", ErrProtocol, rep.Option, option)
	}
	if rep.Length > 1<<20 {
		return rep, nil, fmt.Errorf("%w: option reply too large (%d)", ErrProtocol, rep.Length)
	}
	data := make([]byte, rep.Length)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return rep, nil, fmt.Errorf("nbd: read option reply data: %w", err)
	}
	return rep, data, nil
}

func (c *Client) negotiateStructuredReplies() (bool, error) {
	if err := c.sendOption(optStructuredReply, nil); err != nil {
		return false, err
	}
	rep, _, err := c.readOptionReply(optStructuredReply)
	if err != nil {
		return false, err
	}
	return rep.Type == repAck, nil
}

func (c *Client) negotiateMetaContext() error {
	query := BaseAllocation
	data := binary.BigEndian.AppendUint32(nil, uint32(len(c.opts.ExportName)))
	data = append(data, c.opts.ExportName...)
	data = binary.BigEndian.AppendUint32(data, 1)
	data = binary.BigEndian.AppendUint32(data, uint32(len(query)))
	data = append(data, query...)

	if err := c.sendOption(optSetMetaContext, data); err != nil {
		return err
	}
	for {
		rep, payload, err := c.readOptionReply(optSetMetaContext)
		if err != nil {
			return err
		}
		switch {
		case rep.Type == repMetaContext:
			if len(payload) < 4 {
				return fmt.Errorf("%w: short meta context reply", ErrProtocol)
			}
			if string(payload[4:]) == query {
				c.metaID = binary.BigEndian.Uint32(payload[:4])
				c.hasMeta = true
			}
		case rep.Type == repAck:
			return nil
		case rep.Type&repFlagError != 0:
			// Servers without block status answer with an error; not fatal.
			return nil
		}
	}
}

func (c *Client) negotiateGo() error {
	data := binary.BigEndian.AppendUint32(nil, uint32(len(c.opts.ExportName)))
	data = append(data, c.opts.ExportName...)
	data = binary.BigEndian.AppendUint16(data, 0)

	if err := c.sendOption(optGo, data); err != nil {
		return err
	}

	haveSize := false
	for {
		rep, payload, err := c.readOptionReply(optGo)
		if err != nil {
			return err
		}
		switch {
		case rep.Type == repInfo:
			if len(payload) >= 12 && binary.BigEndian.Uint16(payload[:2]) == infoExport {
				c.size = int64(binary.BigEndian.Uint64(payload[2:10]))
				c.flags = binary.BigEndian.Uint16(payload[10:12])
				haveSize = true
			}
		case rep.Type == repAck:
			if !haveSize {
				return fmt.Errorf("%w: server did not send export info", ErrProtocol)
			}
			return nil
		case rep.Type&repFlagError != 0:
			msg := string(payload)
			if msg == "" {
				msg = fmt.Sprintf("reply type %#x", rep.Type)
			}
			return fmt.Errorf("%w: %q: %s", ErrExport, c.opts.ExportName, msg)
		}
	}
}

// ============================================================================
// Transmission
// ============================================================================

// call sends one request and consumes its reply. For reads, data lands in
// buf; for block status, onStatus receives every descriptor batch.
func (c *Client) call(name string, cmd, flags uint16, off int64, length uint32, payload, buf []byte, onStatus func(off int64, d []blockDescriptor)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return c.broken
	}

	c.cookie++
	req := request{
		Magic:  requestMagic,
		Flags:  flags,
		Type:   cmd,
		Cookie: c.cookie,
		Offset: uint64(off),
		Length: length,
	}

	c.setDeadline()
	defer func() { _ = c.conn.SetDeadline(time.Time{}) }()

	head, _ := binary.Append(make([]byte, 0, 28), binary.BigEndian, req)
	if len(payload) > 0 && len(payload) <= 64<<10 {
		head = append(head, payload...)
		payload = nil
	}
	if _, err := c.conn.Write(head); err != nil {
		return c.fail(err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return c.fail(err)
		}
	}

	return c.readReply(name, req, buf, onStatus)
}

// fail marks the client unusable after a transport error.
func (c *Client) fail(err error) error {
	c.broken = fmt.Errorf("%w: %v", ErrClosed, err)
	_ = c.conn.Close()
	return c.broken
}

func (c *Client) readReply(name string, req request, buf []byte, onStatus func(int64, []blockDescriptor)) error {
	var cmdErr error
	for {
		var magic uint32
		if err := binary.Read(c.r, binary.BigEndian, &magic); err != nil {
			return c.fail(err)
		}

		switch magic {
		case simpleReplyMagic:
			var rest struct {
				Error  uint32
				Cookie uint64
			}
			if err := binary.Read(c.r, binary.BigEndian, &rest); err != nil {
				return c.fail(err)
			}
			if rest.Cookie != req.Cookie {
				return c.fail(fmt.Errorf("%w: cookie %d, expected %d", ErrProtocol, rest.Cookie, req.Cookie))
			}
			if rest.Error != 0 {
				return &CommandError{Command: name, Errno: rest.Error}
			}
			if req.Type == cmdRead {
				if _, err := io.ReadFull(c.r, buf[:req.Length]); err != nil {
					return c.fail(err)
				}
			}
			return nil

		case structuredReplyMagic:
			var hdr structuredReply
			if err := binary.Read(c.r, binary.BigEndian, &hdr); err != nil {
				return c.fail(err)
			}
			if hdr.Cookie != req.Cookie {
				return c.fail(fmt.Errorf("%w: cookie %d, expected %d", ErrProtocol, hdr.Cookie, req.Cookie))
			}
			if err := c.readChunk(name, req, hdr, buf, onStatus, &cmdErr); err != nil {
				return err
			}
			if hdr.Flags&replyFlagDone != 0 {
				return cmdErr
			}

		default:
			return c.fail(fmt.Errorf("%w: bad reply magic %#x", ErrProtocol, magic))
		}
	}
}

func (c *Client) readChunk(name string, req request, hdr structuredReply, buf []byte, onStatus func(int64, []blockDescriptor), cmdErr *error) error {
	switch hdr.Type {
	case replyTypeNone:
		if hdr.Length != 0 {
			return c.fail(fmt.Errorf("%w: NONE chunk with payload", ErrProtocol))
		}
		return nil

	case replyTypeOffsetData:
		if hdr.Length < 8 || req.Type != cmdRead {
			return c.fail(fmt.Errorf("%w: unexpected OFFSET_DATA chunk", ErrProtocol))
		}
		var off uint64
		if err := binary.Read(c.r, binary.BigEndian, &off); err != nil {
			return c.fail(err)
		}
		n := uint64(hdr.Length - 8)
		if off < req.Offset || off+n > req.Offset+uint64(req.Length) {
			return c.fail(fmt.Errorf("%w: OFFSET_DATA outside request", ErrProtocol))
		}
		start := off - req.Offset
		if _, err := io.ReadFull(c.r, buf[start:start+n]); err != nil {
			return c.fail(err)
		}
		return nil

	case replyTypeOffsetHole:
		var hole struct {
			Offset uint64
			Size   uint32
		}
		if hdr.Length != 12 || req.Type != cmdRead {
			return c.fail(fmt.Errorf("%w: unexpected OFFSET_HOLE chunk", ErrProtocol))
		}
		if err := binary.Read(c.r, binary.BigEndian, &hole); err != nil {
			return c.fail(err)
		}
		if hole.Offset < req.Offset || hole.Offset+uint64(hole.Size) > req.Offset+uint64(req.Length) {
			return c.fail(fmt.Errorf("%w: OFFSET_HOLE outside request", ErrProtocol))
		}
		start := hole.Offset - req.Offset
		clear(buf[start : start+uint64(hole.Size)])
		return nil

	case replyTypeBlockStatus:
		if hdr.Length < 4 || (hdr.Length-4)%8 != 0 || req.Type != cmdBlockStatus {
			return c.fail(fmt.Errorf("%w: unexpected BLOCK_STATUS chunk", ErrProtocol))
		}
		var id uint32
		if err := binary.Read(c.r, binary.BigEndian, &id); err != nil {
			return c.fail(err)
		}
		descs := make([]blockDescriptor, (hdr.Length-4)/8)
		if err := binary.Read(c.r, binary.BigEndian, descs); err != nil {
			return c.fail(err)
		}
		if id == c.metaID && onStatus != nil {
			onStatus(int64(req.Offset), descs)
		}
		return nil

	case replyTypeError, replyTypeErrorOffset:
		if hdr.Length < 6 {
			return c.fail(fmt.Errorf("%w: short error chunk", ErrProtocol))
		}
		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(c.r, payload); err != nil {
			return c.fail(err)
		}
		errno := binary.BigEndian.Uint32(payload[:4])
		msgLen := int(binary.BigEndian.Uint16(payload[4:6]))
		msg := ""
		if 6+msgLen <= len(payload) {
			msg = string(payload[6 : 6+msgLen])
		}
		if *cmdErr == nil {
			*cmdErr = &CommandError{Command: name, Errno: errno, Message: msg}
		}
		return nil

	default:
		// Unknown chunk types must be skipped.
		if _, err := io.CopyN(io.Discard, c.r, int64(hdr.Length)); err != nil {
			return c.fail(err)
		}
		if hdr.Type&(1<<15) != 0 && *cmdErr == nil {
			*cmdErr = &CommandError{Command: name, Errno: errIO, Message: "unknown error chunk"}
		}
		return nil
	}
}

// ReadAt fills p from off, splitting large reads.
func (c *Client) ReadAt(p []byte, off int64) error {
	for len(p) > 0 {
		n := min(len(p), MaxRequestSize)
		if err := c.call("read", cmdRead, 0, off, uint32(n), nil, p[:n], nil); err != nil {
			return err
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}

// WriteAt writes p at off, splitting large writes.
func (c *Client) WriteAt(p []byte, off int64) error {
	for len(p) > 0 {
		n := min(len(p), MaxRequestSize)
		if err := c.call("write", cmdWrite, 0, off, uint32(n), p[:n], nil, nil); err != nil {
			return err
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}

// Zero issues WRITE_ZEROES over [off, off+length). Unless punch is set the
// server is asked to keep the range allocated.
func (c *Client) Zero(off, length int64, punch bool) error {
	var flags uint16
	if !punch {
		flags |= cmdFlagNoHole
	}
	for length > 0 {
		n := min(length, maxZeroRequest)
		if err := c.call("write_zeroes", cmdWriteZeroes, flags, off, uint32(n), nil, nil, nil); err != nil {
			return err
		}
		off += n
		length -= n
	}
	return nil
}

// Flush issues NBD_CMD_FLUSH.
func (c *Client) Flush() error {
	return c.call("flush", cmdFlush, 0, 0, 0, nil, nil, nil)
}

// BlockStatus queries base:allocation for [off, off+length). The server may
// describe less than requested; callers loop from the end of the last extent.
func (c *Client) BlockStatus(off, length int64) ([]Extent, error) {
	if !c.hasMeta {
		return nil, fmt.Errorf("%w: block status not negotiated", ErrUnsupported)
	}
	length = min(length, maxZeroRequest)

	var extents []Extent
	err := c.call("block_status", cmdBlockStatus, 0, off, uint32(length), nil, nil, func(start int64, descs []blockDescriptor) {
		pos := start
		for _, d := range descs {
			if d.Length == 0 {
				continue
			}
			extents = append(extents, Extent{Offset: pos, Length: int64(d.Length), Flags: d.Flags})
			pos += int64(d.Length)
		}
	})
	if err != nil {
		return nil, err
	}
	if len(extents) == 0 {
		return nil, fmt.Errorf("%w: empty block status reply", ErrProtocol)
	}
	return extents, nil
}

// Close sends NBD_CMD_DISC and closes the connection. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil
	}
	c.broken = ErrClosed

	c.cookie++
	req := request{Magic: requestMagic, Type: cmdDisc, Cookie: c.cookie}
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = binary.Write(c.conn, binary.BigEndian, req)
	return c.conn.Close()
}
