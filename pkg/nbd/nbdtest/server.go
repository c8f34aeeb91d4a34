// Package nbdtest provides an in-memory NBD server for tests.
//
// The server implements enough of the fixed newstyle protocol for the
// client in package nbd: NBD_OPT_GO/INFO, structured replies, the
// base:allocation meta context and the READ, WRITE, FLUSH, WRITE_ZEROES,
// BLOCK_STATUS and DISC commands. Allocation is tracked per 4 KiB block.
package nbdtest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
)

// BlockSize is the allocation granularity reported by block status.
const BlockSize = 4096

const (
	nbdMagic             = 0x4e42444d41474943
	optsMagic            = 0x49484156454f5054
	repMagic             = 0x3e889045565a9
	requestMagic         = 0x25609513
	simpleReplyMagic     = 0x67446698
	structuredReplyMagic = 0x668e33ef

	optAbort           = 2
	optInfo            = 6
	optGo              = 7
	optStructuredReply = 8
	optSetMetaContext  = 10

	repAck         = 1
	repInfo        = 3
	repMetaContext = 4
	repErrUnsup    = 1<<31 | 1
	repErrUnknown  = 1<<31 | 6

	cmdFlagNoHole = 1 << 1

	replyDone        = 1
	replyOffsetData  = 1
	replyBlockStatus = 5
	replyError       = 1<<15 + 1

	stateHole = 1
	stateZero = 2

	metaContextID = 1

	errPerm   = 1
	errInval  = 22
	errNotSup = 95
)

// Commands accepted by FailCommand and Commands.
const (
	CmdRead        = uint16(0)
	CmdWrite       = uint16(1)
	CmdDisc        = uint16(2)
	CmdFlush       = uint16(3)
	CmdWriteZeroes = uint16(6)
	CmdBlockStatus = uint16(7)
)

// Config describes the export served by a Server.
type Config struct {
	Export   string
	Size     int64
	ReadOnly bool

	// NoStructuredReplies refuses NBD_OPT_STRUCTURED_REPLY.
	NoStructuredReplies bool

	// NoBlockStatus refuses the base:allocation meta context.
	NoBlockStatus bool
}

// Server is an in-memory NBD server listening on a loopback TCP port.
type Server struct {
	cfg Config
	ln  net.Listener
	wg  sync.WaitGroup

	mu        sync.Mutex
	data      []byte
	allocated []bool
	failures  map[uint16]uint32
	commands  map[uint16]int
	conns     map[net.Conn]struct{}
	closed    bool
}

// Start starts a server and registers its shutdown with t.Cleanup.
func Start(t testing.TB, cfg Config) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("nbdtest: listen: %v", err)
	}
	s := &Server{
		cfg:       cfg,
		ln:        ln,
		data:      make([]byte, cfg.Size),
		allocated: make([]bool, (cfg.Size+BlockSize-1)/BlockSize),
		failures:  make(map[uint16]uint32),
		commands:  make(map[uint16]int),
		conns:     make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Addr returns the listener address as host:port.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// URL returns an nbd:// URL for the export.
func (s *Server) URL() string { return "nbd://" + s.Addr() + "/" + s.cfg.Export }

// Bytes returns a copy of the export contents.
func (s *Server) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.data)
}

// Allocated reports whether the block containing off holds data.
func (s *Server) Allocated(off int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocated[off/BlockSize]
}

// Fill writes p at off directly, bypassing the protocol.
func (s *Server) Fill(p []byte, off int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write(p, off)
}

// FailCommand makes every subsequent command of type cmd fail with errno.
// An errno of zero clears the failure.
func (s *Server) FailCommand(cmd uint16, errno uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errno == 0 {
		delete(s.failures, cmd)
		return
	}
	s.failures[cmd] = errno
}

// Commands returns how many commands of type cmd were received.
func (s *Server) Commands(cmd uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commands[cmd]
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			_ = s.handle(conn)
		}()
	}
}

type session struct {
	conn       net.Conn
	structured bool
	meta       bool
}

var errAbort = errors.New("nbdtest: client aborted")

func (s *Server) handle(conn net.Conn) error {
	ss := &session{conn: conn}

	greeting := binary.BigEndian.AppendUint64(nil, nbdMagic)
	greeting = binary.BigEndian.AppendUint64(greeting, optsMagic)
	greeting = binary.BigEndian.AppendUint16(greeting, 1|2)
	if _, err := conn.Write(greeting); err != nil {
		return err
	}
	var clientFlags uint32
	if err := binary.Read(conn, binary.BigEndian, &clientFlags); err != nil {
		return err
	}

	for {
		done, err := s.option(ss)
		if err != nil {
			return err
		}
		if done {
			break
		}
	}
	return s.transmission(ss)
}

func (ss *session) optReply(option, typ uint32, data []byte) error {
	buf := binary.BigEndian.AppendUint64(nil, repMagic)
	buf = binary.BigEndian.AppendUint32(buf, option)
	buf = binary.BigEndian.AppendUint32(buf, typ)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = append(buf, data...)
	_, err := ss.conn.Write(buf)
	return err
}

// option handles one option and reports whether transmission starts.
func (s *Server) option(ss *session) (bool, error) {
	var hdr struct {
		Magic  uint64
		Option uint32
		Length uint32
	}
	if err := binary.Read(ss.conn, binary.BigEndian, &hdr); err != nil {
		return false, err
	}
	data := make([]byte, hdr.Length)
	if _, err := io.ReadFull(ss.conn, data); err != nil {
		return false, err
	}

	switch hdr.Option {
	case optAbort:
		_ = ss.optReply(hdr.Option, repAck, nil)
		return false, errAbort

	case optStructuredReply:
		if s.cfg.NoStructuredReplies {
			return false, ss.optReply(hdr.Option, repErrUnsup, nil)
		}
		ss.structured = true
		return false, ss.optReply(hdr.Option, repAck, nil)

	case optSetMetaContext:
		if !ss.structured {
			return false, ss.optReply(hdr.Option, repErrUnsup, nil)
		}
		for _, q := range metaQueries(data) {
			if q == "base:allocation" && !s.cfg.NoBlockStatus {
				ss.meta = true
				payload := binary.BigEndian.AppendUint32(nil, metaContextID)
				payload = append(payload, q...)
				if err := ss.optReply(hdr.Option, repMetaContext, payload); err != nil {
					return false, err
				}
			}
		}
		return false, ss.optReply(hdr.Option, repAck, nil)

	case optGo, optInfo:
		name := exportName(data)
		if name != s.cfg.Export {
			return false, ss.optReply(hdr.Option, repErrUnknown, []byte("unknown export "+name))
		}
		info := binary.BigEndian.AppendUint16(nil, 0)
		info = binary.BigEndian.AppendUint64(info, uint64(s.cfg.Size))
		info = binary.BigEndian.AppendUint16(info, s.flags())
		if err := ss.optReply(hdr.Option, repInfo, info); err != nil {
			return false, err
		}
		if err := ss.optReply(hdr.Option, repAck, nil); err != nil {
			return false, err
		}
		return hdr.Option == optGo, nil

	default:
		return false, ss.optReply(hdr.Option, repErrUnsup, nil)
	}
}

func (s *Server) flags() uint16 {
	// HAS_FLAGS, SEND_FLUSH, SEND_WRITE_ZEROES, CAN_MULTI_CONN
	f := uint16(1 | 1<<2 | 1<<6 | 1<<8)
	if s.cfg.ReadOnly {
		f |= 1 << 1
	}
	return f
}

func exportName(data []byte) string {
	if len(data) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(data)
	if int(n) > len(data)-4 {
		return ""
	}
	return string(data[4 : 4+n])
}

func metaQueries(data []byte) []string {
	if len(data) < 4 {
		return nil
	}
	pos := 4 + int(binary.BigEndian.Uint32(data))
	if pos+4 > len(data) {
		return nil
	}
	count := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	var queries []string
	for range count {
		if pos+4 > len(data) {
			break
		}
		n := int(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
		if pos+n > len(data) {
			break
		}
		queries = append(queries, string(data[pos:pos+n]))
		pos += n
	}
	return queries
}

type request struct {
	Magic  uint32
	Flags  uint16
	Type   uint16
	Cookie uint64
	Offset uint64
	Length uint32
}

func (s *Server) transmission(ss *session) error {
	for {
		var req request
		if err := binary.Read(ss.conn, binary.BigEndian, &req); err != nil {
			return err
		}
		if req.Magic != requestMagic {
			return errors.New("nbdtest: bad request magic")
		}

		var payload []byte
		if req.Type == CmdWrite {
			payload = make([]byte, req.Length)
			if _, err := io.ReadFull(ss.conn, payload); err != nil {
				return err
			}
		}
		if req.Type == CmdDisc {
			return nil
		}
		if err := s.command(ss, req, payload); err != nil {
			return err
		}
	}
}

func (s *Server) command(ss *session, req request, payload []byte) error {
	s.mu.Lock()
	s.commands[req.Type]++
	errno := s.failures[req.Type]
	s.mu.Unlock()

	off, length := int64(req.Offset), int64(req.Length)
	if errno == 0 && (off < 0 || off+length > s.cfg.Size) {
		errno = errInval
	}
	if errno == 0 && s.cfg.ReadOnly && (req.Type == CmdWrite || req.Type == CmdWriteZeroes) {
		errno = errPerm
	}
	if errno != 0 {
		return ss.replyError(req, errno)
	}

	switch req.Type {
	case CmdRead:
		s.mu.Lock()
		data := bytes.Clone(s.data[off : off+length])
		s.mu.Unlock()
		if ss.structured {
			chunk := binary.BigEndian.AppendUint64(nil, req.Offset)
			chunk = append(chunk, data...)
			return ss.structuredReply(req, replyDone, replyOffsetData, chunk)
		}
		return ss.simpleReply(req, 0, data)

	case CmdWrite:
		s.mu.Lock()
		s.write(payload, off)
		s.mu.Unlock()
		return ss.done(req)

	case CmdFlush:
		return ss.done(req)

	case CmdWriteZeroes:
		s.mu.Lock()
		s.zero(off, length, req.Flags&cmdFlagNoHole == 0)
		s.mu.Unlock()
		return ss.done(req)

	case CmdBlockStatus:
		if !ss.meta {
			return ss.replyError(req, errInval)
		}
		s.mu.Lock()
		payload := binary.BigEndian.AppendUint32(nil, metaContextID)
		payload = s.blockStatus(payload, off, length)
		s.mu.Unlock()
		return ss.structuredReply(req, replyDone, replyBlockStatus, payload)

	default:
		return ss.replyError(req, errNotSup)
	}
}

func (s *Server) write(p []byte, off int64) {
	copy(s.data[off:], p)
	for b := off / BlockSize; b*BlockSize < off+int64(len(p)); b++ {
		s.allocated[b] = true
	}
}

func (s *Server) zero(off, length int64, punch bool) {
	clear(s.data[off : off+length])
	end := off + length
	for b := off / BlockSize; b*BlockSize < end; b++ {
		start, stop := b*BlockSize, min((b+1)*BlockSize, s.cfg.Size)
		if punch && start >= off && stop <= end {
			s.allocated[b] = false
		} else {
			s.allocated[b] = true
		}
	}
}

func (s *Server) blockState(b int64) uint32 {
	if !s.allocated[b] {
		return stateHole | stateZero
	}
	start, stop := b*BlockSize, min((b+1)*BlockSize, s.cfg.Size)
	for _, c := range s.data[start:stop] {
		if c != 0 {
			return 0
		}
	}
	return stateZero
}

func (s *Server) blockStatus(buf []byte, off, length int64) []byte {
	end := off + length
	pos := off
	for pos < end {
		b := pos / BlockSize
		state := s.blockState(b)
		stop := min((b+1)*BlockSize, end)
		for stop < end && s.blockState(stop/BlockSize) == state {
			stop = min(stop+BlockSize, end)
		}
		buf = binary.BigEndian.AppendUint32(buf, uint32(stop-pos))
		buf = binary.BigEndian.AppendUint32(buf, state)
		pos = stop
	}
	return buf
}

func (ss *session) done(req request) error {
	if ss.structured {
		return ss.structuredReply(req, replyDone, 0, nil)
	}
	return ss.simpleReply(req, 0, nil)
}

func (ss *session) replyError(req request, errno uint32) error {
	if ss.structured {
		msg := "request failed"
		payload := binary.BigEndian.AppendUint32(nil, errno)
		payload = binary.BigEndian.AppendUint16(payload, uint16(len(msg)))
		payload = append(payload, msg...)
		return ss.structuredReply(req, replyDone, replyError, payload)
	}
	return ss.simpleReply(req, errno, nil)
}

func (ss *session) simpleReply(req request, errno uint32, data []byte) error {
	buf := binary.BigEndian.AppendUint32(nil, simpleReplyMagic)
	buf = binary.BigEndian.AppendUint32(buf, errno)
	buf = binary.BigEndian.AppendUint64(buf, req.Cookie)
	buf = append(buf, data...)
	_, err := ss.conn.Write(buf)
	return err
}

func (ss *session) structuredReply(req request, flags, typ uint16, payload []byte) error {
	buf := binary.BigEndian.AppendUint32(nil, structuredReplyMagic)
	buf = binary.BigEndian.AppendUint16(buf, flags)
	buf = binary.BigEndian.AppendUint16(buf, typ)
	buf = binary.BigEndian.AppendUint64(buf, req.Cookie)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	_, err := ss.conn.Write(buf)
	return err
}
