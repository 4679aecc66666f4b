// Package nbd serves an io.ReaderAt as a read-only Linux NBD (Network
// Block Device) export over a unix socket, so an image the driver can
// decode can also be attached as /dev/nbdX and mounted by the kernel.
package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fixed-newstyle protocol constants.
const (
	nbdMagic            = uint64(0x4e42444d41474943) // "NBDMAGIC"
	nbdOptionMagic      = uint64(0x49484156454f5054) // "IHAVEOPT"
	nbdReplyMagic       = uint64(0x3e889045565a9)
	nbdRequestMagic     = uint32(0x25609513)
	nbdReplyMagicSimple = uint32(0x67446698)

	nbdFlagFixedNewstyle = uint16(1 << 0)
	nbdFlagNoZeroes      = uint16(1 << 1)
	nbdFlagCNoZeroes     = uint32(1 << 1)

	nbdFlagHasFlags = uint16(1 << 0)
	nbdFlagReadOnly = uint16(1 << 1)

	nbdOptExportName = uint32(1)
	nbdOptAbort      = uint32(2)
	nbdOptList       = uint32(3)
	nbdOptGo         = uint32(7)

	nbdRepAck        = uint32(1)
	nbdRepServer     = uint32(2)
	nbdRepInfo       = uint32(3)
	nbdRepErrUnsup   = uint32(0x80000001)
	nbdRepErrUnknown = uint32(0x80000006)

	nbdInfoExport    = uint16(0)
	nbdInfoBlockSize = uint16(3)

	nbdCmdRead  = uint16(0)
	nbdCmdWrite = uint16(1)
	nbdCmdDisc  = uint16(2)
	nbdCmdFlush = uint16(3)
	nbdCmdTrim  = uint16(4)

	nbdErrNone  = uint32(0)
	nbdErrPerm  = uint32(1)
	nbdErrIO    = uint32(5)
	nbdErrInval = uint32(22)

	preferredBlockSize = uint32(4096)
	maxRequestSize     = uint32(32 * 1024 * 1024)
)

// Export is one named read-only block device.
type Export struct {
	Name   string
	Reader io.ReaderAt
	Size   int64
}

// Server accepts NBD clients on a unix socket. Every export is
// read-only; write and trim requests are refused with EPERM.
type Server struct {
	socketPath string
	exports    map[string]*Export
	exportsMu  sync.RWMutex
	listener   net.Listener
	done       chan struct{}
	log        logrus.FieldLogger
}

type session struct {
	server   *Server
	conn     net.Conn
	export   *Export
	noZeroes bool
}

// NewServer creates a server listening, once served, on socketPath.
// A nil logger discards diagnostics.
func NewServer(socketPath string, log logrus.FieldLogger) *Server {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Server{
		socketPath: socketPath,
		exports:    make(map[string]*Export),
		done:       make(chan struct{}),
		log:        log.WithField("component", "nbd"),
	}
}

// AddExport registers an export under its name.
func (s *Server) AddExport(exp *Export) error {
	s.exportsMu.Lock()
	defer s.exportsMu.Unlock()
	if _, exists := s.exports[exp.Name]; exists {
		return fmt.Errorf("export %q already exists", exp.Name)
	}
	s.exports[exp.Name] = exp
	return nil
}

func (s *Server) getExport(name string) *Export {
	s.exportsMu.RLock()
	defer s.exportsMu.RUnlock()
	return s.exports[name]
}

func (s *Server) listExports() []string {
	s.exportsMu.RLock()
	defer s.exportsMu.RUnlock()
	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	return names
}

// Serve listens and blocks until Close.
func (s *Server) Serve() error {
	if len(s.exports) == 0 {
		return errors.New("no exports defined")
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = listener

	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		s.log.WithError(err).Warn("chmod socket")
	}
	s.log.WithField("socket", s.socketPath).Info("listening")
	for _, exp := range s.exports {
		s.log.WithFields(logrus.Fields{"export": exp.Name, "size": exp.Size}).
			Info("export registered (read-only)")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				s.log.WithError(err).Warn("accept")
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

// Close shuts the server down and removes the socket.
func (s *Server) Close() error {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.socketPath)
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	log := s.log.WithField("client", conn.RemoteAddr())
	log.Debug("connected")

	sess := &session{server: s, conn: conn}
	if err := sess.negotiate(); err != nil {
		log.WithError(err).Debug("negotiation failed")
		return
	}
	if err := sess.transmit(); err != nil && err != io.EOF {
		log.WithError(err).Warn("transmission error")
	}
	log.WithField("export", sess.export.Name).Debug("disconnected")
}

func (sess *session) negotiate() error {
	greeting := make([]byte, 18)
	binary.BigEndian.PutUint64(greeting[0:], nbdMagic)
	binary.BigEndian.PutUint64(greeting[8:], nbdOptionMagic)
	binary.BigEndian.PutUint16(greeting[16:], nbdFlagFixedNewstyle|nbdFlagNoZeroes)
	if _, err := sess.conn.Write(greeting); err != nil {
		return fmt.Errorf("greeting: %w", err)
	}

	var clientFlags [4]byte
	if _, err := io.ReadFull(sess.conn, clientFlags[:]); err != nil {
		return fmt.Errorf("client flags: %w", err)
	}
	sess.noZeroes = binary.BigEndian.Uint32(clientFlags[:])&nbdFlagCNoZeroes != 0

	for {
		var hdr [16]byte
		if _, err := io.ReadFull(sess.conn, hdr[:]); err != nil {
			return fmt.Errorf("option header: %w", err)
		}
		if magic := binary.BigEndian.Uint64(hdr[:]); magic != nbdOptionMagic {
			return fmt.Errorf("option magic %#x", magic)
		}
		optType := binary.BigEndian.Uint32(hdr[8:])
		optLen := binary.BigEndian.Uint32(hdr[12:])
		optData := make([]byte, optLen)
		if _, err := io.ReadFull(sess.conn, optData); err != nil {
			return fmt.Errorf("option data: %w", err)
		}
		done, err := sess.handleOption(optType, optData)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (sess *session) handleOption(optType uint32, optData []byte) (bool, error) {
	switch optType {
	case nbdOptExportName:
		export := sess.server.getExport(string(optData))
		if export == nil {
			// The oldstyle path has no error reply; the connection dies.
			return false, fmt.Errorf("unknown export %q", optData)
		}
		sess.export = export
		return true, sess.sendOldstyleExportInfo()

	case nbdOptGo:
		name := ""
		if len(optData) >= 4 {
			n := binary.BigEndian.Uint32(optData)
			if n > 0 && int(4+n) <= len(optData) {
				name = string(optData[4 : 4+n])
			}
		}
		export := sess.server.getExport(name)
		if export == nil && name == "" {
			if names := sess.server.listExports(); len(names) > 0 {
				export = sess.server.getExport(names[0])
			}
		}
		if export == nil {
			sess.sendOptionReply(optType, nbdRepErrUnknown, nil)
			return false, nil
		}
		sess.export = export
		return true, sess.sendExportInfo(optType)

	case nbdOptList:
		for _, name := range sess.server.listExports() {
			data := make([]byte, 4+len(name))
			binary.BigEndian.PutUint32(data, uint32(len(name)))
			copy(data[4:], name)
			sess.sendOptionReply(optType, nbdRepServer, data)
		}
		sess.sendOptionReply(optType, nbdRepAck, nil)
		return false, nil

	case nbdOptAbort:
		sess.sendOptionReply(optType, nbdRepAck, nil)
		return false, errors.New("client aborted")

	default:
		sess.sendOptionReply(optType, nbdRepErrUnsup, nil)
		return false, nil
	}
}

func (sess *session) sendOptionReply(option, replyType uint32, data []byte) error {
	reply := make([]byte, 20+len(data))
	binary.BigEndian.PutUint64(reply[0:], nbdReplyMagic)
	binary.BigEndian.PutUint32(reply[8:], option)
	binary.BigEndian.PutUint32(reply[12:], replyType)
	binary.BigEndian.PutUint32(reply[16:], uint32(len(data)))
	copy(reply[20:], data)
	_, err := sess.conn.Write(reply)
	return err
}

func (sess *session) exportFlags() uint16 {
	return nbdFlagHasFlags | nbdFlagReadOnly
}

func (sess *session) sendExportInfo(option uint32) error {
	info := make([]byte, 12)
	binary.BigEndian.PutUint16(info[0:], nbdInfoExport)
	binary.BigEndian.PutUint64(info[2:], uint64(sess.export.Size))
	binary.BigEndian.PutUint16(info[10:], sess.exportFlags())
	if err := sess.sendOptionReply(option, nbdRepInfo, info); err != nil {
		return err
	}

	bs := make([]byte, 14)
	binary.BigEndian.PutUint16(bs[0:], nbdInfoBlockSize)
	binary.BigEndian.PutUint32(bs[2:], 1)
	binary.BigEndian.PutUint32(bs[6:], preferredBlockSize)
	binary.BigEndian.PutUint32(bs[10:], maxRequestSize)
	if err := sess.sendOptionReply(option, nbdRepInfo, bs); err != nil {
		return err
	}
	return sess.sendOptionReply(option, nbdRepAck, nil)
}

func (sess *session) sendOldstyleExportInfo() error {
	respLen := 10
	if !sess.noZeroes {
		respLen = 134
	}
	resp := make([]byte, respLen)
	binary.BigEndian.PutUint64(resp[0:], uint64(sess.export.Size))
	binary.BigEndian.PutUint16(resp[8:], sess.exportFlags())
	_, err := sess.conn.Write(resp)
	return err
}

func (sess *session) transmit() error {
	var header [28]byte
	for {
		if _, err := io.ReadFull(sess.conn, header[:]); err != nil {
			return err
		}
		if magic := binary.BigEndian.Uint32(header[:]); magic != nbdRequestMagic {
			return fmt.Errorf("request magic %#x", magic)
		}
		cmdType := binary.BigEndian.Uint16(header[6:])
		handle := header[8:16]
		offset := binary.BigEndian.Uint64(header[16:])
		length := binary.BigEndian.Uint32(header[24:])

		switch cmdType {
		case nbdCmdRead:
			sess.handleRead(handle, offset, length)
		case nbdCmdWrite:
			// Drain the payload or the stream desynchronizes.
			io.CopyN(io.Discard, sess.conn, int64(length))
			sess.sendReply(handle, nbdErrPerm, nil)
		case nbdCmdTrim:
			sess.sendReply(handle, nbdErrPerm, nil)
		case nbdCmdFlush:
			sess.sendReply(handle, nbdErrNone, nil)
		case nbdCmdDisc:
			return nil
		default:
			sess.sendReply(handle, nbdErrInval, nil)
		}
	}
}

func (sess *session) handleRead(handle []byte, offset uint64, length uint32) {
	if length > maxRequestSize || offset+uint64(length) > uint64(sess.export.Size) {
		sess.sendReply(handle, nbdErrInval, nil)
		return
	}
	data := make([]byte, length)
	n, err := sess.export.Reader.ReadAt(data, int64(offset))
	if err != nil && err != io.EOF {
		sess.server.log.WithError(err).WithField("offset", offset).Warn("read error")
		sess.sendReply(handle, nbdErrIO, nil)
		return
	}
	for i := n; i < int(length); i++ {
		data[i] = 0
	}
	sess.sendReply(handle, nbdErrNone, data)
}

func (sess *session) sendReply(handle []byte, errCode uint32, data []byte) {
	reply := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(reply[0:], nbdReplyMagicSimple)
	binary.BigEndian.PutUint32(reply[4:], errCode)
	copy(reply[8:16], handle)
	copy(reply[16:], data)
	sess.conn.Write(reply)
}
