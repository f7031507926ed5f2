// Package server exposes a driver over a length-prefixed TCP protocol:
// one goroutine per client connection, each command line forwarded to
// the shared coordinator and its textual result written back.
package server

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/tallydb/tallydb/pkg/clock"
	"github.com/tallydb/tallydb/pkg/coordinator"
	"github.com/tallydb/tallydb/pkg/driver"
	"github.com/tallydb/tallydb/pkg/wire"
)

var ErrServerClosed = errors.New("server is closed")

// Server hosts a single coordinator behind a TCP listener, serializing
// every client's commands through it (the coordinator's own mutex does
// the actual serialization; the server just fans connections in).
type Server struct {
	coord   *coordinator.Coordinator
	clock   *clock.Clock
	logger  *log.Logger
	mu      sync.Mutex
	clients map[uint64]*clientConn
	nextID  uint64
	lis     net.Listener
	closed  bool
}

// New builds a server around coord/clk. A nil logger falls back to the
// standard library's default logger.
func New(coord *coordinator.Coordinator, clk *clock.Clock, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		coord:   coord,
		clock:   clk,
		logger:  logger,
		clients: make(map[uint64]*clientConn),
	}
}

// Listen starts accepting connections at address; blocks until Close.
func (s *Server) Listen(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	s.lis = lis
	s.logger.Printf("listening on %s", address)
	return s.acceptLoop()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.nextID++
		id := s.nextID
		client := &clientConn{
			id:     id,
			conn:   conn,
			server: s,
			reader: bufio.NewReader(conn),
			driver: driver.New(s.coord, s.clock),
		}
		s.clients[id] = client
		s.mu.Unlock()

		go client.handle()
	}
}

// Close shuts down the listener and every active connection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	for _, c := range s.clients {
		c.conn.Close()
	}
	if s.lis != nil {
		return s.lis.Close()
	}
	return nil
}

func (s *Server) removeClient(id uint64) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

type clientConn struct {
	id     uint64
	conn   net.Conn
	server *Server
	reader *bufio.Reader
	driver *driver.Driver
}

func (c *clientConn) handle() {
	defer func() {
		c.conn.Close()
		c.server.removeClient(c.id)
	}()

	for {
		var length uint32
		if err := binary.Read(c.reader, binary.LittleEndian, &length); err != nil {
			if err != io.EOF {
				c.server.logger.Printf("client %d: reading length: %v", c.id, err)
			}
			return
		}

		msgType, err := c.reader.ReadByte()
		if err != nil {
			c.server.logger.Printf("client %d: reading type: %v", c.id, err)
			return
		}

		payload := make([]byte, length-1)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			c.server.logger.Printf("client %d: reading payload: %v", c.id, err)
			return
		}

		resp := c.handleMessage(wire.MsgType(msgType), payload)
		if err := c.send(resp.msgType, resp.payload); err != nil {
			c.server.logger.Printf("client %d: writing response: %v", c.id, err)
			return
		}
	}
}

type response struct {
	msgType wire.MsgType
	payload interface{}
}

func (c *clientConn) handleMessage(msgType wire.MsgType, payload []byte) response {
	switch msgType {
	case wire.MsgPing:
		return response{msgType: wire.MsgPong}

	case wire.MsgCommand:
		var cmd wire.CommandMessage
		if err := wire.Decode(payload, &cmd); err != nil {
			return response{msgType: wire.MsgError, payload: wire.NewErrorMessage(1, err.Error())}
		}

		out, err := c.driver.Execute(cmd.Line)
		if err != nil {
			return response{msgType: wire.MsgError, payload: wire.NewErrorMessage(2, err.Error())}
		}
		return response{msgType: wire.MsgResult, payload: &wire.ResultMessage{
			Status:   out.Text,
			Message:  out.Result.Message,
			HasValue: out.Result.HasValue,
			Value:    out.Result.Value,
			Writer:   out.Result.Writer,
		}}

	default:
		return response{msgType: wire.MsgError, payload: wire.NewErrorMessage(3, fmt.Sprintf("unknown message type: %d", msgType))}
	}
}

func (c *clientConn) send(msgType wire.MsgType, payload interface{}) error {
	var payData []byte
	if payload != nil {
		data, err := wire.Encode(payload)
		if err != nil {
			return err
		}
		payData = data
	}

	length := uint32(1 + len(payData))
	if err := binary.Write(c.conn, binary.LittleEndian, length); err != nil {
		return err
	}
	if err := binary.Write(c.conn, binary.LittleEndian, msgType); err != nil {
		return err
	}
	if len(payData) > 0 {
		if _, err := c.conn.Write(payData); err != nil {
			return err
		}
	}
	return nil
}
