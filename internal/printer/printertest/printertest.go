// Package printertest provides an in-process modeler that serves status.sts
// over the GetFile protocol.
package printertest

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

const packetSize = 64

// SampleStatus is a trimmed status.sts as sent by a Fortus class modeler.
const SampleStatus = `# machine status
set machineStatus(general) {
  -modelerType fortus450
  -modelerStatus building
  -modelerExplanation {part building}
  -elapsedBuildTime 7380
  -startTime 1700000000
  -partCurrentTemp 320.5
  -supportCurrentTemp 315
  -envelopeCurrentTemp 95
  -partSetTemp 320
  -supportSetTemp 315
  -envelopeSetTemp 95
}
set machineStatus(mariner) {
  -buildHeadTemp 320.5
  -buildSuptTemp 315
  -buildChamberTemp 95.2
  -doorOpen false
  -lightsOn true
  -runTimeOdometer 3600000
  -buildTimeOdometer 1800000
}
set machineStatus(currentJob) {
  -jobName bracket_v2
  -currentLayer 150
  -totalLayers 600
  -estimatedBuildTime 30000
  -buildTime 7380
  -completionStatus inProgress
  -partMatlName ABS-M30
  -supportMatlName SR-30
  -partConsumed 42.7
  -supportConsumed 12.1
  -pack {}
}
`

// Behavior controls how the fake modeler answers a connection.
type Behavior int

const (
	// Serve runs the full exchange.
	Serve Behavior = iota
	// Garble answers the handshake with an unexpected token.
	Garble
	// Silent accepts the connection and never answers.
	Silent
	// Hangup closes the connection right after the handshake.
	Hangup
	// Oversize announces a file far larger than any status file.
	Oversize
)

type Server struct {
	ln      net.Listener
	wg      sync.WaitGroup
	mu      sync.Mutex
	body    []byte
	mode    Behavior
	conns   atomic.Int64
	done    chan struct{}
	commits []string
}

// NewServer starts a modeler on a loopback port that serves body.
func NewServer(t testing.TB, body string) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{ln: ln, body: []byte(body), done: make(chan struct{})}

	s.wg.Add(1)
	go s.accept()

	t.Cleanup(s.Close)
	return s
}

func (s *Server) Host() string {
	return s.ln.Addr().(*net.TCPAddr).IP.String()
}

func (s *Server) Port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Connections is the number of connections accepted so far.
func (s *Server) Connections() int {
	return int(s.conns.Load())
}

func (s *Server) SetBehavior(b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = b
}

func (s *Server) SetBody(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = []byte(body)
}

// Confirmations returns the "Transferred: N" packets received from clients.
func (s *Server) Confirmations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commits...)
}

func (s *Server) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	_ = s.ln.Close()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.conns.Add(1)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	s.mu.Lock()
	mode := s.mode
	body := s.body
	s.mu.Unlock()

	for range 3 {
		if _, err := readPacket(conn); err != nil {
			return
		}
	}

	switch mode {
	case Silent:
		<-s.done
		return
	case Hangup:
		return
	case Garble:
		_ = writePacket(conn, "Busy")
		return
	}

	if writePacket(conn, "SendFile") != nil || writePacket(conn, "NA") != nil {
		return
	}
	if _, err := readPacket(conn); err != nil {
		return
	}
	size := strconv.Itoa(len(body))
	if mode == Oversize {
		size = "999999999999999"
	}
	if writePacket(conn, size+" ") != nil {
		return
	}
	if _, err := readPacket(conn); err != nil {
		return
	}
	if _, err := conn.Write(body); err != nil {
		return
	}

	confirm, err := readPacket(conn)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.commits = append(s.commits, confirm)
	s.mu.Unlock()
}

func readPacket(conn net.Conn) (string, error) {
	buf := make([]byte, packetSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return "", fmt.Errorf("read packet: %w", err)
	}
	end := 0
	for end < len(buf) && buf[end] != 0 {
		end++
	}
	return string(buf[:end]), nil
}

func writePacket(conn net.Conn, msg string) error {
	buf := make([]byte, packetSize)
	copy(buf, msg)
	_, err := conn.Write(buf)
	return err
}
