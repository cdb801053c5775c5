// Package redisstub runs an in-process RESP2 server that understands the
// counter commands issued by the gateway's distributed write limiter:
// INCR, EXPIRE, TTL and DEL, plus the AUTH/PING handshake go-redis performs.
package redisstub

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Options configures a stub server. Clock drives key expiry and defaults to
// the wall clock.
type Options struct {
	Password  string
	EnableTLS bool
	Clock     clockwork.Clock
}

// Server is a running stub. The zero value is not usable; call Start.
type Server struct {
	password string
	clock    clockwork.Clock
	listener net.Listener
	certPEM  []byte

	mu       sync.Mutex
	counters map[string]*counter
	seen     map[string]int
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

type counter struct {
	n         int64
	expiresAt time.Time
}

func (c *counter) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && !now.Before(c.expiresAt)
}

type reply interface {
	encode(w *bufio.Writer) error
}

type status string
type errReply string
type integer int64

func (s status) encode(w *bufio.Writer) error {
	_, err := w.WriteString("+" + string(s) + "\r\n")
	return err
}

func (e errReply) encode(w *bufio.Writer) error {
	_, err := w.WriteString("-" + string(e) + "\r\n")
	return err
}

func (i integer) encode(w *bufio.Writer) error {
	_, err := w.WriteString(":" + strconv.FormatInt(int64(i), 10) + "\r\n")
	return err
}

type handlerFunc func(s *Server, args []string) reply

// commands lists what an authenticated session may run. arity counts the
// command name; a negative arity is a minimum.
var commands = map[string]struct {
	arity int
	run   handlerFunc
}{
	"INCR":   {2, (*Server).incr},
	"EXPIRE": {3, (*Server).expire},
	"TTL":    {2, (*Server).ttl},
	"DEL":    {-2, (*Server).del},
}

// Start listens on a random loopback port.
func Start(opts Options) (*Server, error) {
	srv := &Server{
		password: opts.Password,
		clock:    opts.Clock,
		counters: make(map[string]*counter),
		seen:     make(map[string]int),
		conns:    make(map[net.Conn]struct{}),
	}
	if srv.clock == nil {
		srv.clock = clockwork.NewRealClock()
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	if opts.EnableTLS {
		certPEM, cert, err := selfSignedCertificate()
		if err != nil {
			ln.Close()
			return nil, err
		}
		srv.certPEM = certPEM
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})
	}
	srv.listener = ln

	srv.wg.Add(1)
	go srv.acceptLoop()
	return srv, nil
}

// Addr is the host:port clients should dial.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// Count reports how many times cmd was received, authenticated or not.
func (s *Server) Count(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[strings.ToUpper(cmd)]
}

// Value returns the live counter stored at key.
func (s *Server) Value(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok || c.expired(s.clock.Now()) {
		return 0, false
	}
	return c.n, true
}

// Close stops accepting, drops open connections and waits for them to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	in := bufio.NewReader(conn)
	out := bufio.NewWriter(conn)
	authed := s.password == ""
	for {
		args, err := readCommand(in)
		if err != nil {
			return
		}
		var resp reply
		resp, authed = s.handle(args, authed)
		if err := resp.encode(out); err != nil {
			return
		}
		if err := out.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) handle(args []string, authed bool) (reply, bool) {
	if len(args) == 0 {
		return errReply("ERR empty command"), authed
	}
	name := strings.ToUpper(args[0])
	s.mu.Lock()
	s.seen[name]++
	s.mu.Unlock()

	switch name {
	case "PING":
		return status("PONG"), authed
	case "HELLO":
		// RESP3 negotiation is refused so clients fall back to AUTH.
		return errReply("ERR unknown command 'hello'"), authed
	case "AUTH":
		if len(args) < 2 || len(args) > 3 {
			return errReply("ERR wrong number of arguments for 'auth' command"), authed
		}
		if s.password != "" && args[len(args)-1] != s.password {
			return errReply("WRONGPASS invalid username-password pair or user is disabled."), authed
		}
		return status("OK"), true
	case "SELECT", "CLIENT":
		return status("OK"), authed
	}

	if !authed {
		return errReply("NOAUTH Authentication required."), authed
	}
	cmd, ok := commands[name]
	if !ok {
		return errReply(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(name))), authed
	}
	if (cmd.arity > 0 && len(args) != cmd.arity) || (cmd.arity < 0 && len(args) < -cmd.arity) {
		return errReply(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))), authed
	}
	return cmd.run(s, args[1:]), authed
}

// live returns the counter at key, discarding it first if it has expired.
// Callers hold s.mu.
func (s *Server) live(key string) *counter {
	c, ok := s.counters[key]
	if ok && c.expired(s.clock.Now()) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func (s *Server) incr(args []string) reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(args[0])
	if c == nil {
		c = &counter{}
		s.counters[args[0]] = c
	}
	c.n++
	return integer(c.n)
}

func (s *Server) expire(args []string) reply {
	seconds, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return errReply("ERR value is not an integer or out of range")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(args[0])
	if c == nil {
		return integer(0)
	}
	c.expiresAt = s.clock.Now().Add(time.Duration(seconds) * time.Second)
	return integer(1)
}

func (s *Server) ttl(args []string) reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.live(args[0])
	switch {
	case c == nil:
		return integer(-2)
	case c.expiresAt.IsZero():
		return integer(-1)
	}
	remaining := c.expiresAt.Sub(s.clock.Now())
	return integer((remaining + time.Second - 1) / time.Second)
}

func (s *Server) del(args []string) reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range args {
		if s.live(key) != nil {
			delete(s.counters, key)
			removed++
		}
	}
	return integer(removed)
}

// readCommand decodes one RESP array of bulk strings.
func readCommand(r *bufio.Reader) ([]string, error) {
	n, err := readHeader(r, '*')
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, max(n, 0))
	for i := 0; i < n; i++ {
		size, err := readHeader(r, '$')
		if err != nil {
			return nil, err
		}
		if size < 0 {
			args = append(args, "")
			continue
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readHeader(r *bufio.Reader, want byte) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(line, "\r\n")
	if len(line) < 2 || line[0] != want {
		return 0, fmt.Errorf("redisstub: expected %q header, got %q", want, line)
	}
	return strconv.Atoi(line[1:])
}

func selfSignedCertificate() ([]byte, tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "redisstub"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certPEM, cert, nil
}
