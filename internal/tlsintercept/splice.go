package tlsintercept

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"
)

// Splicer peeks the ClientHello of an accepted connection, fingerprints it,
// and then bidirectionally copies bytes between the client and an internal
// TLS terminator.
type Splicer struct {
	cache      *Cache
	dialBackend func() (net.Conn, error)
}

// NewSplicer constructs a Splicer that dials the TLS terminator via
// dialBackend for every spliced connection.
func NewSplicer(cache *Cache, dialBackend func() (net.Conn, error)) *Splicer {
	return &Splicer{cache: cache, dialBackend: dialBackend}
}

// Handle peeks up to 16 KiB from conn without consuming it, fingerprints a
// TLS ClientHello if present, dials the backend terminator, stores the
// fingerprint keyed by the backend-side dial's local address, then splices
// conn to the backend. It blocks until both halves of the splice finish.
//
// The fingerprint is keyed by backend.LocalAddr rather than conn's own
// remote address: once spliced, the backend's TLS terminator sees the
// connection's peer address as this dial's local address, not the
// original external client's address, and that is the address a consumer
// on the backend side (internal/proxycore, keyed by http.Request.RemoteAddr)
// will actually look the fingerprint up by.
func (s *Splicer) Handle(conn net.Conn) error {
	defer conn.Close()

	br := bufio.NewReaderSize(conn, 16*1024)
	var fp Fingerprint
	haveFp := false
	peeked, err := br.Peek(1)
	if err == nil && len(peeked) > 0 && IsHandshakeRecord(peeked[0]) {
		if full, perr := br.Peek(16 * 1024); perr == nil || perr == io.EOF {
			if ch, perr2 := ParseClientHello(full); perr2 == nil {
				fp = FromClientHello(ch, time.Now())
				haveFp = true
			}
		}
	}

	backend, err := s.dialBackend()
	if err != nil {
		return err
	}
	defer backend.Close()

	if haveFp {
		s.cache.Store(backend.LocalAddr().String(), fp)
	}

	return splice(br, conn, backend)
}

// splice copies bytes bidirectionally between client (read via clientReader,
// written via clientConn) and backend until either half finishes, at which
// point the other side is closed.
func splice(clientReader io.Reader, clientConn, backend net.Conn) error {
	var wg sync.WaitGroup
	wg.Add(2)
	errs := make(chan error, 2)

	go func() {
		defer wg.Done()
		_, err := io.Copy(backend, clientReader)
		backend.Close()
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := io.Copy(clientConn, backend)
		clientConn.Close()
		errs <- err
	}()

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
