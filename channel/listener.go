package channel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/alanwang67/stabilizing_registers/protocol"
	"github.com/charmbracelet/log"
)

// connTimeout bounds how long one stream connection may stay open.
const connTimeout = 30 * time.Second

var errNotListening = errors.New("channel is not listening")

// Listen binds the stream and datagram listeners on the same address. A zero
// port picks a free one for both.
func (c *Channel) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", address, err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", l.Addr().String())
	if err != nil {
		l.Close()
		return err
	}
	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		l.Close()
		return fmt.Errorf("listen udp %s: %w", udpAddr, err)
	}

	c.mu.Lock()
	c.listener = l
	c.packet = pc
	c.mu.Unlock()
	log.Debugf("channel %s listening on %s", c.Id, l.Addr())
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (c *Channel) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Serve runs both accept loops until Close is called.
func (c *Channel) Serve() error {
	c.mu.Lock()
	l, pc := c.listener, c.packet
	if l == nil || pc == nil {
		c.mu.Unlock()
		return errNotListening
	}
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.wg.Add(2)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.acceptStreams(l)
	}()
	go func() {
		defer c.wg.Done()
		c.acceptDatagrams(pc)
	}()
	c.wg.Wait()
	return nil
}

// Close stops both listeners and waits for in-flight connections.
func (c *Channel) Close() error {
	c.mu.Lock()
	l, pc := c.listener, c.packet
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if l == nil || already {
		c.wg.Wait()
		return nil
	}
	err := errors.Join(l.Close(), pc.Close())
	c.wg.Wait()
	return err
}

func (c *Channel) acceptStreams(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("channel %s accept error: %v", c.Id, err)
			continue
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.serveStream(conn)
		}()
	}
}

// serveStream reads one length-prefixed frame, answers it in chunks and
// closes the connection. Any error drops just this connection.
func (c *Channel) serveStream(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(connTimeout))

	n, err := protocol.ReadLength(conn, c.MaxFrameSize)
	if err != nil {
		log.Debugf("channel %s: bad length prefix from %s: %v", c.Id, conn.RemoteAddr(), err)
		return
	}

	chunk := c.chunkSize()
	frame := make([]byte, 0, min(n, 1<<16))
	buf := make([]byte, chunk)
	for len(frame) < n {
		want := min(chunk, n-len(frame))
		if _, err := io.ReadFull(conn, buf[:want]); err != nil {
			log.Debugf("channel %s: short read from %s: %v", c.Id, conn.RemoteAddr(), err)
			return
		}
		frame = append(frame, buf[:want]...)
	}

	resp, err := c.Dispatch(frame)
	if err != nil {
		log.Debugf("channel %s: dropping frame from %s: %v", c.Id, conn.RemoteAddr(), err)
		return
	}
	for off := 0; off < len(resp); off += chunk {
		if _, err := conn.Write(resp[off:min(off+chunk, len(resp))]); err != nil {
			log.Debugf("channel %s: write to %s failed: %v", c.Id, conn.RemoteAddr(), err)
			return
		}
	}
}

func (c *Channel) acceptDatagrams(pc *net.UDPConn) {
	chunk := c.chunkSize()
	// one spare byte tells a datagram that fits from one that was cut off
	buf := make([]byte, chunk+1)
	for {
		n, addr, err := pc.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Errorf("channel %s udp read error: %v", c.Id, err)
			continue
		}
		if n > chunk {
			log.Debugf("channel %s: dropping datagram from %s larger than %d bytes", c.Id, addr, chunk)
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			resp, err := c.Dispatch(frame)
			if err != nil {
				log.Debugf("channel %s: dropping datagram from %s: %v", c.Id, addr, err)
				return
			}
			if _, err := pc.WriteToUDP(resp, addr); err != nil {
				log.Debugf("channel %s: udp reply to %s failed: %v", c.Id, addr, err)
			}
		}()
	}
}

func (c *Channel) chunkSize() int {
	if c.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return c.ChunkSize
}
