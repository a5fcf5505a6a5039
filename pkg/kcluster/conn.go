package kcluster

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kbin"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// conn wraps a single dialed broker connection. Unlike the pack's broker.go,
// which splits traffic across several parallel connection lanes by request
// key, a conn here serializes every request behind mu: the sink already
// enforces at most one in-flight Produce request per broker above this
// layer (see kprod/sink.go), so a second lane buys nothing but complexity
// for this module's scope.
type conn struct {
	addr   string
	dialer net.Dialer

	mu        sync.Mutex
	nc        net.Conn
	br        *bufio.Reader
	corrID    int32
	formatter *kmsg.RequestFormatter

	writeTimeout time.Duration
	readTimeout  time.Duration
}

func newConn(addr, clientID string, writeTimeout, readTimeout time.Duration) *conn {
	return &conn{
		addr:         addr,
		formatter:    kmsg.NewRequestFormatter(kmsg.FormatterClientID(clientID)),
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
	}
}

func (c *conn) ensureDialed(ctx context.Context) error {
	if c.nc != nil {
		return nil
	}
	d := c.dialer
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return retriableErr("dial", err)
	}
	c.nc = nc
	c.br = bufio.NewReader(nc)
	return nil
}

// roundTrip sends req and returns its decoded response. Callers must hold
// no other lock; roundTrip takes c.mu for its duration, so only one request
// is ever outstanding on this conn at a time.
func (c *conn) roundTrip(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureDialed(ctx); err != nil {
		return nil, err
	}

	corrID := c.corrID
	c.corrID++

	buf := c.formatter.AppendRequest(nil, req, corrID)

	if c.writeTimeout > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if _, err := c.nc.Write(buf); err != nil {
		c.closeLocked()
		return nil, retriableErr("write", err)
	}

	// A Produce request with acks=0 gets no response frame at all: the
	// broker never writes one. Reading here would just block until
	// readTimeout and surface a bogus retriable error.
	if pr, ok := req.(*kmsg.ProduceRequest); ok && pr.Acks == 0 {
		return nil, nil
	}

	if c.readTimeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	raw, err := c.readFrame()
	if err != nil {
		c.closeLocked()
		return nil, retriableErr("read", err)
	}

	if len(raw) < 4 {
		c.closeLocked()
		return nil, fatalErr("read", fmt.Errorf("response shorter than a correlation id (%d bytes)", len(raw)))
	}
	gotCorrID := int32(binary.BigEndian.Uint32(raw))
	if gotCorrID != corrID {
		c.closeLocked()
		return nil, fatalErr("read", fmt.Errorf("correlation id mismatch: wanted %d, got %d", corrID, gotCorrID))
	}
	body := raw[4:]

	resp := req.ResponseKind()
	resp.SetVersion(req.GetVersion())
	if resp.IsFlexible() {
		b := &kbin.Reader{Src: body}
		kmsg.SkipTags(b)
		body = b.Src
	}
	if err := resp.ReadFrom(body); err != nil {
		c.closeLocked()
		return nil, fatalErr("decode", err)
	}
	return resp, nil
}

// readFrame reads one length-prefixed Kafka response frame (4-byte
// big-endian size, then that many bytes).
func (c *conn) readFrame() ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.br, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int32(binary.BigEndian.Uint32(sizeBuf[:]))
	if size < 0 || size > 100<<20 {
		return nil, fmt.Errorf("invalid response size %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *conn) closeLocked() {
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
		c.br = nil
	}
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}
