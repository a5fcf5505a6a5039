package kcluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// broker is one cluster node: a lazily-dialed conn plus the version set
// negotiated with it. Grounded on the pack's broker.go, trimmed to a
// single connection lane (see conn.go's doc comment) and a one-shot SASL
// exchange instead of the teacher's reauth-lifetime tracking, which this
// module's scope has no use for.
type broker struct {
	nodeID int32
	addr   string

	clientID string
	sasl     Mechanism

	writeTimeout time.Duration
	readTimeout  time.Duration

	mu       sync.Mutex
	c        *conn
	versions map[int16]int16 // api key -> max supported version, nil until probed
	authed   bool
}

func newBroker(nodeID int32, addr, clientID string, sasl Mechanism, writeTimeout, readTimeout time.Duration) *broker {
	return &broker{
		nodeID:       nodeID,
		addr:         addr,
		clientID:     clientID,
		sasl:         sasl,
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
	}
}

func (b *broker) conn() *conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.c == nil {
		b.c = newConn(b.addr, b.clientID, b.writeTimeout, b.readTimeout)
	}
	return b.c
}

// do sends req, probing API versions and authenticating first if this is
// the broker's first request.
func (b *broker) do(ctx context.Context, req kmsg.Request) (kmsg.Response, error) {
	c := b.conn()

	b.mu.Lock()
	needProbe := b.versions == nil
	needAuth := b.sasl != nil && !b.authed
	b.mu.Unlock()

	if needProbe {
		if err := b.probeVersions(ctx, c); err != nil {
			return nil, err
		}
	}
	if needAuth {
		if err := b.authenticate(ctx, c); err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.authed = true
		b.mu.Unlock()
	}

	b.mu.Lock()
	max, supported := b.versions[req.Key()]
	if supported && max < req.GetVersion() {
		req.SetVersion(max)
	}
	b.mu.Unlock()
	if !supported {
		return nil, ErrUnsupportedRequest
	}

	return c.roundTrip(ctx, req)
}

func (b *broker) probeVersions(ctx context.Context, c *conn) error {
	req := kmsg.NewPtrApiVersionsRequest()
	req.SetVersion(0)
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return err
	}
	vr, ok := resp.(*kmsg.ApiVersionsResponse)
	if !ok {
		return fatalErr("probe-versions", fmt.Errorf("unexpected response type %T", resp))
	}
	if vr.ErrorCode != 0 {
		return decodeErrorCode(vr.ErrorCode)
	}

	versions := make(map[int16]int16, len(vr.ApiKeys))
	for _, k := range vr.ApiKeys {
		versions[k.ApiKey] = k.MaxVersion
	}
	b.mu.Lock()
	b.versions = versions
	b.mu.Unlock()
	return nil
}

func (b *broker) authenticate(ctx context.Context, c *conn) error {
	hs := kmsg.NewPtrSASLHandshakeRequest()
	hs.Mechanism = b.sasl.Name()
	resp, err := c.roundTrip(ctx, hs)
	if err != nil {
		return err
	}
	hresp, ok := resp.(*kmsg.SASLHandshakeResponse)
	if !ok {
		return fatalErr("sasl-handshake", fmt.Errorf("unexpected response type %T", resp))
	}
	if hresp.ErrorCode != 0 {
		return decodeErrorCode(hresp.ErrorCode)
	}

	var challenge []byte
	for step := 0; ; step++ {
		out, done, err := b.sasl.Step(step, challenge)
		if err != nil {
			return fatalErr("sasl-step", err)
		}
		if out == nil && done {
			return nil
		}
		authReq := kmsg.NewPtrSASLAuthenticateRequest()
		authReq.SaslAuthBytes = out
		resp, err := c.roundTrip(ctx, authReq)
		if err != nil {
			return err
		}
		authResp, ok := resp.(*kmsg.SASLAuthenticateResponse)
		if !ok {
			return fatalErr("sasl-authenticate", fmt.Errorf("unexpected response type %T", resp))
		}
		if authResp.ErrorCode != 0 {
			return decodeErrorCode(authResp.ErrorCode)
		}
		challenge = authResp.SaslAuthBytes
		if done {
			return nil
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	c := b.c
	b.mu.Unlock()
	if c != nil {
		c.close()
	}
}

func decodeErrorCode(code int16) error {
	err := kerr.ErrorForCode(code)
	return &codeError{err: err, retriable: kerr.IsRetriable(err)}
}
