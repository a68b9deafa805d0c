// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"
)

// Transport is the byte stream a reverse-FD channel is framed over
// (normally a duplex built from two io.Pipe ends, as pkg/syscall's
// fd_create2 does). Kept narrow so tests
// can substitute an in-memory pipe.
type Transport interface {
	io.Reader
	io.Writer
}

// Channel serializes requests over one reverse-FD transport: at most
// one request is outstanding per reverse-FD at a time.
// golang.org/x/sync/singleflight is the natural fit: every caller on the
// same channel shares key "" and therefore the same in-flight call,
// a mutex-like gate admitting one request at a time.
type Channel struct {
	logger    logr.Logger
	transport Transport
	group     singleflight.Group
	writeMu   sync.Mutex

	mu         sync.Mutex
	gratuitous func(PseudoFD, Response)
}

// NewChannel wraps transport as a reverse-FD channel.
func NewChannel(logger logr.Logger, transport Transport) *Channel {
	return &Channel{
		logger:    logger.WithName("rpc.channel"),
		transport: transport,
	}
}

// OnGratuitous registers the callback invoked when the server sends an
// unsolicited "gratuitous" readiness notification for a pseudo-FD,
// distinguished on the wire by the gratuitous flag bit in the response
// header.
func (c *Channel) OnGratuitous(f func(PseudoFD, Response)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gratuitous = f
}

const gratuitousFlag = 1 << 63

// Call sends req and waits for the matching response, retrying any
// failed round trip (up to five tries) with github.com/cenkalti/backoff/v5, and
// serializing against any concurrent Call on the same channel via
// singleflight so at most one request is outstanding at a time.
func (c *Channel) Call(ctx context.Context, req *Request) (Response, error) {
	v, err, _ := c.group.Do("", func() (any, error) {
		return backoff.Retry(ctx, func() (Response, error) {
			return c.roundTrip(req)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	})
	if err != nil {
		return Response{}, fmt.Errorf("rpc: call failed after retries: %w", err)
	}
	return v.(Response), nil
}

func (c *Channel) roundTrip(req *Request) (Response, error) {
	c.writeMu.Lock()
	_, err := c.transport.Write(EncodeRequest(req))
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, err
	}

	for {
		header := make([]byte, ResponseHeaderSize)
		if _, err := io.ReadFull(c.transport, header); err != nil {
			return Response{}, err
		}
		resp, err := DecodeResponseHeader(header)
		if err != nil {
			return Response{}, err
		}
		if resp.Length > 0 {
			if _, err := io.ReadFull(c.transport, resp.Buffer[:resp.Length]); err != nil {
				return Response{}, err
			}
		}
		if resp.Flags&gratuitousFlag != 0 {
			c.mu.Lock()
			cb := c.gratuitous
			c.mu.Unlock()
			if cb != nil {
				cb(PseudoFD(resp.Result), resp)
			}
			continue
		}
		return resp, nil
	}
}

// ReadLoop continuously reads gratuitous notifications off the transport
// outside of any Call, for servers that push readiness changes without a
// matching request in flight. It returns when the transport is closed or
// ctx is cancelled. internal/kernel does not start it; a caller that
// wants it runs it on its own goroutine.
func (c *Channel) ReadLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		header := make([]byte, ResponseHeaderSize)
		if _, err := io.ReadFull(c.transport, header); err != nil {
			return err
		}
		resp, err := DecodeResponseHeader(header)
		if err != nil {
			return err
		}
		if resp.Length > 0 {
			if _, err := io.ReadFull(c.transport, resp.Buffer[:resp.Length]); err != nil {
				return err
			}
		}
		if resp.Flags&gratuitousFlag == 0 {
			c.logger.V(1).Info("dropping unsolicited non-gratuitous response", "result", resp.Result)
			continue
		}
		c.mu.Lock()
		cb := c.gratuitous
		c.mu.Unlock()
		if cb != nil {
			cb(PseudoFD(resp.Result), resp)
		}
	}
}
