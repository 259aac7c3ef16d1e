package tcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/harrisyn/LabAnalyzer/event"
	"github.com/harrisyn/LabAnalyzer/mapper"
	"github.com/harrisyn/LabAnalyzer/pkg/retry"
	"github.com/harrisyn/LabAnalyzer/protocol"
	"github.com/harrisyn/LabAnalyzer/store"
	"github.com/harrisyn/LabAnalyzer/types"
)

// readDeadlineTick bounds each blocking read so shutdown and idle checks run
const readDeadlineTick = time.Second

// Conn owns one accepted socket: the protocol session, the idle timer, and
// the persist-then-acknowledge contract.
type Conn struct {
	netConn net.Conn
	sess    session
	spec    types.ListenerSpec
	fm      mapper.FieldMap

	store    *store.Store
	events   *event.Bus
	logger   *slog.Logger
	instance string

	idleTimeout  time.Duration
	lastActivity time.Time

	onMessage func()    // listener counter hook
	onBytes   func(int) // listener byte counter hook
}

// run reads until the peer closes, the context cancels, the connection
// idles out, or a fatal protocol error occurs. The close reason is logged.
func (c *Conn) run(ctx context.Context) {
	defer func() { _ = c.netConn.Close() }()
	defer c.sess.teardown()

	c.lastActivity = time.Now()
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Connection cancelled by supervisor", "peer", c.netConn.RemoteAddr())
			return
		default:
		}

		if c.idleTimeout > 0 && time.Since(c.lastActivity) > c.idleTimeout {
			c.logger.Info("Connection idle timeout", "peer", c.netConn.RemoteAddr(), "idle", c.idleTimeout)
			c.events.Publish(event.Warningf("connection",
				"peer %s closed after %s idle", c.netConn.RemoteAddr(), c.idleTimeout))
			return
		}

		_ = c.netConn.SetReadDeadline(time.Now().Add(readDeadlineTick))
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.lastActivity = time.Now()
			if c.onBytes != nil {
				c.onBytes(n)
			}
			if !c.handleBytes(ctx, buf[:n]) {
				return
			}
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if err == io.EOF {
				c.logger.Debug("Peer closed connection", "peer", c.netConn.RemoteAddr())
			} else {
				c.logger.Warn("Connection read error", "peer", c.netConn.RemoteAddr(), "error", err)
				c.events.Publish(event.Errorf("connection", "read error from %s: %v", c.netConn.RemoteAddr(), err))
			}
			return
		}
	}
}

// handleBytes drives the session and applies the acknowledgement policy.
// Returns false when the connection must close.
func (c *Conn) handleBytes(ctx context.Context, data []byte) bool {
	actions, sessErr := c.sess.consume(data)

	for _, act := range actions {
		if act.message == nil {
			if !c.write(act.reply) {
				return false
			}
			continue
		}
		if !c.handleMessage(ctx, act) {
			return false
		}
	}

	if sessErr != nil {
		c.logger.Warn("Fatal protocol error", "peer", c.netConn.RemoteAddr(), "error", sessErr)
		c.events.Publish(event.Errorf("protocol", "closing %s: %v", c.netConn.RemoteAddr(), sessErr))
		return !fatalSessionError(sessErr)
	}
	return true
}

// handleMessage maps and persists a completed message, then acknowledges.
// Reads are effectively suspended while the store write is outstanding: no
// further bytes are consumed until this returns.
func (c *Conn) handleMessage(ctx context.Context, act action) bool {
	rec, warnings, err := mapper.Map(act.message, c.fm, c.instance)
	for _, w := range warnings {
		c.events.Publish(event.Warning(w.Kind, w.Detail))
	}
	if err != nil {
		// Required identifiers missing: drop the message, reject, carry on
		c.logger.Warn("Message rejected", "peer", c.netConn.RemoteAddr(), "error", err)
		c.events.Publish(event.Warningf("invalid_record", "message dropped: %v", err))
		return c.write(c.sess.rejectReply(act.message))
	}

	persist := func() error {
		_, _, _, serr := c.store.SaveMessage(ctx, rec)
		return serr
	}
	if err := retry.Do(ctx, retry.Persist(), persist); err != nil {
		// Refuse to acknowledge: the analyzer will retransmit after close
		c.logger.Error("Persistence failed, closing without ACK",
			"peer", c.netConn.RemoteAddr(), "error", err)
		c.events.Publish(event.Errorf("persistence", "dropping connection %s: %v", c.netConn.RemoteAddr(), err))
		return false
	}

	if c.onMessage != nil {
		c.onMessage()
	}
	c.events.Publish(event.MessageIngested(c.spec.Port, messageSummary(act.message, rec)))

	return c.write(act.reply)
}

// write sends reply bytes; empty replies are skipped
func (c *Conn) write(reply []byte) bool {
	if len(reply) == 0 {
		return true
	}
	_ = c.netConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.netConn.Write(reply); err != nil {
		c.logger.Warn("Connection write error", "peer", c.netConn.RemoteAddr(), "error", err)
		return false
	}
	return true
}

// messageSummary renders a short ingestion description for the event stream
func messageSummary(msg *protocol.Message, rec *types.IngestRecord) string {
	id := rec.Patient.ExternalID
	if id == "" {
		id = rec.Patient.InternalID
	}
	return fmt.Sprintf("%s patient %s sample %q: %d result(s)",
		msg.Protocol, id, rec.Order.SampleID, len(rec.Results))
}
