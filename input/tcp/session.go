package tcp

import (
	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/event"
	"github.com/harrisyn/LabAnalyzer/protocol"
	"github.com/harrisyn/LabAnalyzer/protocol/astm"
	"github.com/harrisyn/LabAnalyzer/protocol/hl7"
	"github.com/harrisyn/LabAnalyzer/types"
)

// action is one unit of session output. When message is non-nil the caller
// must persist it before transmitting reply; on persistence failure the
// reply is withheld and the connection closed (the analyzer retransmits).
type action struct {
	reply   []byte
	message *protocol.Message
}

// session adapts one protocol to the connection read loop
type session interface {
	// consume processes inbound bytes. A returned error is fatal.
	consume(data []byte) ([]action, error)
	// rejectReply builds the response for a message dropped as invalid
	rejectReply(msg *protocol.Message) []byte
	// teardown discards in-progress state when the socket closes
	teardown()
}

// newSession builds the session for a listener's protocol
func newSession(proto types.Protocol, appName string, warn func(event.Event)) session {
	switch proto {
	case types.ProtocolHL7:
		return &hl7Session{codec: hl7.NewCodec(), appName: appName, warn: warn}
	default:
		return &astmSession{codec: astm.NewCodec(), decoder: astm.NewDecoder(), warn: warn}
	}
}

// astmSession drives the E1381 handshake and E1394 record assembly
type astmSession struct {
	codec      *astm.Codec
	decoder    *astm.Decoder
	warn       func(event.Event)
	decodeNAKs int
}

func (s *astmSession) consume(data []byte) ([]action, error) {
	res, err := s.codec.Feed(data)

	var actions []action
	for _, step := range res.Steps {
		if step.Payload == nil {
			actions = append(actions, action{reply: step.Reply})
			continue
		}

		msgs, derr := s.decoder.Consume(step.Payload)
		if derr != nil {
			// Malformed record inside a checksum-valid frame: NAK it,
			// rewind the expected sequence so the retransmission matches,
			// and keep the session alive until the NAK budget is spent
			s.decodeNAKs++
			s.codec.Rewind()
			s.warn(event.Warningf("decode", "astm record rejected: %v", derr))
			actions = append(actions, action{reply: []byte{astm.NAK}})
			if err == nil && s.decodeNAKs >= 3 {
				err = errors.WrapFatal(errors.ErrTooManyNAKs, "astm-session", "consume",
					"repeated record decode failures")
			}
			continue
		}
		s.decodeNAKs = 0

		if len(msgs) == 0 {
			actions = append(actions, action{reply: step.Reply})
			continue
		}
		// The frame completed a message: its ACK waits on persistence
		actions = append(actions, action{reply: step.Reply, message: msgs[0]})
		for _, extra := range msgs[1:] {
			actions = append(actions, action{message: extra})
		}
	}

	if res.SessionDone {
		if dropped := s.decoder.Flush(); dropped != nil && len(dropped.Records) > 0 {
			s.warn(event.Warningf("protocol", "session ended with %d unterminated records", len(dropped.Records)))
		}
	}

	// The codec's fatal errors (NAK streak) surface after the pending
	// replies so the final NAK still reaches the peer
	return actions, err
}

func (s *astmSession) rejectReply(*protocol.Message) []byte {
	return []byte{astm.NAK}
}

func (s *astmSession) teardown() {
	_ = s.decoder.Flush()
}

// hl7Session extracts MLLP envelopes and decodes HL7 messages
type hl7Session struct {
	codec   *hl7.Codec
	appName string
	warn    func(event.Event)
}

func (s *hl7Session) consume(data []byte) ([]action, error) {
	frames, discarded := s.codec.Feed(data)
	if discarded > 0 {
		s.warn(event.Warningf("framing", "discarded %d bytes outside MLLP envelope", discarded))
	}

	var actions []action
	for _, frame := range frames {
		msg, err := hl7.Decode(frame)
		if err != nil {
			// Parse failure: application error, session continues
			s.warn(event.Warningf("decode", "hl7 message rejected: %v", err))
			actions = append(actions, action{reply: hl7.BuildAck(hl7.AckError, "", s.appName)})
			continue
		}
		actions = append(actions, action{
			reply:   hl7.BuildAck(hl7.AckAccept, msg.ControlID, s.appName),
			message: msg,
		})
	}
	return actions, nil
}

func (s *hl7Session) rejectReply(msg *protocol.Message) []byte {
	controlID := ""
	if msg != nil {
		controlID = msg.ControlID
	}
	return hl7.BuildAck(hl7.AckReject, controlID, s.appName)
}

func (s *hl7Session) teardown() {}

// fatalSessionError reports whether an error should close the connection
func fatalSessionError(err error) bool {
	return err != nil && errors.IsFatal(err)
}
