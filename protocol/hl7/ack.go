package hl7

import (
	"fmt"
	"strings"
	"time"
)

// Acknowledgement codes for the MSA segment
const (
	AckAccept = "AA" // application accept
	AckError  = "AE" // application error (parse failure)
	AckReject = "AR" // application reject (required segments missing)
)

// BuildAck constructs an MLLP-enveloped acknowledgement for the message with
// the given control ID. MSH-3 (sending application) carries receivingApp,
// defaulting to "LabAnalyzer"; the receiving application field is left empty.
// An empty control ID is sent as "0".
func BuildAck(code, controlID, receivingApp string) []byte {
	if controlID == "" {
		controlID = "0"
	}
	if receivingApp == "" {
		receivingApp = "LabAnalyzer"
	}

	ts := time.Now().Format("20060102150405")
	var b strings.Builder
	fmt.Fprintf(&b, "MSH|^~\\&|%s||||%s||ACK^R01|%s|P|2.3.1\r", receivingApp, ts, controlID)
	fmt.Fprintf(&b, "MSA|%s|%s\r", code, controlID)

	return Envelope([]byte(b.String()))
}
