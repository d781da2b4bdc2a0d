package dispatch

import "strings"

// Response is the classification of a single device line.
type Response int

const (
	ResponseUnrecognized Response = iota
	ResponseAck
	ResponseFlowDone
	ResponseSuspend
)

// Keywords matched (case-insensitively, anywhere in the line) in this order.
const (
	KeywordAck      = "ack"
	KeywordFlowDone = "flowdone"
	KeywordSuspend  = "suspend"
)

func (r Response) String() string {
	switch r {
	case ResponseAck:
		return "ack"
	case ResponseFlowDone:
		return "flowdone"
	case ResponseSuspend:
		return "suspend"
	}
	return "unrecognized"
}

// Classify labels a device line. The first keyword found wins, so a line
// containing both "ack" and "flowdone" is an Ack.
func Classify(line string) Response {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, KeywordAck):
		return ResponseAck
	case strings.Contains(l, KeywordFlowDone):
		return ResponseFlowDone
	case strings.Contains(l, KeywordSuspend):
		return ResponseSuspend
	}
	return ResponseUnrecognized
}
