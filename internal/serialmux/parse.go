package serialmux

import (
	"strconv"
	"strings"
)

// ReplyKind classifies a line received from the motion controller.
type ReplyKind int

const (
	// ReplyPrompt is the bare ":" the controller prints after accepting a
	// command.
	ReplyPrompt ReplyKind = iota
	// ReplyError is "?" followed by a numeric error code.
	ReplyError
	// ReplyData is any other output, such as a queried value.
	ReplyData
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyPrompt:
		return "prompt"
	case ReplyError:
		return "error"
	default:
		return "data"
	}
}

// Reply is a classified controller line.
type Reply struct {
	Kind ReplyKind
	// Code is set for ReplyError.
	Code int
	Text string
}

// ParseReply classifies one line of controller output.
func ParseReply(line string) Reply {
	text := strings.TrimSpace(line)
	switch {
	case text == ":":
		return Reply{Kind: ReplyPrompt, Text: text}
	case strings.HasPrefix(text, "?"):
		code, err := strconv.Atoi(strings.TrimSpace(text[1:]))
		if err != nil {
			return Reply{Kind: ReplyData, Text: text}
		}
		return Reply{Kind: ReplyError, Code: code, Text: text}
	default:
		return Reply{Kind: ReplyData, Text: text}
	}
}
