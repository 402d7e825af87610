package transport

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentcell/types"
)

// Verb identifies a wire protocol operation.
type Verb string

const (
	VerbPub   Verb = "PUB"
	VerbSub   Verb = "SUB"
	VerbUnsub Verb = "UNSUB"
	VerbMsg   Verb = "MSG"
	VerbPing  Verb = "PING"
	VerbPong  Verb = "PONG"
	VerbOK    Verb = "+OK"
	VerbErr   Verb = "-ERR"
	VerbInfo  Verb = "INFO"
)

// Operation is one parsed protocol frame.
type Operation struct {
	Verb    Verb
	Subject string
	SID     string
	ReplyTo string
	Payload []byte
	// Err carries the server message of an -ERR frame.
	Err string
}

const (
	crlf = "\r\n"

	// maxPayloadSize bounds a single frame. Matches the common server-side
	// default of 1 MiB so either peer rejects oversized frames first.
	maxPayloadSize = 1 << 20
)

// AppendPub appends a PUB frame: PUB <subject> <#bytes>\r\n<payload>\r\n.
func AppendPub(dst []byte, subject string, payload []byte) []byte {
	dst = append(dst, "PUB "...)
	dst = append(dst, subject...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, crlf...)
	dst = append(dst, payload...)
	dst = append(dst, crlf...)
	return dst
}

// AppendSub appends a SUB frame: SUB <subject> <sid>\r\n.
func AppendSub(dst []byte, subject, sid string) []byte {
	dst = append(dst, "SUB "...)
	dst = append(dst, subject...)
	dst = append(dst, ' ')
	dst = append(dst, sid...)
	dst = append(dst, crlf...)
	return dst
}

// AppendUnsub appends an UNSUB frame: UNSUB <sid>\r\n.
func AppendUnsub(dst []byte, sid string) []byte {
	dst = append(dst, "UNSUB "...)
	dst = append(dst, sid...)
	dst = append(dst, crlf...)
	return dst
}

// AppendMsg appends a MSG frame: MSG <subject> <sid> [reply-to] <#bytes>\r\n<payload>\r\n.
func AppendMsg(dst []byte, subject, sid, replyTo string, payload []byte) []byte {
	dst = append(dst, "MSG "...)
	dst = append(dst, subject...)
	dst = append(dst, ' ')
	dst = append(dst, sid...)
	if replyTo != "" {
		dst = append(dst, ' ')
		dst = append(dst, replyTo...)
	}
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, crlf...)
	dst = append(dst, payload...)
	dst = append(dst, crlf...)
	return dst
}

// AppendPing appends a PING frame.
func AppendPing(dst []byte) []byte { return append(dst, "PING"+crlf...) }

// AppendPong appends a PONG frame.
func AppendPong(dst []byte) []byte { return append(dst, "PONG"+crlf...) }

func formatSID(n uint64) string { return strconv.FormatUint(n, 10) }

// Parser reads protocol frames from a byte stream. One Parser serves one
// connection; it is not safe for concurrent use.
type Parser struct {
	r *bufio.Reader
}

// NewParser wraps r for frame-by-frame reading. Both the socket client and
// the WebSocket client parse through this type, so a frame accepted by one
// is accepted by the other.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReader(r)}
}

// ReadOperation reads and decodes the next frame. io.EOF signals a clean end
// of stream; any other error means the stream is corrupt and the connection
// must be dropped.
func (p *Parser) ReadOperation() (Operation, error) {
	line, err := p.readLine()
	if err != nil {
		return Operation{}, err
	}

	verb, rest, _ := strings.Cut(line, " ")
	switch Verb(strings.ToUpper(verb)) {
	case VerbPub:
		return p.readPub(rest)
	case VerbSub:
		return parseSub(rest)
	case VerbUnsub:
		if rest == "" {
			return Operation{}, fmt.Errorf("transport: UNSUB missing sid")
		}
		return Operation{Verb: VerbUnsub, SID: rest}, nil
	case VerbMsg:
		return p.readMsg(rest)
	case VerbPing:
		return Operation{Verb: VerbPing}, nil
	case VerbPong:
		return Operation{Verb: VerbPong}, nil
	case VerbOK:
		return Operation{Verb: VerbOK}, nil
	case VerbErr:
		return Operation{Verb: VerbErr, Err: strings.Trim(rest, "'")}, nil
	case VerbInfo:
		return Operation{Verb: VerbInfo, Payload: []byte(rest)}, nil
	default:
		return Operation{}, fmt.Errorf("transport: unknown verb %q", verb)
	}
}

// ParseFrame decodes a single complete frame held in buf, for
// message-oriented carriers that deliver one frame per message.
func ParseFrame(buf []byte) (Operation, error) {
	return NewParser(bytes.NewReader(buf)).ReadOperation()
}

func (p *Parser) readLine() (string, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (p *Parser) readPub(args string) (Operation, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return Operation{}, fmt.Errorf("transport: malformed PUB %q", args)
	}
	payload, err := p.readPayload(fields[1])
	if err != nil {
		return Operation{}, err
	}
	return Operation{Verb: VerbPub, Subject: fields[0], Payload: payload}, nil
}

func parseSub(args string) (Operation, error) {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return Operation{}, fmt.Errorf("transport: malformed SUB %q", args)
	}
	return Operation{Verb: VerbSub, Subject: fields[0], SID: fields[1]}, nil
}

func (p *Parser) readMsg(args string) (Operation, error) {
	fields := strings.Fields(args)
	op := Operation{Verb: VerbMsg}
	switch len(fields) {
	case 3:
		op.Subject, op.SID = fields[0], fields[1]
	case 4:
		op.Subject, op.SID, op.ReplyTo = fields[0], fields[1], fields[2]
	default:
		return Operation{}, fmt.Errorf("transport: malformed MSG %q", args)
	}
	payload, err := p.readPayload(fields[len(fields)-1])
	if err != nil {
		return Operation{}, err
	}
	op.Payload = payload
	return op, nil
}

func (p *Parser) readPayload(sizeField string) ([]byte, error) {
	size, err := strconv.Atoi(sizeField)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("transport: bad payload size %q", sizeField)
	}
	if size > maxPayloadSize {
		return nil, fmt.Errorf("transport: payload of %d bytes exceeds limit", size)
	}
	buf := make([]byte, size+2)
	if _, err := io.ReadFull(p.r, buf); err != nil {
		return nil, fmt.Errorf("transport: short payload read: %w", err)
	}
	if !bytes.HasSuffix(buf, []byte(crlf)) {
		return nil, fmt.Errorf("transport: payload missing trailing CRLF")
	}
	return buf[:size], nil
}

// Normalize converts a raw inbound payload into the uniform message envelope.
// Valid JSON passes through as the payload; anything else is wrapped as
// {"raw": "<base64>"} so subscribers always receive well-formed JSON. The
// sender is the bus pseudo-identity and the subject becomes the recipient.
func Normalize(subject string, payload []byte) types.Message {
	var body json.RawMessage
	if json.Valid(payload) && len(bytes.TrimSpace(payload)) > 0 {
		body = json.RawMessage(bytes.Clone(payload))
	} else {
		wrapped, _ := json.Marshal(map[string]string{
			"raw": base64.StdEncoding.EncodeToString(payload),
		})
		body = wrapped
	}
	return types.Message{
		ID:        uuid.NewString(),
		From:      BusIdentity,
		To:        types.AgentID(subject),
		Payload:   body,
		Timestamp: uint64(time.Now().Unix()),
	}
}
