// Package resp serves page sessions over the Redis Serialization Protocol. Every
// connection is one external client: the pages it opens stay referenced until it
// closes them or disconnects.
package resp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// RESP data types
const (
	TypeSimpleString = '+'
	TypeError        = '-'
	TypeInteger      = ':'
	TypeBulkString   = '$'
	TypeArray        = '*'
)

const (
	maxBulkLength  = 64 << 20
	maxArrayLength = 1024
)

var ErrProtocol = errors.New("protocol error")

// Value is one decoded RESP value. Bulk strings keep their bytes so page content
// survives unchanged.
type Value struct {
	Type  byte
	Str   string
	Bulk  []byte
	Int   int64
	Array []Value
	Null  bool
}

// Parser decodes RESP values from a stream.
type Parser struct {
	reader *bufio.Reader
}

func NewParser(r io.Reader) *Parser {
	if br, ok := r.(*bufio.Reader); ok {
		return &Parser{reader: br}
	}
	return &Parser{reader: bufio.NewReader(r)}
}

// Parse reads one complete value.
func (p *Parser) Parse() (Value, error) {
	typeByte, err := p.reader.ReadByte()
	if err != nil {
		return Value{}, err
	}

	switch typeByte {
	case TypeSimpleString, TypeError:
		line, err := p.readLine()
		return Value{Type: typeByte, Str: line}, err
	case TypeInteger:
		n, err := p.readInt()
		return Value{Type: TypeInteger, Int: n}, err
	case TypeBulkString:
		return p.parseBulk()
	case TypeArray:
		return p.parseArray()
	default:
		return Value{}, fmt.Errorf("%w: invalid type byte %q", ErrProtocol, typeByte)
	}
}

func (p *Parser) parseBulk() (Value, error) {
	n, err := p.readInt()
	if err != nil {
		return Value{}, err
	}
	if n == -1 {
		return Value{Type: TypeBulkString, Null: true}, nil
	}
	if n < 0 || n > maxBulkLength {
		return Value{}, fmt.Errorf("%w: invalid bulk length %d", ErrProtocol, n)
	}

	buf := make([]byte, n+2)
	if _, err := io.ReadFull(p.reader, buf); err != nil {
		return Value{}, err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return Value{}, fmt.Errorf("%w: expected CRLF after bulk string", ErrProtocol)
	}
	data := buf[:n:n]
	return Value{Type: TypeBulkString, Bulk: data, Str: string(data)}, nil
}

func (p *Parser) parseArray() (Value, error) {
	n, err := p.readInt()
	if err != nil {
		return Value{}, err
	}
	if n == -1 {
		return Value{Type: TypeArray, Null: true}, nil
	}
	if n < 0 || n > maxArrayLength {
		return Value{}, fmt.Errorf("%w: invalid array length %d", ErrProtocol, n)
	}

	elements := make([]Value, n)
	for i := range elements {
		if elements[i], err = p.Parse(); err != nil {
			return Value{}, err
		}
	}
	return Value{Type: TypeArray, Array: elements}, nil
}

func (p *Parser) readInt() (int64, error) {
	line, err := p.readLine()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", ErrProtocol, line)
	}
	return n, nil
}

// readLine reads a CRLF terminated line without the CRLF.
func (p *Parser) readLine() (string, error) {
	line, err := p.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", fmt.Errorf("%w: line must end with CRLF", ErrProtocol)
	}
	return line[:len(line)-2], nil
}

// Writer encodes replies. Callers Flush once per reply.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) SimpleString(s string) {
	w.w.WriteByte(TypeSimpleString)
	w.w.WriteString(s)
	w.w.WriteString("\r\n")
}

// Error writes an error reply. code is the leading word clients match on, e.g. ERR.
func (w *Writer) Error(code, msg string) {
	w.w.WriteByte(TypeError)
	w.w.WriteString(code)
	if msg != "" {
		w.w.WriteByte(' ')
		w.w.WriteString(strings.ReplaceAll(msg, "\r\n", " "))
	}
	w.w.WriteString("\r\n")
}

func (w *Writer) Integer(n int64) {
	w.w.WriteByte(TypeInteger)
	w.w.WriteString(strconv.FormatInt(n, 10))
	w.w.WriteString("\r\n")
}

func (w *Writer) Bulk(data []byte) {
	w.w.WriteByte(TypeBulkString)
	w.w.WriteString(strconv.Itoa(len(data)))
	w.w.WriteString("\r\n")
	w.w.Write(data)
	w.w.WriteString("\r\n")
}

func (w *Writer) Null() {
	w.w.WriteString("$-1\r\n")
}

// ArrayHeader starts an array of n elements; the caller writes them next.
func (w *Writer) ArrayHeader(n int) {
	w.w.WriteByte(TypeArray)
	w.w.WriteString(strconv.Itoa(n))
	w.w.WriteString("\r\n")
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Command is a request: an array of bulk strings, the first naming the command.
type Command struct {
	Name string
	Args [][]byte
}

// Arg returns argument i as a string.
func (c Command) Arg(i int) string {
	return string(c.Args[i])
}

// ParseCommand converts a RESP array into a Command.
func ParseCommand(v Value) (Command, error) {
	if v.Type != TypeArray || v.Null || len(v.Array) == 0 {
		return Command{}, fmt.Errorf("%w: command must be a non-empty array", ErrProtocol)
	}

	cmd := Command{Args: make([][]byte, 0, len(v.Array)-1)}
	for i, el := range v.Array {
		if el.Type != TypeBulkString || el.Null {
			return Command{}, fmt.Errorf("%w: command elements must be bulk strings", ErrProtocol)
		}
		if i == 0 {
			cmd.Name = strings.ToUpper(el.Str)
			continue
		}
		cmd.Args = append(cmd.Args, el.Bulk)
	}
	return cmd, nil
}
