package oscaddr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Marshal encodes m in the OSC binary message format: a null-padded,
// 4-byte-aligned address string, a comma-prefixed type-tag string, then the
// arguments in order. Supported argument Go types: int32, int64, float32,
// float64, string, []byte.
func Marshal(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := writePaddedString(&buf, m.Address); err != nil {
		return nil, err
	}

	tags := make([]byte, 0, len(m.Args)+1)
	tags = append(tags, ',')
	var argBuf bytes.Buffer
	for _, a := range m.Args {
		switch v := a.(type) {
		case int32:
			tags = append(tags, 'i')
			if err := binary.Write(&argBuf, binary.BigEndian, v); err != nil {
				return nil, err
			}
		case int64:
			tags = append(tags, 'h')
			if err := binary.Write(&argBuf, binary.BigEndian, v); err != nil {
				return nil, err
			}
		case float32:
			tags = append(tags, 'f')
			if err := binary.Write(&argBuf, binary.BigEndian, math.Float32bits(v)); err != nil {
				return nil, err
			}
		case float64:
			tags = append(tags, 'd')
			if err := binary.Write(&argBuf, binary.BigEndian, math.Float64bits(v)); err != nil {
				return nil, err
			}
		case string:
			tags = append(tags, 's')
			if err := writePaddedString(&argBuf, v); err != nil {
				return nil, err
			}
		case []byte:
			tags = append(tags, 'b')
			if err := binary.Write(&argBuf, binary.BigEndian, int32(len(v))); err != nil {
				return nil, err
			}
			argBuf.Write(v)
			pad(&argBuf, len(v))
		default:
			return nil, fmt.Errorf("oscaddr: unsupported argument type %T", a)
		}
	}

	if err := writePaddedString(&buf, string(tags)); err != nil {
		return nil, err
	}
	buf.Write(argBuf.Bytes())
	return buf.Bytes(), nil
}

// Unmarshal decodes an OSC binary message. Typed arguments come back as
// int32, int64, float32, float64, string, or []byte depending on their tag.
func Unmarshal(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	addr, err := readPaddedString(r)
	if err != nil {
		return Message{}, fmt.Errorf("oscaddr: address: %w", err)
	}
	tagStr, err := readPaddedString(r)
	if err != nil {
		return Message{}, fmt.Errorf("oscaddr: typetags: %w", err)
	}
	if len(tagStr) == 0 || tagStr[0] != ',' {
		return Message{}, fmt.Errorf("oscaddr: missing typetag comma")
	}
	tags := tagStr[1:]

	args := make([]any, 0, len(tags))
	for _, tag := range []byte(tags) {
		switch tag {
		case 'i':
			var v int32
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return Message{}, fmt.Errorf("oscaddr: int32 arg: %w", err)
			}
			args = append(args, v)
		case 'h':
			var v int64
			if err := binary.Read(r, binary.BigEndian, &v); err != nil {
				return Message{}, fmt.Errorf("oscaddr: int64 arg: %w", err)
			}
			args = append(args, v)
		case 'f':
			var bits uint32
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return Message{}, fmt.Errorf("oscaddr: float32 arg: %w", err)
			}
			args = append(args, math.Float32frombits(bits))
		case 'd':
			var bits uint64
			if err := binary.Read(r, binary.BigEndian, &bits); err != nil {
				return Message{}, fmt.Errorf("oscaddr: float64 arg: %w", err)
			}
			args = append(args, math.Float64frombits(bits))
		case 's':
			s, err := readPaddedString(r)
			if err != nil {
				return Message{}, fmt.Errorf("oscaddr: string arg: %w", err)
			}
			args = append(args, s)
		case 'b':
			var n int32
			if err := binary.Read(r, binary.BigEndian, &n); err != nil {
				return Message{}, fmt.Errorf("oscaddr: blob length: %w", err)
			}
			if n < 0 {
				return Message{}, fmt.Errorf("oscaddr: negative blob length %d", n)
			}
			blob := make([]byte, n)
			if _, err := readFull(r, blob); err != nil {
				return Message{}, fmt.Errorf("oscaddr: blob data: %w", err)
			}
			if err := skipPad(r, int(n)); err != nil {
				return Message{}, err
			}
			args = append(args, blob)
		default:
			return Message{}, fmt.Errorf("oscaddr: unsupported typetag %q", tag)
		}
	}
	return Message{Address: addr, Args: args}, nil
}

func writePaddedString(buf *bytes.Buffer, s string) error {
	buf.WriteString(s)
	buf.WriteByte(0)
	pad(buf, len(s)+1)
	return nil
}

// pad appends zero bytes until the buffer's written-so-far length for this
// field (n bytes, already including any terminator) is a multiple of 4.
func pad(buf *bytes.Buffer, n int) {
	if rem := n % 4; rem != 0 {
		buf.Write(make([]byte, 4-rem))
	}
}

func readPaddedString(r *bytes.Reader) (string, error) {
	start := r.Len()
	var raw []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		raw = append(raw, b)
	}
	consumed := start - r.Len() // includes the null terminator
	return string(raw), skipPad(r, consumed)
}

func skipPad(r *bytes.Reader, consumed int) error {
	if rem := consumed % 4; rem != 0 {
		skip := 4 - rem
		buf := make([]byte, skip)
		if _, err := readFull(r, buf); err != nil {
			return err
		}
	}
	return nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
