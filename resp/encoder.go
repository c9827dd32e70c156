package resp

import (
	"bytes"
	"fmt"
	"strconv"
)

// EncodeCommand encodes a command and its arguments as an array of bulk strings, the
// form Redis servers require on their request stream. Strings are written as their
// UTF-8 bytes, byte slices verbatim, integers and floats in decimal text, and any
// other argument through its textual form.
func EncodeCommand(args ...interface{}) []byte {
	var out bytes.Buffer
	out.WriteByte(byte(Array))
	out.WriteString(strconv.Itoa(len(args)))
	out.WriteString("\r\n")
	for _, arg := range args {
		writeBulk(&out, argumentBytes(arg))
	}
	return out.Bytes()
}

// EncodeInline encodes a command in the inline form "VERB arg1 arg2\r\n". The inline
// form exists for interactive use only; programs should use EncodeCommand.
func EncodeInline(args ...string) []byte {
	var out bytes.Buffer
	for i, arg := range args {
		if i > 0 {
			out.WriteByte(' ')
		}
		out.WriteString(arg)
	}
	out.WriteString("\r\n")
	return out.Bytes()
}

// EncodeValue serialises a value back to its wire form. Together with the decoder it
// round-trips every representable value, nulls included.
func EncodeValue(v Value) []byte {
	var out bytes.Buffer
	encodeValue(&out, v)
	return out.Bytes()
}

func encodeValue(out *bytes.Buffer, v Value) {
	switch v.Kind {
	case SimpleString:
		out.WriteByte(byte(SimpleString))
		out.WriteString(v.Str)
		out.WriteString("\r\n")
	case ErrorString:
		out.WriteByte(byte(ErrorString))
		out.WriteString(v.Str)
		out.WriteString("\r\n")
	case Integer:
		out.WriteByte(byte(Integer))
		out.WriteString(strconv.FormatInt(v.Int, 10))
		out.WriteString("\r\n")
	case BulkString:
		if v.Null {
			out.WriteString("$-1\r\n")
			return
		}
		writeBulk(out, v.Bulk)
	case Array:
		if v.Null {
			out.WriteString("*-1\r\n")
			return
		}
		out.WriteByte(byte(Array))
		out.WriteString(strconv.Itoa(len(v.Array)))
		out.WriteString("\r\n")
		for _, element := range v.Array {
			encodeValue(out, element)
		}
	}
}

func writeBulk(out *bytes.Buffer, content []byte) {
	out.WriteByte(byte(BulkString))
	out.WriteString(strconv.Itoa(len(content)))
	out.WriteString("\r\n")
	out.Write(content)
	out.WriteString("\r\n")
}

func argumentBytes(arg interface{}) []byte {
	switch typed := arg.(type) {
	case string:
		return []byte(typed)
	case []byte:
		return typed
	case int:
		return []byte(strconv.Itoa(typed))
	case int64:
		return []byte(strconv.FormatInt(typed, 10))
	case float64:
		return []byte(strconv.FormatFloat(typed, 'g', -1, 64))
	default:
		return []byte(fmt.Sprint(typed))
	}
}
