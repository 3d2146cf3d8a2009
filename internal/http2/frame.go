package http2

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType represents an HTTP/2 frame type.
type FrameType uint8

const (
	// FrameData is for DATA frames (0x0).
	FrameData FrameType = 0x0
	// FrameHeaders is for HEADERS frames (0x1).
	FrameHeaders FrameType = 0x1
	// FrameRSTStream is for RST_STREAM frames (0x3).
	FrameRSTStream FrameType = 0x3
	// FramePushPromise is for PUSH_PROMISE frames (0x5).
	FramePushPromise FrameType = 0x5
	// FrameGoAway is for GOAWAY frames (0x7).
	FrameGoAway FrameType = 0x7
	// FrameWindowUpdate is for WINDOW_UPDATE frames (0x8).
	FrameWindowUpdate FrameType = 0x8
)

// String returns the string representation of the FrameType.
func (t FrameType) String() string {
	switch t {
	case FrameData:
		return "DATA"
	case FrameHeaders:
		return "HEADERS"
	case FrameRSTStream:
		return "RST_STREAM"
	case FramePushPromise:
		return "PUSH_PROMISE"
	case FrameGoAway:
		return "GOAWAY"
	case FrameWindowUpdate:
		return "WINDOW_UPDATE"
	default:
		return fmt.Sprintf("UNKNOWN_FRAME_TYPE_%d", uint8(t))
	}
}

// Flags represents flags for an HTTP/2 frame.
type Flags uint8

// Frame header flags
const (
	// FlagDataEndStream indicates that this DATA frame is the last from the sender.
	FlagDataEndStream Flags = 0x1
	// FlagDataPadded indicates that this DATA frame is padded.
	FlagDataPadded Flags = 0x8

	// FlagHeadersEndStream indicates that this HEADERS frame is the last from the sender.
	FlagHeadersEndStream Flags = 0x1
	// FlagHeadersEndHeaders indicates that this HEADERS frame contains an entire block of header fields.
	FlagHeadersEndHeaders Flags = 0x4

	// FlagPushPromiseEndHeaders indicates that this PUSH_PROMISE frame contains an entire block of header fields.
	FlagPushPromiseEndHeaders Flags = 0x4
)

const (
	// DefaultMaxFrameSize is the default maximum frame payload size.
	// SETTINGS_MAX_FRAME_SIZE can have any value between 2^14 and 2^24-1
	// octets, inclusive; we start with the minimum allowed value.
	DefaultMaxFrameSize uint32 = 16384 // 2^14
	// MaxAllowedFrameSize is the largest negotiable frame payload size.
	MaxAllowedFrameSize uint32 = (1 << 24) - 1
	// MinAllowedFrameSize is the smallest negotiable frame payload size.
	MinAllowedFrameSize uint32 = 16384

	// FrameHeaderLen is the length of the HTTP/2 frame header.
	FrameHeaderLen = 9

	// DefaultInitialWindowSize is the default initial window size for flow control.
	DefaultInitialWindowSize uint32 = 65535 // 2^16 - 1
)

// FrameHeader represents the 9-octet header common to all frames.
type FrameHeader struct {
	Length   uint32               // 24 bits
	Type     FrameType            // 8 bits
	Flags    Flags                // 8 bits
	StreamID uint32               // 31 bits (R is 1 bit, masked out)
	raw      [FrameHeaderLen]byte // Scratch space for (de)serialization
}

// ReadFrameHeader reads a frame header from r.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var fh FrameHeader
	if _, err := io.ReadFull(r, fh.raw[:]); err != nil {
		return FrameHeader{}, err
	}

	fh.Length = uint32(fh.raw[0])<<16 | uint32(fh.raw[1])<<8 | uint32(fh.raw[2])
	fh.Type = FrameType(fh.raw[3])
	fh.Flags = Flags(fh.raw[4])
	fh.StreamID = binary.BigEndian.Uint32(fh.raw[5:]) & 0x7FFFFFFF // Mask out R bit

	return fh, nil
}

// WriteTo serializes the frame header to w.
func (fh *FrameHeader) WriteTo(w io.Writer) (int64, error) {
	// Length (24 bits)
	fh.raw[0] = byte(fh.Length >> 16 & 0xFF)
	fh.raw[1] = byte(fh.Length >> 8 & 0xFF)
	fh.raw[2] = byte(fh.Length & 0xFF)
	fh.raw[3] = byte(fh.Type)
	fh.raw[4] = byte(fh.Flags)
	// StreamID (31 bits, R bit is 0)
	binary.BigEndian.PutUint32(fh.raw[5:9], fh.StreamID&0x7FFFFFFF)

	n, err := w.Write(fh.raw[:])
	return int64(n), err
}

// Frame is the interface for serializable HTTP/2 frames.
type Frame interface {
	Header() *FrameHeader
	WritePayload(w io.Writer) (int64, error)
	PayloadLen() uint32
}

// DataFrame represents an HTTP/2 DATA frame.
// RFC 7540, Section 6.1
type DataFrame struct {
	FrameHeader
	PadLength uint8 // Only present if FlagDataPadded is set
	Data      []byte
	Padding   []byte // Only present if FlagDataPadded is set
}

// Header returns the frame header.
func (f *DataFrame) Header() *FrameHeader { return &f.FrameHeader }

// ParsePayload reads the DATA payload from r according to header.
// Padding is validated and consumed but only Data counts as payload for the
// queue layer; the full declared Length counts against flow control.
func (f *DataFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if header.StreamID == 0 {
		return NewConnectionError(ErrCodeProtocolError, "received DATA on stream 0")
	}

	declaredLen := header.Length
	var dataLen uint32

	if f.Flags&FlagDataPadded != 0 {
		if declaredLen == 0 {
			// A padded frame must contain at least the PadLength octet.
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("padded DATA frame for stream %d has invalid declared payload length 0", header.StreamID))
		}
		var padLenField [1]byte
		if _, err := io.ReadFull(r, padLenField[:]); err != nil {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("DATA frame (stream %d) too short to contain PadLength field: %v", header.StreamID, err))
		}
		f.PadLength = padLenField[0]
		if uint32(f.PadLength)+1 > declaredLen {
			// RFC 6.1: padding that exceeds the remaining payload is a PROTOCOL_ERROR.
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("DATA frame (stream %d) invalid padding: PadLength %d exceeds declared payload %d", header.StreamID, f.PadLength, declaredLen))
		}
		dataLen = declaredLen - 1 - uint32(f.PadLength)
	} else {
		dataLen = declaredLen
		f.PadLength = 0
	}

	f.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		return NewConnectionError(ErrCodeProtocolError,
			fmt.Sprintf("error reading DATA frame payload for stream %d: %v", header.StreamID, err))
	}

	if f.Flags&FlagDataPadded != 0 {
		f.Padding = make([]byte, f.PadLength)
		if _, err := io.ReadFull(r, f.Padding); err != nil {
			return NewConnectionError(ErrCodeProtocolError,
				fmt.Sprintf("error reading DATA frame padding for stream %d: %v", header.StreamID, err))
		}
	} else {
		f.Padding = nil
	}
	return nil
}

// WritePayload serializes the DATA payload to w.
func (f *DataFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64

	if f.Flags&FlagDataPadded != 0 {
		n, err := w.Write([]byte{f.PadLength})
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	n, err := w.Write(f.Data)
	total += int64(n)
	if err != nil {
		return total, err
	}
	if f.Flags&FlagDataPadded != 0 {
		n, err = w.Write(f.Padding)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// PayloadLen returns the serialized payload length.
func (f *DataFrame) PayloadLen() uint32 {
	var length uint32
	if f.Flags&FlagDataPadded != 0 {
		length += 1 + uint32(f.PadLength)
	}
	return length + uint32(len(f.Data))
}

// HeadersFrame represents an HTTP/2 HEADERS frame carrying an already-encoded
// header block. The queue layer only ever emits unpadded HEADERS with
// END_HEADERS set; priority fields and CONTINUATION splitting are handled by
// collaborators.
// RFC 7540, Section 6.2
type HeadersFrame struct {
	FrameHeader
	HeaderBlockFragment []byte
}

// Header returns the frame header.
func (f *HeadersFrame) Header() *FrameHeader { return &f.FrameHeader }

// WritePayload serializes the HEADERS payload to w.
func (f *HeadersFrame) WritePayload(w io.Writer) (int64, error) {
	n, err := w.Write(f.HeaderBlockFragment)
	return int64(n), err
}

// PayloadLen returns the serialized payload length.
func (f *HeadersFrame) PayloadLen() uint32 {
	return uint32(len(f.HeaderBlockFragment))
}

// PushPromiseFrame represents an HTTP/2 PUSH_PROMISE frame.
// RFC 7540, Section 6.6
type PushPromiseFrame struct {
	FrameHeader
	PromisedStreamID    uint32 // 31 bits (R is 1 bit)
	HeaderBlockFragment []byte
}

// Header returns the frame header.
func (f *PushPromiseFrame) Header() *FrameHeader { return &f.FrameHeader }

// WritePayload serializes the PUSH_PROMISE payload to w.
func (f *PushPromiseFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	var streamIDBuf [4]byte
	binary.BigEndian.PutUint32(streamIDBuf[:], f.PromisedStreamID&0x7FFFFFFF) // Ensure R bit is 0
	n, err := w.Write(streamIDBuf[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	n, err = w.Write(f.HeaderBlockFragment)
	total += int64(n)
	return total, err
}

// PayloadLen returns the serialized payload length.
func (f *PushPromiseFrame) PayloadLen() uint32 {
	return 4 + uint32(len(f.HeaderBlockFragment))
}

// RSTStreamFrame represents an HTTP/2 RST_STREAM frame.
// RFC 7540, Section 6.4
type RSTStreamFrame struct {
	FrameHeader
	ErrorCode ErrorCode
}

// Header returns the frame header.
func (f *RSTStreamFrame) Header() *FrameHeader { return &f.FrameHeader }

// WritePayload serializes the RST_STREAM payload to w.
func (f *RSTStreamFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(f.ErrorCode))
	n, err := w.Write(buf[:])
	return int64(n), err
}

// PayloadLen returns the serialized payload length.
func (f *RSTStreamFrame) PayloadLen() uint32 {
	return 4 // ErrorCode
}

// GoAwayFrame represents an HTTP/2 GOAWAY frame.
// RFC 7540, Section 6.8
type GoAwayFrame struct {
	FrameHeader
	LastStreamID        uint32 // 31 bits (R is 1 bit)
	ErrorCode           ErrorCode
	AdditionalDebugData []byte
}

// Header returns the frame header.
func (f *GoAwayFrame) Header() *FrameHeader { return &f.FrameHeader }

// WritePayload serializes the GOAWAY payload to w.
func (f *GoAwayFrame) WritePayload(w io.Writer) (int64, error) {
	var total int64
	var fixed [8]byte
	binary.BigEndian.PutUint32(fixed[0:4], f.LastStreamID&0x7FFFFFFF) // Ensure R bit is 0
	binary.BigEndian.PutUint32(fixed[4:8], uint32(f.ErrorCode))
	n, err := w.Write(fixed[:])
	total += int64(n)
	if err != nil {
		return total, err
	}
	if len(f.AdditionalDebugData) > 0 {
		n, err = w.Write(f.AdditionalDebugData)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// PayloadLen returns the serialized payload length.
func (f *GoAwayFrame) PayloadLen() uint32 {
	return 8 + uint32(len(f.AdditionalDebugData))
}

// WindowUpdateFrame represents an HTTP/2 WINDOW_UPDATE frame.
// RFC 7540, Section 6.9
type WindowUpdateFrame struct {
	FrameHeader
	WindowSizeIncrement uint32 // 31 bits (R is 1 bit)
}

// Header returns the frame header.
func (f *WindowUpdateFrame) Header() *FrameHeader { return &f.FrameHeader }

// ParsePayload reads the WINDOW_UPDATE payload from r according to header.
func (f *WindowUpdateFrame) ParsePayload(r io.Reader, header FrameHeader) error {
	f.FrameHeader = header
	if f.Length != 4 {
		// RFC 7540, 6.9: a WINDOW_UPDATE frame with a length other than 4
		// octets is a connection error of type FRAME_SIZE_ERROR.
		return NewConnectionError(ErrCodeFrameSizeError,
			fmt.Sprintf("WINDOW_UPDATE frame payload must be 4 bytes, got %d", f.Length))
	}
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return fmt.Errorf("reading WINDOW_UPDATE increment: %w", err)
	}
	f.WindowSizeIncrement = binary.BigEndian.Uint32(buf[:]) & 0x7FFFFFFF // Mask R bit
	// A zero increment on a non-zero stream is a PROTOCOL_ERROR, validated by
	// the window handler rather than the parsing layer.
	return nil
}

// WritePayload serializes the WINDOW_UPDATE payload to w.
func (f *WindowUpdateFrame) WritePayload(w io.Writer) (int64, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], f.WindowSizeIncrement&0x7FFFFFFF) // Ensure R bit is 0
	n, err := w.Write(buf[:])
	return int64(n), err
}

// PayloadLen returns the serialized payload length.
func (f *WindowUpdateFrame) PayloadLen() uint32 {
	return 4 // WindowSizeIncrement
}

// WriteFrame writes a full HTTP/2 frame to the writer: first the 9-octet
// header (with Length recomputed from PayloadLen), then the payload.
func WriteFrame(w io.Writer, f Frame) error {
	header := f.Header()
	payloadLen := f.PayloadLen()
	header.Length = payloadLen

	if _, err := header.WriteTo(w); err != nil {
		return fmt.Errorf("writing frame header for %s (length %d): %w", header.Type, header.Length, err)
	}

	written, err := f.WritePayload(w)
	if err != nil {
		return fmt.Errorf("writing %s payload (declared length %d): %w", header.Type, payloadLen, err)
	}
	if uint32(written) != payloadLen {
		return fmt.Errorf("internal: %s payload length mismatch: PayloadLen() declared %d, but WritePayload() wrote %d bytes", header.Type, payloadLen, written)
	}
	return nil
}
