package engine

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/danderson/dbusloop/fragments"
)

// MessageType is the type of a DBus message.
type MessageType byte

const (
	TypeMethodCall MessageType = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

func (t MessageType) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

// Flags are the message header flags.
type Flags byte

const (
	FlagNoReplyExpected Flags = 1 << iota
	FlagNoAutoStart
	FlagAllowInteractiveAuthorization
)

const (
	protocolVersion = 1
	maxMessageLen   = 128 << 20
	fixedHeaderLen  = 16
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldNumFDs      = 9
)

// Message is a DBus message.
type Message struct {
	Type  MessageType
	Flags Flags
	// Serial is assigned by the Engine when the message is sent.
	Serial uint32

	// Path is the target object for a call, or the source object
	// for a signal.
	Path string
	// Interface is the interface to target for a call, or the
	// source interface for a signal. Optional for calls.
	Interface string
	// Member is the method name for a call, or signal name for a
	// signal.
	Member string
	// ErrorName is the name of the error that occurred.
	ErrorName string
	// ReplySerial is the serial of the message this message replies
	// to.
	ReplySerial uint32
	// Destination is the target for a message. Optional for
	// signals.
	Destination string
	// Sender is the unique name of the message sender. The bus
	// populates this value itself.
	Sender string

	// Signature is the type signature of Body.
	Signature string
	// Order is the byte order of Body. Nil means native order.
	Order fragments.ByteOrder
	// Body is the encoded message body.
	Body []byte
	// Files are the file descriptors attached to the message.
	Files []*os.File
}

func (m *Message) order() fragments.ByteOrder {
	if m.Order == nil {
		m.Order = fragments.NativeEndian
	}
	return m.Order
}

// NewMethodCall returns a method call message. iface may be empty.
func NewMethodCall(dest, path, iface, member string) *Message {
	return &Message{
		Type:        TypeMethodCall,
		Destination: dest,
		Path:        path,
		Interface:   iface,
		Member:      member,
	}
}

// NewMethodReturn returns a successful reply to call.
func NewMethodReturn(call *Message) *Message {
	return &Message{
		Type:        TypeMethodReturn,
		Flags:       FlagNoReplyExpected,
		ReplySerial: call.Serial,
		Destination: call.Sender,
	}
}

// NewError returns an error reply to call. If detail is non-empty,
// it is attached as the error's single string argument.
func NewError(call *Message, name, detail string) *Message {
	ret := &Message{
		Type:        TypeError,
		Flags:       FlagNoReplyExpected,
		ReplySerial: call.Serial,
		Destination: call.Sender,
		ErrorName:   name,
	}
	if detail != "" {
		// Cannot fail, detail is a plain string.
		ret.Append().AppendBasic(TypeString, detail)
	}
	return ret
}

// NewSignal returns a signal message.
func NewSignal(path, iface, member string) *Message {
	return &Message{
		Type:      TypeSignal,
		Flags:     FlagNoReplyExpected,
		Path:      path,
		Interface: iface,
		Member:    member,
	}
}

// WantReply reports whether m is a method call that requires a
// response.
func (m *Message) WantReply() bool {
	return m.Type == TypeMethodCall && m.Flags&FlagNoReplyExpected == 0
}

// ErrorDetail returns the human-readable detail of an error
// message, if it carries one.
func (m *Message) ErrorDetail() string {
	if m.Type != TypeError || typeOf(m.Signature) != TypeString {
		return ""
	}
	v, err := m.Args().Basic()
	if err != nil {
		return ""
	}
	return v.(string)
}

// IsSignal reports whether m is the given signal.
func (m *Message) IsSignal(iface, member string) bool {
	return m.Type == TypeSignal && m.Interface == iface && m.Member == member
}

func (m *Message) String() string {
	switch m.Type {
	case TypeMethodCall:
		return fmt.Sprintf("call %s %s %s.%s(%s) serial=%d", m.Destination, m.Path, m.Interface, m.Member, m.Signature, m.Serial)
	case TypeMethodReturn:
		return fmt.Sprintf("return (%s) reply_serial=%d", m.Signature, m.ReplySerial)
	case TypeError:
		return fmt.Sprintf("error %s reply_serial=%d", m.ErrorName, m.ReplySerial)
	case TypeSignal:
		return fmt.Sprintf("signal %s %s.%s(%s) from %s", m.Path, m.Interface, m.Member, m.Signature, m.Sender)
	}
	return m.Type.String()
}

// Valid checks that the message header is valid for its message type.
func (m *Message) Valid() error {
	if m.Serial == 0 {
		return errors.New("invalid message with zero Serial")
	}
	switch m.Type {
	case 0:
		return errors.New("invalid message with Type 0")
	case TypeMethodCall:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	case TypeMethodReturn:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
	case TypeError:
		if m.ReplySerial == 0 {
			return errors.New("missing required header field ReplySerial")
		}
		if m.ErrorName == "" {
			return errors.New("missing required header field ErrorName")
		}
	case TypeSignal:
		if m.Path == "" {
			return errors.New("missing required header field Path")
		}
		if m.Interface == "" {
			return errors.New("missing required header field Interface")
		}
		if m.Member == "" {
			return errors.New("missing required header field Member")
		}
	default:
		// Unknown message types are suspect, but must be tolerated.
	}
	if m.Path != "" {
		if err := ValidObjectPath(m.Path); err != nil {
			return err
		}
	}
	if m.Interface != "" {
		if err := ValidInterface(m.Interface); err != nil {
			return err
		}
	}
	if m.Member != "" {
		if err := ValidMember(m.Member); err != nil {
			return err
		}
	}
	if m.ErrorName != "" {
		if err := ValidInterface(m.ErrorName); err != nil {
			return fmt.Errorf("error name: %w", err)
		}
	}
	if m.Destination != "" {
		if err := ValidBusName(m.Destination); err != nil {
			return err
		}
	}
	return ValidSignature(m.Signature)
}

// Marshal returns the wire encoding of m.
func (m *Message) Marshal() ([]byte, error) {
	if err := m.Valid(); err != nil {
		return nil, err
	}
	e := &fragments.Encoder{Order: m.order()}
	e.ByteOrderFlag()
	e.Uint8(uint8(m.Type))
	e.Uint8(uint8(m.Flags))
	e.Uint8(protocolVersion)
	e.Uint32(uint32(len(m.Body)))
	e.Uint32(m.Serial)

	fields := &Writer{enc: e}
	arr, err := fields.OpenContainer(TypeArray, "(yv)")
	if err != nil {
		return nil, err
	}
	add := func(code uint8, t Type, v any) error {
		st, err := arr.OpenContainer(TypeStruct, "")
		if err != nil {
			return err
		}
		if err := st.AppendBasic(TypeByte, code); err != nil {
			return err
		}
		vr, err := st.OpenContainer(TypeVariant, string(t))
		if err != nil {
			return err
		}
		if err := vr.AppendBasic(t, v); err != nil {
			return err
		}
		if err := st.CloseContainer(vr); err != nil {
			return err
		}
		return arr.CloseContainer(st)
	}
	strFields := []struct {
		code uint8
		t    Type
		v    string
	}{
		{fieldPath, TypeObjectPath, m.Path},
		{fieldInterface, TypeString, m.Interface},
		{fieldMember, TypeString, m.Member},
		{fieldErrorName, TypeString, m.ErrorName},
		{fieldDestination, TypeString, m.Destination},
		{fieldSender, TypeString, m.Sender},
	}
	for _, f := range strFields {
		if f.v == "" {
			continue
		}
		if err := add(f.code, f.t, f.v); err != nil {
			return nil, err
		}
	}
	if m.ReplySerial != 0 {
		if err := add(fieldReplySerial, TypeUint32, m.ReplySerial); err != nil {
			return nil, err
		}
	}
	if m.Signature != "" {
		if err := add(fieldSignature, TypeSignature, m.Signature); err != nil {
			return nil, err
		}
	}
	if len(m.Files) > 0 {
		if err := add(fieldNumFDs, TypeUint32, uint32(len(m.Files))); err != nil {
			return nil, err
		}
	}
	if err := fields.CloseContainer(arr); err != nil {
		return nil, err
	}
	e.Pad(8)
	e.Write(m.Body)
	if len(e.Out) > maxMessageLen {
		return nil, fmt.Errorf("message length %d exceeds maximum %d", len(e.Out), maxMessageLen)
	}
	return e.Out, nil
}

// frameLen returns the total length of the message at the start of
// bs, or 0 if bs does not yet contain enough of the message to tell.
func frameLen(bs []byte) (int, error) {
	if len(bs) < fixedHeaderLen {
		return 0, nil
	}
	d := fragments.Decoder{In: bs}
	if err := d.ByteOrderFlag(); err != nil {
		return 0, protoErr("reading header", "%s", err)
	}
	if v := bs[3]; v != protocolVersion {
		return 0, protoErr("reading header", "unsupported protocol version %d", v)
	}
	bodyLen := int(d.Order.Uint32(bs[4:8]))
	fieldsLen := int(d.Order.Uint32(bs[12:16]))
	hdr := fixedHeaderLen + fieldsLen
	if pad := hdr % 8; pad != 0 {
		hdr += 8 - pad
	}
	total := hdr + bodyLen
	if bodyLen > maxMessageLen || fieldsLen > maxMessageLen || total > maxMessageLen {
		return 0, protoErr("reading header", "message length %d exceeds maximum %d", total, maxMessageLen)
	}
	return total, nil
}

// parsed is a decoded message, plus the number of attached files
// that the caller must collect from the transport.
type parsed struct {
	msg    *Message
	numFDs uint32
}

// parseMessage decodes the complete message in bs.
func parseMessage(bs []byte) (parsed, error) {
	var ret parsed
	d := &fragments.Decoder{In: bs}
	fail := func(err error) (parsed, error) {
		var pe ProtocolError
		if errors.As(err, &pe) {
			return parsed{}, err
		}
		return parsed{}, ProtocolError{"reading header", err}
	}
	if err := d.ByteOrderFlag(); err != nil {
		return fail(err)
	}
	m := &Message{Order: d.Order}
	ret.msg = m
	typ, _ := d.Uint8()
	flags, _ := d.Uint8()
	if _, err := d.Uint8(); err != nil {
		return fail(err)
	}
	bodyLen, err := d.Uint32()
	if err != nil {
		return fail(err)
	}
	if m.Serial, err = d.Uint32(); err != nil {
		return fail(err)
	}
	m.Type = MessageType(typ)
	m.Flags = Flags(flags)

	fields := &Reader{dec: d, sig: "a(yv)"}
	arr, err := fields.Recurse()
	if err != nil {
		return fail(err)
	}
	for arr.ArgType() != TypeInvalid {
		st, err := arr.Recurse()
		if err != nil {
			return fail(err)
		}
		code, err := st.Basic()
		if err != nil {
			return fail(err)
		}
		vr, err := st.Recurse()
		if err != nil {
			return fail(err)
		}
		if err := m.setField(code.(uint8), vr, &ret.numFDs); err != nil {
			return fail(err)
		}
		if err := vr.Close(); err != nil {
			return fail(err)
		}
		if err := st.Close(); err != nil {
			return fail(err)
		}
	}
	if err := arr.Close(); err != nil {
		return fail(err)
	}
	if err := d.Pad(8); err != nil {
		return fail(err)
	}
	body, err := d.Read(int(bodyLen))
	if err != nil {
		return fail(err)
	}
	if d.Remaining() != 0 {
		return fail(fmt.Errorf("%d trailing bytes after message body", d.Remaining()))
	}
	m.Body = body
	if m.Serial == 0 {
		return fail(errors.New("zero serial"))
	}
	if err := m.Valid(); err != nil {
		return fail(err)
	}
	if len(body) > 0 && m.Signature == "" {
		return fail(errors.New("message body present without a signature"))
	}
	return ret, nil
}

func (m *Message) setField(code uint8, v *Reader, numFDs *uint32) error {
	want := map[uint8]Type{
		fieldPath:        TypeObjectPath,
		fieldInterface:   TypeString,
		fieldMember:      TypeString,
		fieldErrorName:   TypeString,
		fieldReplySerial: TypeUint32,
		fieldDestination: TypeString,
		fieldSender:      TypeString,
		fieldSignature:   TypeSignature,
		fieldNumFDs:      TypeUint32,
	}[code]
	if want == TypeInvalid {
		// Unknown header fields must be ignored.
		return nil
	}
	if got := v.ArgType(); got != want {
		return fmt.Errorf("header field %d has type %s, want %s", code, got, want)
	}
	val, err := v.Basic()
	if err != nil {
		return err
	}
	switch code {
	case fieldPath:
		m.Path = val.(string)
	case fieldInterface:
		m.Interface = val.(string)
	case fieldMember:
		m.Member = val.(string)
	case fieldErrorName:
		m.ErrorName = val.(string)
	case fieldReplySerial:
		m.ReplySerial = val.(uint32)
	case fieldDestination:
		m.Destination = val.(string)
	case fieldSender:
		m.Sender = val.(string)
	case fieldSignature:
		m.Signature = val.(string)
	case fieldNumFDs:
		*numFDs = val.(uint32)
	}
	return nil
}

// ReadMessage reads one complete message from r. Attached file
// descriptors are not supported: messages that claim to carry files
// are rejected.
func ReadMessage(r io.Reader) (*Message, error) {
	hdr := make([]byte, fixedHeaderLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	total, err := frameLen(hdr)
	if err != nil {
		return nil, err
	}
	bs := make([]byte, total)
	copy(bs, hdr)
	if _, err := io.ReadFull(r, bs[fixedHeaderLen:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	p, err := parseMessage(bs)
	if err != nil {
		return nil, err
	}
	if p.numFDs != 0 {
		return nil, protoErr("reading message", "message carries %d file descriptors on a stream without fd passing", p.numFDs)
	}
	return p.msg, nil
}
