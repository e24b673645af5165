package engine

import (
	"bytes"
	"testing"

	"github.com/danderson/dbusloop/fragments"
	godbus "github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestMessageRoundTrip(t *testing.T) {
	tests := []func(order fragments.ByteOrder) *Message{
		func(order fragments.ByteOrder) *Message {
			m := NewMethodCall("com.example.Test", "/com/example/obj", "com.example.Iface", "Frob")
			m.Order = order
			m.Serial = 42
			m.Sender = ":1.7"
			w := m.Append()
			w.AppendBasic(TypeString, "hi")
			w.AppendBasic(TypeUint32, uint32(9))
			return m
		},
		func(order fragments.ByteOrder) *Message {
			return &Message{Type: TypeMethodReturn, Order: order, Serial: 3, ReplySerial: 42, Destination: ":1.7"}
		},
		func(order fragments.ByteOrder) *Message {
			m := &Message{Type: TypeError, Order: order, Serial: 6, ReplySerial: 5, ErrorName: ErrorUnknownMethod}
			m.Append().AppendBasic(TypeString, "nope")
			return m
		},
		func(order fragments.ByteOrder) *Message {
			m := NewSignal("/a/b", "com.example.Sig", "Changed")
			m.Order = order
			m.Serial = 7
			return m
		},
	}

	cmpOrder := cmp.Comparer(func(a, b fragments.ByteOrder) bool { return a == b })
	for _, order := range []fragments.ByteOrder{fragments.LittleEndian, fragments.BigEndian} {
		for _, mk := range tests {
			m := mk(order)
			bs, err := m.Marshal()
			if err != nil {
				t.Fatalf("Marshal(%s) got err: %v", m, err)
			}
			got, err := ReadMessage(bytes.NewReader(bs))
			if err != nil {
				t.Fatalf("ReadMessage(%s) got err: %v", m, err)
			}
			if diff := cmp.Diff(got, m, cmpopts.EquateEmpty(), cmpOrder); diff != "" {
				t.Errorf("message round trip diff (-got+want):\n%s", diff)
			}
		}
	}
}

func TestErrorDetail(t *testing.T) {
	m := NewError(&Message{Serial: 5, Sender: ":1.2"}, ErrorInvalidArgs, "bad input")
	if got := m.ErrorDetail(); got != "bad input" {
		t.Errorf("ErrorDetail() = %q, want %q", got, "bad input")
	}
	if m.Destination != ":1.2" || m.ReplySerial != 5 {
		t.Errorf("NewError addressed reply to %q/%d, want :1.2/5", m.Destination, m.ReplySerial)
	}
	if got := NewError(&Message{Serial: 1}, ErrorFailed, "").ErrorDetail(); got != "" {
		t.Errorf("ErrorDetail() without detail = %q, want empty", got)
	}
}

func TestMessageValid(t *testing.T) {
	tests := []struct {
		name string
		m    *Message
	}{
		{"zero serial", &Message{Type: TypeSignal, Path: "/", Interface: "a.b", Member: "C"}},
		{"call without path", &Message{Type: TypeMethodCall, Serial: 1, Member: "M"}},
		{"signal without interface", &Message{Type: TypeSignal, Serial: 1, Path: "/", Member: "M"}},
		{"error without name", &Message{Type: TypeError, Serial: 1, ReplySerial: 1}},
		{"return without reply serial", &Message{Type: TypeMethodReturn, Serial: 1}},
		{"bad path", &Message{Type: TypeMethodCall, Serial: 1, Path: "nope", Member: "M"}},
		{"bad destination", &Message{Type: TypeMethodCall, Serial: 1, Path: "/", Member: "M", Destination: "x"}},
	}
	for _, tc := range tests {
		if err := tc.m.Valid(); err == nil {
			t.Errorf("%s: Valid() succeeded, want error", tc.name)
		}
	}
}

func TestFrameLen(t *testing.T) {
	m := NewSignal("/a", "a.b", "C")
	m.Serial = 1
	m.Append().AppendBasic(TypeString, "payload")
	bs, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	for i := range fixedHeaderLen {
		if n, err := frameLen(bs[:i]); n != 0 || err != nil {
			t.Fatalf("frameLen(%d bytes) = %d, %v, want 0, nil", i, n, err)
		}
	}
	if n, err := frameLen(bs); err != nil || n != len(bs) {
		t.Fatalf("frameLen(full) = %d, %v, want %d, nil", n, err, len(bs))
	}

	bad := bytes.Clone(bs)
	bad[3] = 2
	if _, err := frameLen(bad); err == nil {
		t.Fatal("frameLen accepted protocol version 2")
	}
}

func TestMessageGodbusInterop(t *testing.T) {
	m := NewMethodCall("org.example.Svc", "/org/example/Obj", "org.example.Iface", "Do")
	m.Serial = 99
	w := m.Append()
	w.AppendBasic(TypeString, "text")
	arr, _ := w.OpenContainer(TypeArray, "i")
	arr.AppendBasic(TypeInt32, int32(-1))
	arr.AppendBasic(TypeInt32, int32(2))
	w.CloseContainer(arr)
	dict, _ := w.OpenContainer(TypeArray, "{sv}")
	de, _ := dict.OpenContainer(TypeDictEntry, "")
	de.AppendBasic(TypeString, "k")
	v, _ := de.OpenContainer(TypeVariant, "t")
	v.AppendBasic(TypeUint64, uint64(1<<40))
	de.CloseContainer(v)
	dict.CloseContainer(de)
	w.CloseContainer(dict)

	bs, err := m.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	got, err := godbus.DecodeMessage(bytes.NewReader(bs))
	if err != nil {
		t.Fatalf("godbus rejected our message: %v", err)
	}
	if got.Type != godbus.TypeMethodCall || got.Serial() != 99 {
		t.Errorf("godbus decoded type=%v serial=%d, want method call serial 99", got.Type, got.Serial())
	}
	if p := got.Headers[godbus.FieldPath].Value(); p != godbus.ObjectPath("/org/example/Obj") {
		t.Errorf("godbus decoded path %v", p)
	}
	if s := got.Headers[godbus.FieldSignature].Value().(godbus.Signature).String(); s != "saia{sv}" {
		t.Errorf("godbus decoded signature %q, want %q", s, "saia{sv}")
	}
	if len(got.Body) != 3 {
		t.Fatalf("godbus decoded %d body values, want 3", len(got.Body))
	}
	if diff := cmp.Diff(got.Body[1], []int32{-1, 2}); diff != "" {
		t.Errorf("godbus decoded array diff (-got+want):\n%s", diff)
	}
	d, ok := got.Body[2].(map[string]godbus.Variant)
	if !ok {
		t.Fatalf("godbus decoded dict as %T", got.Body[2])
	}
	if v := d["k"].Value(); v != uint64(1<<40) {
		t.Errorf("godbus decoded dict value %v", v)
	}
}
