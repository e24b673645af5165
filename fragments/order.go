package fragments

import (
	"encoding/binary"

	"golang.org/x/sys/cpu"
)

// ByteOrder is a byte order that can appear on the wire.
type ByteOrder interface {
	byteOrder
	// Flag returns the header byte that announces this order.
	Flag() byte
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

type wireOrder struct {
	byteOrder
	flag byte
}

func (o wireOrder) Flag() byte { return o.flag }

var (
	BigEndian    ByteOrder = wireOrder{binary.BigEndian, 'B'}
	LittleEndian ByteOrder = wireOrder{binary.LittleEndian, 'l'}
	// NativeEndian is whichever of BigEndian or LittleEndian the
	// host uses.
	NativeEndian = nativeOrder()
)

func nativeOrder() ByteOrder {
	if cpu.IsBigEndian {
		return BigEndian
	}
	return LittleEndian
}

// OrderForFlag returns the byte order announced by a header flag
// byte.
func OrderForFlag(flag byte) (ByteOrder, bool) {
	switch flag {
	case BigEndian.Flag():
		return BigEndian, true
	case LittleEndian.Flag():
		return LittleEndian, true
	default:
		return nil, false
	}
}
