package fragments_test

import (
	"testing"

	"github.com/danderson/dbusloop/fragments"
)

func TestOrderForFlag(t *testing.T) {
	for _, o := range []fragments.ByteOrder{fragments.BigEndian, fragments.LittleEndian, fragments.NativeEndian} {
		got, ok := fragments.OrderForFlag(o.Flag())
		if !ok || got != o {
			t.Errorf("OrderForFlag(%q) = %v, %v, want %v", o.Flag(), got, ok, o)
		}
	}
	if got, ok := fragments.OrderForFlag('x'); ok {
		t.Errorf("OrderForFlag('x') = %v, want not ok", got)
	}
	if got := fragments.BigEndian.Uint16([]byte{1, 2}); got != 0x0102 {
		t.Errorf("BigEndian.Uint16 = %#x, want 0x0102", got)
	}
}
