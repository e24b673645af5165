package dbus

// Variant is a value whose type is carried alongside it on the
// wire. The contained value must be a single complete type.
type Variant struct {
	Value Value
}

func (Variant) valueSignature() string { return "v" }
