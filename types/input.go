package types

// Input constrains the host's input type. Implementations must be
// fixed-size value types; every peer in a session must agree on the
// byte layout, since the wire codec XORs raw encodings between frames.
//
// The type parameter is self-referential so FromBytes can return the
// concrete type: declare inputs as
//
//	type Buttons uint8
//	func (Buttons) Size() int ...
//
// and instantiate sessions with [Buttons].
type Input[I any] interface {
	comparable
	// Size returns the fixed byte width of the encoded input. It must
	// not vary between values or calls.
	Size() int
	// AppendBytes appends exactly Size() encoded bytes to dst.
	AppendBytes(dst []byte) []byte
	// FromBytes decodes an input from a Size()-byte slice.
	FromBytes(src []byte) (I, error)
}
