package gatt

const (
	// DefaultMTU is the ATT MTU every LE link starts with.
	DefaultMTU = 23

	// MaxMTU fits a 512 byte attribute value plus the 3 byte notification header.
	MaxMTU = 515

	// MaxAttributeValueLength is the longest attribute value.
	MaxAttributeValueLength = 512
)

func clampMTU(mtu int) int {
	switch {
	case mtu < DefaultMTU:
		return DefaultMTU
	case mtu > MaxMTU:
		return MaxMTU
	default:
		return mtu
	}
}
