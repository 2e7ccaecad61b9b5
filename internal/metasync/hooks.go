package metasync

// AddressInvalidator is notified after a committed node address change, so
// query plans cached under the old address can be dropped. The callback
// fires exactly once per committed change, after the registry update is
// durable and before control returns to the caller; it never fires for a
// rolled-back transaction.
type AddressInvalidator interface {
	OnNodeAddressChanged(nodeID int64, oldAddress, newAddress string)
}

// AddressInvalidatorFunc adapts a function to the AddressInvalidator
// interface.
type AddressInvalidatorFunc func(nodeID int64, oldAddress, newAddress string)

func (f AddressInvalidatorFunc) OnNodeAddressChanged(nodeID int64, oldAddress, newAddress string) {
	f(nodeID, oldAddress, newAddress)
}
