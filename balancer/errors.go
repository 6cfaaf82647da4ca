package balancer

import "errors"

var (
	// ErrNoBackend is returned when a flow cannot be resolved to any
	// backend: the VIP is unknown, or it has no schedulable reals.
	// This is a normal terminal outcome of a lookup, not a fault.
	ErrNoBackend = errors.New("no backend available")

	// ErrInvalidFlow is returned for malformed flow tuples (unparseable
	// addresses, mixed address families).
	ErrInvalidFlow = errors.New("invalid flow tuple")

	// ErrVipNotFound is returned by provisioning operations addressing a
	// VIP that was never added or has been removed.
	ErrVipNotFound = errors.New("vip not found")

	// ErrRealNotFound is returned by provisioning operations addressing a
	// real that is not part of the given VIP.
	ErrRealNotFound = errors.New("real not found")

	// ErrShutdown is returned by any operation invoked after Close.
	ErrShutdown = errors.New("balancer is shut down")
)
