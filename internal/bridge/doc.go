// Package bridge runs a verified payload and exposes its dispatcher.
//
// Payload code is a set of NUL terminated Lua chunks inside the block. The
// entry chunk runs once and returns an integer result. The exec chunk
// returns a dispatcher function exec(fn, ...) through which the host issues
// the three commands of the closed protocol: ApplyPatch, GetValue and
// SetValue. Nothing else of the payload is reachable from the host.
//
// Chunks run in a sandboxed VM and see two tables:
//
//	payload  name, version, format_version, build_timestamp, load_base,
//	         got, patches, read(addr, len)
//	host     apply(patch) -> bool[, err], log(msg)
//
// Addresses seen by the payload are absolute: block offset plus load base.
package bridge
