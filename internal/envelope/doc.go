// Package envelope defines the wire format of a stage1 payload.
//
// A payload is a single big-endian block of at most BlockSize bytes:
//
//	0x000  magic            "WWFC/Payload"
//	0x00C  total_size       bytes covered by the block, header included
//	0x010  signature        RSA-2048 over SHA-256 of [HeaderSize, total_size)
//	0x110  salt             commitment hash of the request that fetched it
//	0x130  info             versions, name, region bounds, entry offsets
//	0x1A0  ...              code chunks, data, GOT, patch list, fixups
//
// Nothing in this package establishes trust. Parse and the accessors only
// guarantee that every read stays inside the block; callers must run the
// verifier before treating any field as authentic.
//
// Offsets stored in the info block are relative to the start of the block.
// A zero offset means "absent" because offset zero is always the magic.
package envelope
