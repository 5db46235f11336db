// Package unit defines the data model shared by the usage tracking engine.
//
// # Overview
//
// The engine observes code in two nested groupings:
//
//   - Domain: an isolation domain that owns a set of loaded units and can be
//     discarded as a whole (a plugin set, one build, one process).
//   - Unit: one loadable block of code, here a single Go source file. A unit
//     keeps its identity for as long as it is loaded, even though its code is
//     swapped every time it is re-derived.
//
// Within a unit every function is identified by a Signature: the receiver,
// the name and the parameter/result shape, for example:
//
//	(*Server).Handle(context.Context, *Request) (int, error)
//
// # Ownership
//
// A Domain holds its units strongly and a Unit holds its Domain strongly.
// Nothing in the tracking engine holds either of them strongly, so dropping
// the last external reference to a Domain makes the domain, all of its units
// and all tracking state attached to them collectable.
//
// A Unit with a nil Domain is platform-owned (standard library or runtime
// code); such units are only instrumented when explicitly requested.
package unit
