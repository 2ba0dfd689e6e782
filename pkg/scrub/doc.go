// Package scrub removes forensic traces that tie the router to its
// previous identifiers: MAC addresses in log and lease files, the
// persistent client database, and the kernel message ring buffer.
//
// File destruction prefers the system shred utility and falls back to a
// three-pass overwrite (zeros, random, zeros) with a flush after each
// pass. On flash media behind a wear-leveling controller an overwrite is
// best-effort only; stale copies may survive in remapped blocks.
package scrub
