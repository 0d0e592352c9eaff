// Package services defines shared utilities consumed by the generation
// pipeline and the external generator integrations.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, segment indexes, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify generator
//     failures into run-aborting versus per-segment-fallback outcomes.
//   - A bounded, retrying artifact downloader shared by the generator clients
//     and the client-side assembler.
package services
