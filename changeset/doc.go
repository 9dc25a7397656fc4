// Package changeset reads and writes binary changesets and implements the
// squash/invert algebra over them. It includes:
//   - Record/Value model for per-table row changes
//   - Reader over a single file, the briefcase's local change log, or an
//     ordered group of files (squashed into their net effect)
//   - snappy-compressed, checksummed file codec
//   - operation-composition algebra used by grouping and revert
package changeset
