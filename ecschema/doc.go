// Package ecschema describes how logical classes map onto physical tables
// under vertical partitioning by inheritance: which tables and columns hold
// each class's properties, how class ids are resolved per table (including
// the overflow-table fallback), and the class hierarchy with its
// invalidation-aware derived-classes cache.
package ecschema
