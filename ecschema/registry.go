package ecschema

// The class registry is the physical table schema changesets touch when
// classes are added or removed. Deleting a row removes the class; the
// hierarchy cache must be purged consistently on every connection applying
// such a delta (or its inverse).
const (
	ClassRegistryTable = "ec_Class"

	ClassRegistryIDColumn   = "Id"
	ClassRegistryNameColumn = "Name"
	ClassRegistryBaseColumn = "BaseId"
)
