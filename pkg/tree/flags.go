package tree

// MetaFlag configures a metanode, and may also be applied to individual
// nodes at creation time.
type MetaFlag uint32

const (
	NoClone   MetaFlag = 1 << 0  // nodes are skipped by CloneNode
	NoSave    MetaFlag = 1 << 1  // nodes are not written by SaveTree
	DevNoSave MetaFlag = 1 << 2  // not saved in developer builds
	NodeSpy   MetaFlag = 1 << 3  // changes mark ancestors as dirty
	Protected MetaFlag = 1 << 4  // nodes cannot be deleted or moved
	NoHistory MetaFlag = 1 << 5  // changes are not journaled
	Transient MetaFlag = 1 << 6  // never persisted or synchronized
	NoGUI     MetaFlag = 1 << 10 // hidden from editors
	ChildMap  MetaFlag = 1 << 11 // children are indexed by name and type
	Admin     MetaFlag = 1 << 12 // requires admin permissions to edit
)

// SetFlag modifies a property set.
type SetFlag uint32

const (
	// ByPost defers the set to the next Update.
	ByPost SetFlag = 1 << 0
	// UserChange marks the set as a direct user action. Read-only
	// properties reject user changes.
	UserChange SetFlag = 1 << 1
)

func joinSetFlags(flags []SetFlag) SetFlag {
	var f SetFlag
	for _, x := range flags {
		f |= x
	}
	return f
}

// IOFlag controls SaveTree and LoadTree.
type IOFlag uint64

const (
	ChangedOnly             IOFlag = 1 << 0
	Nested                  IOFlag = 1 << 1
	Merge                   IOFlag = 1 << 2
	ForceSave               IOFlag = 1 << 3
	NewUUIDs                IOFlag = 1 << 4
	UUIDsMustExist          IOFlag = 1 << 5
	Monolithic              IOFlag = 1 << 6
	IgnoreUnsavedProperties IOFlag = 1 << 7
	SystemDocument          IOFlag = 1 << 8
	OverlayDocument         IOFlag = 1 << 9
	SaveSiblingsToo         IOFlag = 1 << 32
	FormatMachine           IOFlag = 1 << 33
	FormatHuman             IOFlag = 1 << 34
	FormatGuess             IOFlag = 1 << 35
)

// BuildFlag controls how a loaded document is built into the tree.
type BuildFlag uint32

const (
	AllowMissingAttribs   BuildFlag = 1 << 0
	MergeRoots            BuildFlag = 1 << 1
	MergeAll              BuildFlag = 1 << 2
	AllowMissingMetanodes BuildFlag = 1 << 3
	AllowInvalidAttribs   BuildFlag = 1 << 4
)

// PropFlag configures a single property definition.
type PropFlag uint32

const (
	PropReadOnly PropFlag = 1 << iota
	PropInternal
	PropCached
	PropPurged
	PropNoSave
	PropNoClone
)
