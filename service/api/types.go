package api

// ChainEntry is a process of an ancestry chain.
type ChainEntry struct {
	// Comm is the command name of the process.
	Comm string `json:"comm"`
	// Pid is the process id.
	Pid int `json:"pid"`
}

// LevelEntry describes one level visited by a page table walk.
type LevelEntry struct {
	// Level is the name of the level, "pgd" to "pte".
	Level string `json:"level"`
	// Index is the index of the entry in the table of this level.
	Index uint `json:"index"`
	// Entry is the raw value of the entry.
	Entry uint64 `json:"entry"`
	// State is one of "absent", "malformed", "table" or "leaf".
	State string `json:"state"`
	// PFN is the frame the entry points to. It is only meaningful when
	// State is "table" or "leaf".
	PFN uint64 `json:"pfn"`
}

// Walk is the result of a page table walk.
type Walk struct {
	Pid    int          `json:"pid"`
	Addr   uint64       `json:"addr"`
	Levels []LevelEntry `json:"levels"`
	// PFN is the translated frame, valid when Err is empty.
	PFN uint64 `json:"pfn"`
	// Err is the reason the walk failed.
	Err string `json:"err,omitempty"`
}

// GetVersionIn is the argument of GetVersion.
type GetVersionIn struct {
}

// GetVersionOut is the result of GetVersion.
type GetVersionOut struct {
	DbfsVersion string
	APIVersion  int
}
