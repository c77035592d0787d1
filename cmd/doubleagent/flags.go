package main

// Flag structs to decouple cobra from logic for testing.

type GlobalFlags struct {
	ConfigPath string
	Home       string
	LogLevel   string
	NoColor    bool
}

type AddFlags struct {
	Services []string
}

type StartFlags struct {
	Services []string
	Port     int
	// Local starts a service straight from a development directory.
	Local    string
	Snapshot string
}

type StopFlags struct {
	Services []string
}

type ResetFlags struct {
	Services []string
}

type SeedFlags struct {
	Service string
	File    string
	Fixture string
}

type ListFlags struct {
	Remote bool
}

type UpdateFlags struct {
	Services []string
}

type ContractFlags struct {
	Service string
}

type RunFlags struct {
	Services []string
	Port     int
	Keep     bool
	Snapshot string
	// Command is everything after "--".
	Command []string
}

type SnapshotPullFlags struct {
	Service     string
	Profile     string
	Limit       int
	NoRedact    bool
	Incremental bool
	Backend     string
}

type SnapshotListFlags struct {
	Service string
}

// SnapshotRefFlags address one stored profile (inspect, delete).
type SnapshotRefFlags struct {
	Service string
	Profile string
}

type SnapshotPushFlags struct {
	Service  string
	Profile  string
	Registry string
}

type HistoryFlags struct {
	Limit int
}
