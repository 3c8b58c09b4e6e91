package model

// Summary holds the headline metrics derived from a Snapshot.
type Summary struct {
	Total          Counts
	NamespaceCount int
	MountCount     int
	MonthCount     int

	// AvgNewClients is the rounded monthly mean of new clients. HasAverage is
	// false when no month reported new-client data.
	AvgNewClients   int64
	AvgNewEntity    int64
	AvgNewNonEntity int64
	HasAverage      bool

	TopNamespace      string
	TopNamespaceShare float64 // 0-100
}

// Attribution is one row of a top-N attribution list.
type Attribution struct {
	Label  string
	Counts Counts
	Share  float64 // percent of the parent total, 0-100
	Mounts int
}

// MonthPoint is one month of a per-month series.
type MonthPoint struct {
	Label      string
	Total      Counts
	New        Counts
	Cumulative int64
}

// UpgradeWarning flags a server upgrade inside the report window that changed
// how clients are counted.
type UpgradeWarning struct {
	Version     string
	InstalledAt string
	Reason      string
}
