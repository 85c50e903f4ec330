package store

// EventRow is the persisted form of a security event.
type EventRow struct {
	Seq          int64
	ID           string
	Type         string
	TimestampNs  int64
	Description  string
	Metadata     string // JSON object, "{}" when empty
	Latitude     *float64
	Longitude    *float64
	Accuracy     *float64
	EvidencePath string
}

// EventFilter narrows an event query. Zero values mean "no constraint".
type EventFilter struct {
	Type    string
	SinceNs int64
	UntilNs int64
	Limit   int
}
