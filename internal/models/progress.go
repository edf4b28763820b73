package models

// ProgressEvent is pushed by the engines to a caller-supplied sink.
type ProgressEvent struct {
	Phase         string
	Percent       int
	Message       string
	Item          string // current relative path or folder
	Indeterminate bool
	Done          int
	Total         int // -1 while unknown
}

// ArchiveProgress is emitted by the archive codec per member.
type ArchiveProgress struct {
	Bytes   int64
	Files   int
	Current string
	Total   int // -1 until the stream ends
}
