package task

type Status string

const (
	StatusQueued           Status = "queued"
	StatusDownloading      Status = "downloading"
	StatusDownloadFailed   Status = "download_failed"
	StatusDownloadComplete Status = "download_complete"
	StatusUploading        Status = "uploading"
	StatusUploadFailed     Status = "upload_failed"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusQueued:           {StatusDownloading, StatusCancelled},
	StatusDownloading:      {StatusDownloadComplete, StatusDownloadFailed, StatusCancelled},
	StatusDownloadComplete: {StatusUploading},
	StatusUploading:        {StatusCompleted, StatusUploadFailed, StatusCancelled},
}

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusQueued,
	StatusDownloading,
	StatusDownloadFailed,
	StatusDownloadComplete,
	StatusUploading,
	StatusUploadFailed,
	StatusCompleted,
	StatusCancelled,
}

// CanTransition reports whether from -> to is an edge of the task state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDownloadFailed, StatusUploadFailed:
		return true
	}
	return false
}

// IsActive reports whether s is a phase the progress monitor polls.
func (s Status) IsActive() bool {
	return s == StatusDownloading || s == StatusUploading
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
