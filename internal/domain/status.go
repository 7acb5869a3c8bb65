package domain

// Status tracks a video/job through the generation pipeline. The video row
// mirrors the job status while a generation attempt is active.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusRunning     Status = "running"
	StatusPolling     Status = "polling"
	StatusDownloading Status = "downloading"
	StatusTranscoding Status = "transcoding"
	StatusScoring     Status = "scoring"
	StatusReady       Status = "ready"
	StatusFailed      Status = "failed"
)

// Terminal reports whether a status ends the current generation attempt.
// A new attempt (retry, re-render) always starts a fresh queued job.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusFailed
}

// TerminalStatuses lists the statuses Terminal reports true for, in the
// shape guarded repo updates take.
func TerminalStatuses() []Status {
	return []Status{StatusReady, StatusFailed}
}

// CancelMessage is the error recorded on a user-cancelled job.
const CancelMessage = "Cancelled by user"

// Cancelable reports whether a user cancel is accepted in this status.
// Mid-pipeline statuses are cancelable too: the in-flight stage discovers
// the cancel on its next guarded status write.
func (s Status) Cancelable() bool {
	return !s.Terminal()
}
