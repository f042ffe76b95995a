package constants

// Tag names shared between the watchdog daemon and the post-consume
// pipeline. The archive backend treats tags as plain strings; these are
// the coordination points of the retro-processing state machine.
const (
	TagRetroRequested  = "AI-OCR"
	TagRetroProcessing = "AI-OCR-processing"
	TagRetroDone       = "AI-OCR-done"
	TagDuplicate       = "Duplikat"
	TagProcessed       = "ai-processed"
)

// Subdirectories of the watch directory used for terminal dispositions.
const (
	DuplicatesDirName = "duplicates"
	ErrorDirName      = "error"
)

// WorkDirPrefix marks job-scoped working directories so recovery can
// purge leftovers from a previous crash without touching foreign files.
const WorkDirPrefix = "scanwork-"

// SentinelOCRError is recorded for a page whose inference call failed;
// partial failures degrade content quality instead of losing the job.
const SentinelOCRError = "[OCR ERROR]"
