package daemon

import (
	"time"

	"github.com/autoresume/autoresume/internal/detect"
	"github.com/autoresume/autoresume/internal/queue"
	"github.com/autoresume/autoresume/internal/transcript"
)

// RecentWindow bounds how old a transcript entry may be and still be
// classified. Older limit notices belong to sessions already handled.
const RecentWindow = 15 * time.Minute

// Origin says who ingested a detection.
type Origin string

const (
	OriginHook   Origin = "hook"
	OriginPoller Origin = "poller"
)

// IngestRequest carries transcript entries to classify.
type IngestRequest struct {
	Entries        []transcript.Entry
	SessionID      string
	TranscriptPath string
	Now            time.Time

	// TargetPID is the session process, when known.
	TargetPID int
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	Classified int
	Matched    []detect.Result
	Added      []queue.Detection
}

// Ingest classifies every text of every recent entry and records matches in
// store. Classification is relative to the entry's own timestamp when it has
// one, so a clock-time reset resolves to the day the notice was shown.
func Ingest(store *queue.Store, req IngestRequest) (IngestResult, error) {
	var res IngestResult
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	for _, e := range req.Entries {
		ref := req.Now
		if !e.Timestamp.IsZero() {
			if req.Now.Sub(e.Timestamp) > RecentWindow {
				continue
			}
			ref = e.Timestamp
		}
		for _, text := range e.Texts {
			res.Classified++
			r := detect.Classify(text, ref)
			if !r.Matched {
				continue
			}
			res.Matched = append(res.Matched, r)
			added, stored, err := store.AddDetection(queue.Detection{
				ResetTime:         r.ResetTime,
				Timezone:          r.Timezone,
				Message:           detect.Truncate(r.Message, detect.MaxMessageLength),
				SessionID:         req.SessionID,
				TranscriptPath:    req.TranscriptPath,
				TargetProcessHint: req.TargetPID,
			})
			if err != nil {
				return res, err
			}
			if added {
				res.Added = append(res.Added, stored)
			}
		}
	}
	return res, nil
}
