package daemon

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/autoresume/autoresume/internal/queue"
	"github.com/autoresume/autoresume/internal/transcript"
)

// seenLines is how many transcript line hashes the poller remembers.
const seenLines = 4096

// TranscriptPoller classifies transcript lines itself when the end-of-turn
// hook has gone quiet, covering hosts where the hook is not installed.
type TranscriptPoller struct {
	Store      *queue.Store
	Root       string
	StaleAfter time.Duration
	Log        *zap.SugaredLogger
	Now        func() time.Time

	seen   *lru.Cache[[sha256.Size]byte, struct{}]
	primed map[string]bool
}

// NewTranscriptPoller returns a poller over the transcripts under root.
func NewTranscriptPoller(store *queue.Store, root string, staleAfter time.Duration, log *zap.SugaredLogger) (*TranscriptPoller, error) {
	seen, err := lru.New[[sha256.Size]byte, struct{}](seenLines)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &TranscriptPoller{
		Store:      store,
		Root:       root,
		StaleAfter: staleAfter,
		Log:        log,
		Now:        time.Now,
		seen:       seen,
		primed:     make(map[string]bool),
	}, nil
}

// Poll tails the newest transcript unless the hook ran recently. Lines
// present the first time a transcript is seen are remembered, not
// classified. It returns the detections it added.
func (p *TranscriptPoller) Poll() ([]queue.Detection, error) {
	now := p.Now()
	last, err := p.Store.LastHookRun()
	if err != nil {
		return nil, fmt.Errorf("reading last hook run: %w", err)
	}
	if !last.IsZero() && now.Sub(last) < p.StaleAfter {
		return nil, nil
	}

	path, _, err := transcript.Latest(p.Root)
	if err != nil {
		if errors.Is(err, transcript.ErrNoTranscripts) {
			return nil, nil
		}
		return nil, err
	}
	entries, err := transcript.Tail(path, transcript.DefaultTailBytes)
	if err != nil {
		return nil, err
	}

	var fresh []transcript.Entry
	for _, e := range entries {
		key := sha256.Sum256([]byte(e.Raw))
		if ok, _ := p.seen.ContainsOrAdd(key, struct{}{}); ok {
			continue
		}
		fresh = append(fresh, e)
	}
	if !p.primed[path] {
		p.primed[path] = true
		p.Log.Debugf("poller: primed %s with %d line(s)", path, len(entries))
		return nil, nil
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	res, err := Ingest(p.Store, IngestRequest{Entries: fresh, TranscriptPath: path, Now: now})
	if err != nil {
		return nil, err
	}
	for _, d := range res.Added {
		p.Log.Infof("poller: detection %s from %s (reset %s)", d.ID, path, d.ResetTime.Format(time.RFC3339))
	}
	return res.Added, nil
}
