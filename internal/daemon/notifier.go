package daemon

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/comicbot/dailycomic/pkg/history"
	"github.com/comicbot/dailycomic/pkg/model"
)

// frontend is the operator-facing half of the pipeline Notifier.
type frontend interface {
	PromptDecision(run model.Run)
	RunFinished(run model.Run)
}

// notifier fans pipeline notifications out to the chat front end and archives
// every terminal run. The front end is attached after engine construction
// since the bot needs the engine as its controller.
type notifier struct {
	archive *history.Archive
	logger  zerolog.Logger

	mu sync.RWMutex
	fe frontend
}

func (n *notifier) setFrontend(fe frontend) {
	n.mu.Lock()
	n.fe = fe
	n.mu.Unlock()
}

func (n *notifier) frontend() frontend {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.fe
}

func (n *notifier) PromptDecision(run model.Run) {
	if fe := n.frontend(); fe != nil {
		fe.PromptDecision(run)
		return
	}
	n.logger.Warn().
		Str("run_id", run.ID).
		Str("stage", string(run.Stage)).
		Msg("Decision needed but no front end is attached")
}

func (n *notifier) RunFinished(run model.Run) {
	if err := n.archive.ArchiveRun(&run); err != nil {
		n.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to archive run")
	}
	if fe := n.frontend(); fe != nil {
		fe.RunFinished(run)
	}
}
