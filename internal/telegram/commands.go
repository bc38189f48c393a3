package telegram

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/comicbot/dailycomic/pkg/model"
)

// Stage codes keep inline-button callback data inside Telegram's 64-byte
// limit.
var stageCodes = map[model.Stage]string{
	model.StageAwaitingTopicApproval:     "t",
	model.StageAwaitingSelectionApproval: "s",
	model.StageAwaitingRenderApproval:    "r",
}

func stageFromCode(code string) (model.Stage, bool) {
	for stage, c := range stageCodes {
		if c == code {
			return stage, true
		}
	}
	return "", false
}

// encodeCallback packs a decision into callback data:
// d|<run-prefix>|<stage-code>|<action>[|<candidate-index>]
func encodeCallback(runID string, stage model.Stage, action string, candidateIndex int) string {
	parts := []string{"d", runPrefix(runID), stageCodes[stage], action}
	if action == "s" {
		parts = append(parts, strconv.Itoa(candidateIndex))
	}
	return strings.Join(parts, "|")
}

type callbackData struct {
	RunPrefix      string
	Stage          model.Stage
	Action         string
	CandidateIndex int
}

func decodeCallback(data string) (callbackData, error) {
	parts := strings.Split(data, "|")
	if len(parts) < 4 || parts[0] != "d" {
		return callbackData{}, fmt.Errorf("malformed callback data: %s", data)
	}

	stage, ok := stageFromCode(parts[2])
	if !ok {
		return callbackData{}, fmt.Errorf("unknown stage code: %s", parts[2])
	}

	cb := callbackData{RunPrefix: parts[1], Stage: stage, Action: parts[3], CandidateIndex: -1}
	if cb.Action == "s" {
		if len(parts) < 5 {
			return callbackData{}, fmt.Errorf("select callback missing candidate index")
		}
		idx, err := strconv.Atoi(parts[4])
		if err != nil {
			return callbackData{}, fmt.Errorf("invalid candidate index: %s", parts[4])
		}
		cb.CandidateIndex = idx
	}
	return cb, nil
}

func runPrefix(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

// resolveRun matches a full run id or its 8-char prefix against open runs.
func (b *Bot) resolveRun(ref string) (model.Run, error) {
	for _, run := range b.controller.OpenRuns() {
		if run.ID == ref || runPrefix(run.ID) == ref {
			return run, nil
		}
	}
	return model.Run{}, model.ErrNotFound
}

func (b *Bot) handleCommand(msg *tgbotapi.Message) error {
	if !b.isOperator(msg.Chat.ID) {
		b.send(msg.Chat.ID, "This bot only talks to its operators.")
		return nil
	}

	args := strings.Fields(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		b.send(msg.Chat.ID, helpText)
	case "start_run":
		b.cmdStartRun(msg, args)
	case "status":
		b.cmdStatus(msg, args)
	case "approve":
		b.cmdDecide(msg, args, model.DecisionApprove)
	case "reject":
		b.cmdDecide(msg, args, model.DecisionReject)
	case "select":
		b.cmdSelect(msg, args)
	case "cancel":
		b.cmdCancel(msg, args)
	default:
		b.send(msg.Chat.ID, "Unknown command. /start lists what I understand.")
	}
	return nil
}

const helpText = `Daily comic pipeline commands:
/start_run [comic|joke] - start a run for today
/status [run] - show open runs or one run
/approve <run> - approve the open decision
/reject <run> - reject and redo the current step
/select <run> <candidate> - pick a different winner
/cancel <run> - abandon a run`

func (b *Bot) cmdStartRun(msg *tgbotapi.Message, args []string) {
	kind := model.KindComic
	if len(args) > 0 {
		switch args[0] {
		case "comic":
			kind = model.KindComic
		case "joke":
			kind = model.KindJoke
		default:
			b.send(msg.Chat.ID, "Usage: /start_run [comic|joke]")
			return
		}
	}

	runID, err := b.controller.StartRun(today(), kind)
	if err != nil {
		b.send(msg.Chat.ID, "Failed to start run: "+err.Error())
		return
	}
	b.send(msg.Chat.ID, fmt.Sprintf("Run %s started (%s, %s).", runPrefix(runID), kind, today()))
}

func (b *Bot) cmdStatus(msg *tgbotapi.Message, args []string) {
	if len(args) == 0 {
		runs := b.controller.OpenRuns()
		if len(runs) == 0 {
			b.send(msg.Chat.ID, "No open runs.")
			return
		}
		var sb strings.Builder
		sb.WriteString("Open runs:\n")
		for _, run := range runs {
			fmt.Fprintf(&sb, "%s  %s  %s  %s\n", runPrefix(run.ID), run.Date, run.Kind, run.Stage)
		}
		b.send(msg.Chat.ID, sb.String())
		return
	}

	run, err := b.resolveRun(args[0])
	if err != nil {
		if state, gerr := b.controller.GetRunState(args[0]); gerr == nil {
			run = state
		} else {
			b.send(msg.Chat.ID, "Run not found: "+args[0])
			return
		}
	}
	b.send(msg.Chat.ID, formatRunStatus(run))
}

func (b *Bot) cmdDecide(msg *tgbotapi.Message, args []string, action model.DecisionAction) {
	if len(args) == 0 {
		b.send(msg.Chat.ID, fmt.Sprintf("Usage: /%s <run>", action))
		return
	}
	run, err := b.resolveRun(args[0])
	if err != nil {
		b.send(msg.Chat.ID, "Run not found: "+args[0])
		return
	}

	err = b.controller.SubmitDecision(run.ID, run.Stage, model.Decision{
		Action: action,
		Actor:  b.actorFor(msg),
	})
	b.reportDecision(msg.Chat.ID, run.ID, err)
}

func (b *Bot) cmdSelect(msg *tgbotapi.Message, args []string) {
	if len(args) < 2 {
		b.send(msg.Chat.ID, "Usage: /select <run> <candidate>")
		return
	}
	run, err := b.resolveRun(args[0])
	if err != nil {
		b.send(msg.Chat.ID, "Run not found: "+args[0])
		return
	}

	err = b.controller.SubmitDecision(run.ID, run.Stage, model.Decision{
		Action:      model.DecisionSelect,
		CandidateID: args[1],
		Actor:       b.actorFor(msg),
	})
	b.reportDecision(msg.Chat.ID, run.ID, err)
}

func (b *Bot) cmdCancel(msg *tgbotapi.Message, args []string) {
	if len(args) == 0 {
		b.send(msg.Chat.ID, "Usage: /cancel <run>")
		return
	}
	run, err := b.resolveRun(args[0])
	if err != nil {
		b.send(msg.Chat.ID, "Run not found: "+args[0])
		return
	}
	if err := b.controller.CancelRun(run.ID, b.actorFor(msg)); err != nil {
		b.send(msg.Chat.ID, "Failed to cancel: "+err.Error())
		return
	}
	b.send(msg.Chat.ID, fmt.Sprintf("Run %s cancelled.", runPrefix(run.ID)))
}

func (b *Bot) handleCallback(query *tgbotapi.CallbackQuery) error {
	defer func() {
		if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
			b.logger.Debug().Err(err).Msg("Failed to ack callback")
		}
	}()

	if query.Message == nil || !b.isOperator(query.Message.Chat.ID) {
		return nil
	}

	cb, err := decodeCallback(query.Data)
	if err != nil {
		return err
	}

	run, err := b.resolveRun(cb.RunPrefix)
	if err != nil {
		b.send(query.Message.Chat.ID, "That run is no longer open.")
		return nil
	}

	decision := model.Decision{Actor: "telegram:" + query.From.UserName}
	switch cb.Action {
	case "a":
		decision.Action = model.DecisionApprove
	case "r":
		decision.Action = model.DecisionReject
	case "c":
		decision.Action = model.DecisionCancel
	case "s":
		if cb.CandidateIndex < 0 || cb.CandidateIndex >= len(run.Candidates) {
			b.send(query.Message.Chat.ID, "That candidate is no longer available.")
			return nil
		}
		decision.Action = model.DecisionSelect
		decision.CandidateID = run.Candidates[cb.CandidateIndex].ID
	default:
		return fmt.Errorf("unknown callback action: %s", cb.Action)
	}

	err = b.controller.SubmitDecision(run.ID, cb.Stage, decision)
	b.reportDecision(query.Message.Chat.ID, run.ID, err)
	return nil
}

func (b *Bot) reportDecision(chatID int64, runID string, err error) {
	switch {
	case err == nil:
		b.send(chatID, fmt.Sprintf("Decision recorded for run %s.", runPrefix(runID)))
	case err == model.ErrStaleDecision:
		b.send(chatID, "That decision point has already been resolved.")
	case err == model.ErrRunClosed:
		b.send(chatID, "That run is already finished.")
	default:
		b.send(chatID, "Decision failed: "+err.Error())
	}
}
