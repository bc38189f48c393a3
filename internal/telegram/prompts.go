package telegram

import (
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/comicbot/dailycomic/pkg/model"
)

// PromptDecision sends the open decision to every operator with inline
// buttons. Implements the pipeline Notifier.
func (b *Bot) PromptDecision(run model.Run) {
	text := formatPrompt(run)
	keyboard := decisionKeyboard(run)

	for _, chatID := range b.cfg.Operators {
		b.sendWithKeyboard(chatID, text, keyboard)
	}
}

// RunFinished reports a terminal run to every operator.
func (b *Bot) RunFinished(run model.Run) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s finished: %s\n", runPrefix(run.ID), run.Stage)

	switch run.Stage {
	case model.StageDone:
		for _, receipt := range run.Receipts {
			if receipt.OK {
				fmt.Fprintf(&sb, "Published to %s (message %s)\n", receipt.Target, receipt.MessageID)
			} else {
				fmt.Fprintf(&sb, "Publish to %s failed: %s\n", receipt.Target, receipt.Error)
			}
		}
	case model.StageFailed:
		fmt.Fprintf(&sb, "Reason: %s\n", run.FailureReason)
	}

	b.broadcast(sb.String())
}

func formatPrompt(run model.Run) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s (%s, %s)\n", runPrefix(run.ID), run.Kind, run.Date)

	switch run.Stage {
	case model.StageAwaitingTopicApproval:
		sb.WriteString("Topic approval needed.\n\n")
		if run.Topic != nil {
			fmt.Fprintf(&sb, "%s\n\n%s\n", run.Topic.Title, truncate(run.Topic.Content, 600))
		}

	case model.StageAwaitingSelectionApproval:
		sb.WriteString("Selection approval needed.\n\n")
		if run.Selection != nil {
			sb.WriteString(formatMatrix(run))
			winner, ok := run.CandidateByID(run.Selection.CandidateID)
			if ok {
				fmt.Fprintf(&sb, "\nWinner: %s (%s, mean %.1f)\n", winner.Summary(), winner.WriterID, run.Selection.Mean)
			}
			if run.Selection.TieBreak {
				sb.WriteString("Tie broken by score spread.\n")
			}
		}

	case model.StageAwaitingRenderApproval:
		sb.WriteString("Render approval needed.\n")
		if run.Asset != nil {
			fmt.Fprintf(&sb, "Asset: %s\n", run.Asset.Path)
		}
	}

	return sb.String()
}

// formatMatrix renders the full judge-by-candidate score matrix, discarded
// cells marked with a dash.
func formatMatrix(run model.Run) string {
	if run.Selection == nil {
		return ""
	}

	ids := make([]string, 0, len(run.Selection.Matrix))
	for id := range run.Selection.Matrix {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	for _, id := range ids {
		label := id
		if cand, ok := run.CandidateByID(id); ok {
			label = fmt.Sprintf("%s (%s)", cand.Summary(), cand.WriterID)
		}
		fmt.Fprintf(&sb, "%s:", label)

		cells := append([]model.JudgeScore{}, run.Selection.Matrix[id]...)
		sort.Slice(cells, func(i, j int) bool { return cells[i].JudgeID < cells[j].JudgeID })
		for _, cell := range cells {
			if cell.Discarded {
				fmt.Fprintf(&sb, " %s=-", cell.JudgeID)
			} else {
				fmt.Fprintf(&sb, " %s=%d", cell.JudgeID, cell.Total)
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatRunStatus(run model.Run) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s\nKind: %s\nDate: %s\nStage: %s\n", run.ID, run.Kind, run.Date, run.Stage)

	if run.Topic != nil {
		fmt.Fprintf(&sb, "Topic: %s\n", run.Topic.Title)
	}
	if len(run.Candidates) > 0 {
		fmt.Fprintf(&sb, "Candidates: %d\n", len(run.Candidates))
		for _, cand := range run.Candidates {
			fmt.Fprintf(&sb, "  %s: %s\n", cand.ID, cand.Summary())
		}
	}
	if run.Selection != nil {
		fmt.Fprintf(&sb, "Winner: %s (mean %.1f)\n", run.Selection.CandidateID, run.Selection.Mean)
	}
	if run.FailureReason != "" {
		fmt.Fprintf(&sb, "Failure: %s\n", run.FailureReason)
	}
	if len(run.Decisions) > 0 {
		last := run.Decisions[len(run.Decisions)-1]
		fmt.Fprintf(&sb, "Last decision: %s by %s at %s\n", last.Action, last.Actor, last.At.Format("15:04:05"))
	}
	return sb.String()
}

func decisionKeyboard(run model.Run) tgbotapi.InlineKeyboardMarkup {
	rows := [][]tgbotapi.InlineKeyboardButton{
		{
			tgbotapi.NewInlineKeyboardButtonData("Approve", encodeCallback(run.ID, run.Stage, "a", 0)),
			tgbotapi.NewInlineKeyboardButtonData("Reject", encodeCallback(run.ID, run.Stage, "r", 0)),
			tgbotapi.NewInlineKeyboardButtonData("Cancel run", encodeCallback(run.ID, run.Stage, "c", 0)),
		},
	}

	// Selection approval also offers a direct pick of any candidate.
	if run.Stage == model.StageAwaitingSelectionApproval {
		var pickRow []tgbotapi.InlineKeyboardButton
		for i, cand := range run.Candidates {
			pickRow = append(pickRow, tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Pick %s", cand.WriterID),
				encodeCallback(run.ID, run.Stage, "s", i),
			))
			if len(pickRow) == 3 {
				rows = append(rows, pickRow)
				pickRow = nil
			}
		}
		if len(pickRow) > 0 {
			rows = append(rows, pickRow)
		}
	}

	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
