package store

// HistoryBudget bounds persisted history size. Zero values disable the
// corresponding limit.
type HistoryBudget struct {
	MaxMessages    int  `json:"maxMessages"`
	MaxChars       int  `json:"maxChars"`
	PreserveSystem bool `json:"preserveSystem"`
}

// TrimReport describes what a save-time trim removed.
type TrimReport struct {
	Trimmed           bool `json:"trimmed"`
	DroppedMessages   int  `json:"droppedMessages"`
	DroppedCharacters int  `json:"droppedCharacters"`
}

// applyBudget trims history in place to fit the budget, dropping oldest
// messages first. With PreserveSystem the leading run of system messages is
// kept and trimming starts after it; a budget too small for even the system
// prefix still keeps the prefix (the budget bounds conversation, not
// configuration).
func applyBudget(history []Message, budget HistoryBudget) ([]Message, TrimReport) {
	var report TrimReport
	if budget.MaxMessages <= 0 && budget.MaxChars <= 0 {
		return history, report
	}

	prefix := 0
	if budget.PreserveSystem {
		for prefix < len(history) && history[prefix].Role == RoleSystem {
			prefix++
		}
	}

	drop := func(n int) {
		for i := 0; i < n; i++ {
			report.DroppedMessages++
			report.DroppedCharacters += len(history[prefix].Content)
			history = append(history[:prefix], history[prefix+1:]...)
		}
	}

	if budget.MaxMessages > 0 && len(history) > budget.MaxMessages {
		over := len(history) - budget.MaxMessages
		if trimmable := len(history) - prefix; over > trimmable {
			over = trimmable
		}
		drop(over)
	}

	if budget.MaxChars > 0 {
		total := 0
		for _, msg := range history {
			total += len(msg.Content)
		}
		for total > budget.MaxChars && len(history) > prefix {
			total -= len(history[prefix].Content)
			drop(1)
		}
	}

	report.Trimmed = report.DroppedMessages > 0
	return history, report
}
