/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package engine

import "github.com/Seednode/slights/internal/store"

type joinedPayload struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

type leftPayload struct {
	UserID string `json:"userId"`
	HostID string `json:"hostId"`
}

type startedPayload struct {
	PromptCard store.Card `json:"promptCard"`
}

type submittedPayload struct {
	UserID string `json:"userId"`
}

type roundWinnerPayload struct {
	Winner      store.Player `json:"winner"`
	WinningCard store.Card   `json:"winningCard"`
	Round       int          `json:"round"`
}

type finishedPayload struct {
	Winner store.Player `json:"winner"`
}

type nextRoundPayload struct {
	Round      int        `json:"round"`
	JudgeIndex int        `json:"judgeIndex"`
	PromptCard store.Card `json:"promptCard"`
}
