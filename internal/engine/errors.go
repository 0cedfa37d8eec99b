/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package engine

import "errors"

// Rejection is a rule violation reported back to the caller. Nothing is
// written when an operation is rejected.
type Rejection struct {
	Code    string
	Message string
}

func (r *Rejection) Error() string {
	return r.Message
}

func reject(code, message string) *Rejection {
	return &Rejection{Code: code, Message: message}
}

var (
	ErrRoomNotFound       = reject("not_found", "Room not found")
	ErrSubmissionNotFound = reject("not_found", "Submission not found")
	ErrGameInProgress     = reject("game_in_progress", "Game already in progress")
	ErrRoomFull           = reject("room_full", "Room is full (maximum 8 players)")
	ErrAlreadyJoined      = reject("already_joined", "You are already in this room")
	ErrUnauthorized       = reject("unauthorized", "Unauthorized")
	ErrNotJudge           = reject("unauthorized", "Only the judge can select winners")
	ErrNotEnoughPlayers   = reject("not_enough_players", "Need at least 3 players to start the game")
	ErrTooManyPlayers     = reject("too_many_players", "Too many players (maximum 8 players)")
	ErrNotPlaying         = reject("not_playing", "Game not in progress")
	ErrNotAMember         = reject("not_a_member", "Player not in room")
	ErrJudgeCannotSubmit  = reject("judge_cannot_submit", "Judge cannot submit cards")
	ErrAlreadySubmitted   = reject("already_submitted", "Card already submitted")
	ErrCardNotInHand      = reject("card_not_in_hand", "Card not in hand")
	ErrAlreadyJudged      = reject("already_judged", "A winner was already picked this round")
)

// AsRejection unwraps err into a Rejection, if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
