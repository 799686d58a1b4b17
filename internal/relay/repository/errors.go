package repository

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrSubNotFound         = errors.New("subscription not found")
	ErrSubAlreadyExists    = errors.New("subscription already exists")
)
