package fl

import "errors"

var (
	ErrNoUpdates = errors.New("no updates to aggregate")
	ErrOverflow  = errors.New("sample count overflow")
	ErrShape     = errors.New("update parameter shapes disagree")
)
