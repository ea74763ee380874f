package escrow

import "github.com/pkg/errors"

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrTokenNotAllowed = errors.New("token not allowed")
	ErrTransferFailed  = errors.New("transfer failed")
	ErrInvalidState    = errors.New("invalid task state")
	ErrNotFulfilled    = errors.New("The task was not completed!")
	ErrNotPromoter     = errors.New("Not the promoter!")
	ErrNotSponsor      = errors.New("Not the sponsor!")
	ErrNotFound        = errors.New("task not found")
	ErrInvalidArgument = errors.New("invalid argument")
)
