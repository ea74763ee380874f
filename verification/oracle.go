package verification

import (
	"context"
	"log"

	"go-tweetescrow/model"
)

// LogOracle accepts every request and only logs it. Verdicts have to be
// delivered by hand through the callback endpoint.
type LogOracle struct{}

func (LogOracle) RequestVerification(_ context.Context, req model.VerificationRequest) error {
	log.Printf("[oracle] verification requested task=%d token=%s content=%s", req.TaskID, req.CorrelationToken, req.ContentReference.Hex())
	return nil
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, req model.VerificationRequest) error

func (f OracleFunc) RequestVerification(ctx context.Context, req model.VerificationRequest) error {
	return f(ctx, req)
}
