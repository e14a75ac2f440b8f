package conversation

import (
	"context"

	"go.uber.org/zap"
)

// StreamErrorMessage is the last fragment sent when the model stream fails.
const StreamErrorMessage = "Error: Unable to generate response. Please try again."

// Relay streams the model's reply to messages through a bounded channel.
// The channel is closed when the reply ends, after StreamErrorMessage if the
// model failed. Cancelling ctx stops the producer; callers that stop
// reading early must cancel ctx.
func (s *Service) Relay(ctx context.Context, messages []Turn) <-chan string {
	out := make(chan string, s.streamBuffer)

	go func() {
		defer close(out)

		err := s.proc.Stream(ctx, messages, s.temps.Stream, func(fragment string) error {
			if fragment == "" {
				return nil
			}
			select {
			case out <- fragment:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err == nil || ctx.Err() != nil {
			return
		}

		s.logger.Warn("conversation stream failed", zap.Error(err))
		select {
		case out <- StreamErrorMessage:
		case <-ctx.Done():
		}
	}()

	return out
}
