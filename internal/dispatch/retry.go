package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/relaysms/gateway/internal/usage"
)

// scheduleOrFail schedules the next retry for id if retryCount is still
// under maxRetries, otherwise marks the attempt terminally failed
// (invariant P7: retryCount never exceeds maxRetries).
func (s *Service) scheduleOrFail(ctx context.Context, id uuid.UUID, retryCount, maxRetries int) error {
	if retryCount < maxRetries {
		delay := s.backoffDelay(retryCount + 1)
		return s.usage.ScheduleRetry(ctx, id, time.Now().Add(delay))
	}
	msg := "carrier send failed and retries are exhausted"
	return s.usage.MarkTerminal(ctx, id, usage.StatusFailed, nil, &msg)
}
