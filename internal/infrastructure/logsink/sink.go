// Package logsink implements [domain.EventSink] by writing events to
// the log. Used when no Kafka brokers are configured.
package logsink

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/vulnzero/vulnzero/rollout-server/internal/domain"
)

type Sink struct{}

func (Sink) Publish(_ context.Context, event domain.Event) error {
	log.Info().
		Str("type", string(event.Type)).
		Str("deployment", string(event.DeploymentID)).
		Int("stage", event.StageIndex).
		Float64("progress", event.Progress).
		Str("reason", event.Reason).
		Msg("deployment event")
	return nil
}
