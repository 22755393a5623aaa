package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"chekodel/internal/database"
	"chekodel/internal/events"
	"chekodel/internal/models"

	"github.com/rs/zerolog"
)

// SubscribeAuthRecovery подписывает очередь на успешную авторизацию профиля:
// все задачи waiting_auth его магазинов одним апдейтом возвращаются в
// pending. Других выходов из waiting_auth нет.
func SubscribeAuthRecovery(bus *events.EventBus, db *database.DB, logger *zerolog.Logger) {
	bus.Subscribe(events.EventProfileAuthenticated, func(event *events.Event) error {
		var payload events.ProfileEventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			logger.Error().Err(err).Msg("Failed to decode profile event payload")
			return err
		}

		requeued, err := db.RequeueWaitingAuthTasks(context.Background(), payload.ProfileID)
		if err != nil {
			logger.Error().Err(err).
				Int64("profile_id", payload.ProfileID).
				Msg("Failed to requeue waiting_auth tasks")
			return err
		}
		if requeued == 0 {
			return nil
		}

		entry := &models.AppLog{
			Level: "info",
			Event: "task_requeued",
			Message: fmt.Sprintf("После авторизации профиля «%s» в очередь возвращено задач: %d",
				payload.Name, requeued),
		}
		if err := db.AppendLog(context.Background(), entry); err != nil {
			logger.Error().Err(err).Msg("Failed to append audit log")
		}

		logger.Info().
			Int64("profile_id", payload.ProfileID).
			Int64("requeued", requeued).
			Msg("Waiting_auth tasks returned to queue")
		return nil
	})
}
