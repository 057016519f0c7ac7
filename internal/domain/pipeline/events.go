package pipeline

import (
	"context"

	"github.com/clinic/clinic/internal/platform/websocket"
)

// Worklist topics published after each committed operation.
const (
	TopicConsultations = "consultations"
	TopicLab           = "lab"
	TopicBilling       = "billing"
	TopicPharmacy      = "pharmacy"
)

// Topics lists every worklist topic.
func Topics() []string {
	return []string{TopicConsultations, TopicLab, TopicBilling, TopicPharmacy}
}

var operationTopics = map[string][]string{
	"enqueue":               {TopicConsultations},
	"dequeue":               {TopicConsultations, TopicLab, TopicBilling},
	"complete_consultation": {TopicConsultations},
	"request_exam":          {TopicConsultations, TopicLab},
	"cancel_exam":           {TopicConsultations, TopicLab},
	"begin_processing":      {TopicLab},
	"submit_result":         {TopicLab},
	"submit_results":        {TopicLab, TopicConsultations},
	"finalize_submission":   {TopicLab, TopicConsultations},
	"record_diagnosis":      {TopicConsultations},
	"record_prescription":   {TopicConsultations, TopicBilling},
	"complete_payment":      {TopicBilling},
	"send_to_pharmacy":      {TopicBilling, TopicPharmacy},
	"cancel_pharmacy":       {TopicBilling, TopicPharmacy},
	"complete_pharmacy":     {TopicPharmacy},
}

func WithPublisher(p websocket.EventPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// publish announces a committed operation on the worklists it touched.
// Delivery failures are logged and never undo the operation.
func (s *Service) publish(ctx context.Context, op string) {
	if s.publisher == nil {
		return
	}
	at := s.now().UTC()
	for _, topic := range operationTopics[op] {
		ev := websocket.Event{Type: op, Topic: topic, Timestamp: at}
		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("operation", op).Str("topic", topic).Msg("publish worklist event")
		}
	}
}
