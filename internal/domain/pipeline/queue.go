package pipeline

import (
	"context"
	"fmt"
)

// Enqueue adds the patient to the consultation queue as waiting.
func (s *Service) Enqueue(ctx context.Context, patientID int64, addedBy string) (*Consultation, error) {
	c := &Consultation{PatientID: patientID, Status: ConsultationWaiting, AddedBy: addedBy}
	err := s.run(ctx, "enqueue", func(ctx context.Context) error {
		exists, err := s.repo.PatientExists(ctx, patientID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("patient %d: %w", patientID, ErrNotFound)
		}
		return s.repo.CreateConsultation(ctx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Dequeue removes a consultation and everything recorded against it.
func (s *Service) Dequeue(ctx context.Context, consultationID int64) error {
	return s.run(ctx, "dequeue", func(ctx context.Context) error {
		return s.repo.DeleteConsultation(ctx, consultationID)
	})
}

// Complete closes a waiting consultation without a prescription.
func (s *Service) Complete(ctx context.Context, consultationID int64) (*Consultation, error) {
	var c *Consultation
	err := s.run(ctx, "complete_consultation", func(ctx context.Context) error {
		var err error
		if c, err = s.repo.GetConsultation(ctx, consultationID); err != nil {
			return err
		}
		return s.moveConsultation(ctx, c, ConsultationCompleted)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) ListWaiting(ctx context.Context, limit, offset int) ([]*Consultation, int, error) {
	return s.repo.ListConsultations(ctx, ConsultationWaiting, limit, offset)
}

func (s *Service) GetConsultation(ctx context.Context, id int64) (*Consultation, error) {
	return s.repo.ConsultationView(ctx, id)
}
