package pipeline

import (
	"context"
	"strings"
)

const (
	minTimesPerDay  = 1
	maxTimesPerDay  = 10
	minDurationDays = 1
	maxDurationDays = 365
)

// RecordDiagnosis stores a confirmed diagnosis. The consultation keeps its
// place in the queue.
func (s *Service) RecordDiagnosis(ctx context.Context, in DiagnosisInput) (*Diagnosis, error) {
	var d *Diagnosis
	err := s.run(ctx, "record_diagnosis", func(ctx context.Context) error {
		in.ConfirmedDiagnosis = strings.TrimSpace(in.ConfirmedDiagnosis)
		if in.ConfirmedDiagnosis == "" {
			return invalid("confirmed_diagnosis is required")
		}
		if _, err := s.pairedConsultation(ctx, in.ConsultationID, in.PatientID); err != nil {
			return err
		}

		feedbacks := make([]TestFeedback, 0, len(in.TestFeedbacks))
		for _, f := range in.TestFeedbacks {
			f.Feedback = strings.TrimSpace(f.Feedback)
			if f.Feedback == "" {
				continue
			}
			f.TestKey = strings.ToLower(strings.TrimSpace(f.TestKey))
			feedbacks = append(feedbacks, f)
		}

		d = &Diagnosis{
			ConsultationID:     in.ConsultationID,
			PatientID:          in.PatientID,
			ConfirmedDiagnosis: in.ConfirmedDiagnosis,
			TestFeedbacks:      feedbacks,
			LabTechComment:     strings.TrimSpace(in.LabTechComment),
			Notes:              strings.TrimSpace(in.Notes),
			DiagnosedBy:        in.DiagnosedBy,
		}
		return s.repo.CreateDiagnosis(ctx, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) ListDiagnoses(ctx context.Context, consultationID int64) ([]*Diagnosis, error) {
	if _, err := s.repo.ConsultationView(ctx, consultationID); err != nil {
		return nil, err
	}
	return s.repo.ListDiagnoses(ctx, consultationID)
}

func validateMedicines(meds []Medicine) ([]Medicine, error) {
	if len(meds) == 0 {
		return nil, invalid("at least one medicine is required")
	}
	out := make([]Medicine, len(meds))
	for i, m := range meds {
		m.Type = strings.TrimSpace(m.Type)
		m.Amount = strings.TrimSpace(m.Amount)
		switch {
		case m.Type == "" || m.Amount == "":
			return nil, invalid("medicine %d: type and amount are required", i+1)
		case m.TimesPerDay < minTimesPerDay || m.TimesPerDay > maxTimesPerDay:
			return nil, invalid("medicine %d: times_per_day must be between %d and %d", i+1, minTimesPerDay, maxTimesPerDay)
		case m.DurationDays < minDurationDays || m.DurationDays > maxDurationDays:
			return nil, invalid("medicine %d: duration_days must be between %d and %d", i+1, minDurationDays, maxDurationDays)
		}
		out[i] = m
	}
	return out, nil
}

// RecordPrescription stores the medicine list, opens billing for it and
// closes the consultation.
func (s *Service) RecordPrescription(ctx context.Context, in PrescriptionInput) (*Prescription, error) {
	var p *Prescription
	err := s.run(ctx, "record_prescription", func(ctx context.Context) error {
		meds, err := validateMedicines(in.Medicines)
		if err != nil {
			return err
		}
		c, err := s.pairedConsultation(ctx, in.ConsultationID, in.PatientID)
		if err != nil {
			return err
		}
		if err := c.Status.To(ConsultationCompleted); err != nil {
			return err
		}

		p = &Prescription{
			ConsultationID: in.ConsultationID,
			PatientID:      in.PatientID,
			Medicines:      meds,
			PaymentStatus:  PaymentPending,
			PharmacyStatus: PharmacyNotSent,
			PrescribedBy:   in.PrescribedBy,
		}
		if err := s.repo.CreatePrescription(ctx, p); err != nil {
			return err
		}
		return s.moveConsultation(ctx, c, ConsultationCompleted)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetPrescription(ctx context.Context, id int64) (*Prescription, error) {
	return s.repo.GetPrescription(ctx, id)
}
