package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/clinic/clinic/internal/platform/artifact"
)

// CompletePayment settles a pending prescription and stores the method on
// the patient record.
func (s *Service) CompletePayment(ctx context.Context, prescriptionID int64, method string) (*Prescription, error) {
	var p *Prescription
	err := s.run(ctx, "complete_payment", func(ctx context.Context) error {
		var err error
		if p, err = s.repo.GetPrescription(ctx, prescriptionID); err != nil {
			return err
		}
		method = strings.TrimSpace(method)
		if method == "" {
			return invalid("payment_method is required")
		}
		if err := p.PaymentStatus.To(PaymentPaid); err != nil {
			return err
		}

		now := s.now()
		if err := s.repo.MarkPaid(ctx, p.ID, method, now); err != nil {
			return err
		}
		if err := s.repo.SetPatientPaymentMethod(ctx, p.PatientID, method); err != nil {
			return err
		}
		p.PaymentStatus = PaymentPaid
		p.PaymentMethod = method
		p.PaidAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) movePharmacy(ctx context.Context, p *Prescription, to PharmacyStatus) error {
	if err := p.PharmacyStatus.To(to); err != nil {
		return err
	}
	now := s.now()
	if err := s.repo.UpdatePharmacyStatus(ctx, p.ID, p.PharmacyStatus, to, now); err != nil {
		return err
	}
	p.PharmacyStatus = to
	p.SentAt = nil
	if to == PharmacySent {
		p.SentAt = &now
	}
	return nil
}

// SendToPharmacy routes a paid prescription to the pharmacy.
func (s *Service) SendToPharmacy(ctx context.Context, prescriptionID int64) (*Prescription, error) {
	var p *Prescription
	err := s.run(ctx, "send_to_pharmacy", func(ctx context.Context) error {
		var err error
		if p, err = s.repo.GetPrescription(ctx, prescriptionID); err != nil {
			return err
		}
		if p.PaymentStatus != PaymentPaid {
			return fmt.Errorf("prescription %d is %s: %w", p.ID, p.PaymentStatus, ErrPaymentRequired)
		}
		return s.movePharmacy(ctx, p, PharmacySent)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CancelPharmacy returns a sent prescription to billing.
func (s *Service) CancelPharmacy(ctx context.Context, prescriptionID int64) (*Prescription, error) {
	var p *Prescription
	err := s.run(ctx, "cancel_pharmacy", func(ctx context.Context) error {
		var err error
		if p, err = s.repo.GetPrescription(ctx, prescriptionID); err != nil {
			return err
		}
		return s.movePharmacy(ctx, p, PharmacyNotSent)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CompletePharmacy dispenses a sent prescription and ends the visit by
// deleting the patient with every record they own. Stored laboratory
// artifacts are removed once the deletion has committed.
func (s *Service) CompletePharmacy(ctx context.Context, prescriptionID int64) (*Prescription, error) {
	var p *Prescription
	err := s.run(ctx, "complete_pharmacy", func(ctx context.Context) error {
		var err error
		if p, err = s.repo.GetPrescription(ctx, prescriptionID); err != nil {
			return err
		}
		if p.PharmacyStatus != PharmacySent {
			return fmt.Errorf("prescription %d has not been sent to the pharmacy: %w", p.ID, ErrInvalidState)
		}
		return s.repo.DeletePatient(ctx, p.PatientID)
	})
	if err != nil {
		return nil, err
	}

	n, err := s.store.DeleteByPrefix(context.WithoutCancel(ctx), artifact.PatientPrefix(p.PatientID))
	s.metrics.Artifact("delete", err)
	if err != nil {
		s.logger.Error().Err(err).Int64("patient_id", p.PatientID).Int("removed", n).
			Msg("failed to remove artifacts of discharged patient")
	} else {
		s.logger.Info().Int64("patient_id", p.PatientID).Int("artifacts_removed", n).Msg("patient discharged")
	}
	return p, nil
}

func (s *Service) ListBillingQueue(ctx context.Context, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.ListPrescriptions(ctx, QueueBilling, limit, offset)
}

func (s *Service) ListPharmacyQueue(ctx context.Context, limit, offset int) ([]*Prescription, int, error) {
	return s.repo.ListPrescriptions(ctx, QueuePharmacy, limit, offset)
}
