// Package pipeline implements the clinic care pipeline: the consultation
// queue, lab exams and results, diagnoses, prescriptions, billing and the
// pharmacy hand-off that closes a patient's visit.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/artifact"
	"github.com/clinic/clinic/internal/platform/metrics"
	"github.com/clinic/clinic/internal/platform/websocket"
)

// Transactor runs fn inside one database transaction carried by the
// context. db.Transactor implements it.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo      Repository
	tx        Transactor
	store     artifact.Store
	logger    zerolog.Logger
	metrics   *metrics.Registry
	publisher websocket.EventPublisher
	now       func() time.Time
}

// Option configures optional Service collaborators.
type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithMetrics(r *metrics.Registry) Option {
	return func(s *Service) { s.metrics = r }
}

func NewService(repo Repository, tx Transactor, store artifact.Store, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		tx:     tx,
		store:  store,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run executes one pipeline operation as a single transaction and records
// its outcome.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := s.tx.WithinTx(ctx, fn)
	if err != nil {
		kind := errorKind(err)
		s.metrics.Rejection(op, kind)
		s.logger.Debug().Str("operation", op).Str("kind", kind).Err(err).Msg("pipeline operation rejected")
		return err
	}
	s.metrics.Transition(op)
	s.logger.Debug().Str("operation", op).Msg("pipeline operation committed")
	s.publish(ctx, op)
	return nil
}

// pairedConsultation loads a consultation and checks that it belongs to
// patientID. A missing consultation or a mismatched pair is a validation
// failure, not a lookup miss.
func (s *Service) pairedConsultation(ctx context.Context, consultationID, patientID int64) (*Consultation, error) {
	if consultationID <= 0 || patientID <= 0 {
		return nil, invalid("consultation_id and patient_id are required")
	}
	c, err := s.repo.GetConsultation(ctx, consultationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid("consultation %d does not exist", consultationID)
		}
		return nil, err
	}
	if c.PatientID != patientID {
		return nil, invalid("consultation %d does not belong to patient %d", consultationID, patientID)
	}
	return c, nil
}

// moveConsultation applies a checked consultation transition.
func (s *Service) moveConsultation(ctx context.Context, c *Consultation, to ConsultationStatus) error {
	if err := c.Status.To(to); err != nil {
		return err
	}
	if err := s.repo.UpdateConsultationStatus(ctx, c.ID, c.Status, to); err != nil {
		return err
	}
	c.Status = to
	return nil
}

func (s *Service) moveExam(ctx context.Context, e *Exam, to ExamStatus) error {
	if err := e.Status.To(to); err != nil {
		return err
	}
	if err := s.repo.UpdateExamStatus(ctx, e.ID, e.Status, to); err != nil {
		return err
	}
	e.Status = to
	return nil
}
