package patient

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/artifact"
)

type Service struct {
	repo      Repository
	artifacts artifact.Store
	logger    zerolog.Logger
	now       func() time.Time
}

type Option func(*Service)

// WithArtifacts lets DeletePatient remove the patient's stored laboratory
// artifacts.
func WithArtifacts(store artifact.Store) Option {
	return func(s *Service) { s.artifacts = store }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{repo: repo, logger: zerolog.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var validGenders = map[string]bool{
	"male":   true,
	"female": true,
	"other":  true,
}

var validBloodTypes = map[string]bool{
	"":   true,
	"A+": true, "A-": true,
	"B+": true, "B-": true,
	"AB+": true, "AB-": true,
	"O+": true, "O-": true,
}

var (
	bloodPressurePattern = regexp.MustCompile(`^\d{2,3}/\d{2,3}$`)
	timePattern          = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)
)

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

func (s *Service) validatePatient(p *Patient) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return invalid("name is required")
	}
	dob, err := time.Parse(DateLayout, p.DateOfBirth)
	if err != nil {
		return invalid("date_of_birth must be YYYY-MM-DD")
	}
	if dob.After(s.now()) {
		return invalid("date_of_birth is in the future")
	}
	p.Gender = strings.ToLower(strings.TrimSpace(p.Gender))
	if !validGenders[p.Gender] {
		return invalid("invalid gender: %s", p.Gender)
	}
	p.BloodType = strings.ToUpper(strings.TrimSpace(p.BloodType))
	if !validBloodTypes[p.BloodType] {
		return invalid("invalid blood_type: %s", p.BloodType)
	}
	return nil
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if err := s.validatePatient(p); err != nil {
		return err
	}
	return s.repo.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id int64) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdatePatient(ctx context.Context, p *Patient) error {
	if err := s.validatePatient(p); err != nil {
		return err
	}
	return s.repo.Update(ctx, p)
}

// DeletePatient removes the patient and, through cascades, every record
// that belongs to them. Stored laboratory artifacts are removed after the
// deletion; a failure there is logged and does not fail the call.
func (s *Service) DeletePatient(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if s.artifacts == nil {
		return nil
	}
	n, err := s.artifacts.DeleteByPrefix(context.WithoutCancel(ctx), artifact.PatientPrefix(id))
	if err != nil {
		s.logger.Error().Err(err).Int64("patient_id", id).Int("removed", n).
			Msg("failed to remove artifacts of deleted patient")
		return nil
	}
	s.logger.Info().Int64("patient_id", id).Int("artifacts_removed", n).Msg("patient deleted")
	return nil
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) SearchPatients(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.repo.List(ctx, limit, offset)
	}
	return s.repo.Search(ctx, query, limit, offset)
}

// -- Vitals --

func (s *Service) RecordVitals(ctx context.Context, v *Vitals) error {
	if v.PatientID <= 0 {
		return invalid("patient_id is required")
	}
	v.BloodPressure = strings.TrimSpace(v.BloodPressure)
	if !bloodPressurePattern.MatchString(v.BloodPressure) {
		return invalid("blood_pressure must look like 120/80")
	}
	if v.HeartRate < 20 || v.HeartRate > 250 {
		return invalid("heart_rate %d out of range 20-250", v.HeartRate)
	}
	if v.Temperature < 30 || v.Temperature > 45 {
		return invalid("temperature %.1f out of range 30-45", v.Temperature)
	}
	if v.RespiratoryRate < 5 || v.RespiratoryRate > 60 {
		return invalid("respiratory_rate %d out of range 5-60", v.RespiratoryRate)
	}
	if o := v.OxygenSaturation; o != nil && (*o < 50 || *o > 100) {
		return invalid("oxygen_saturation %d out of range 50-100", *o)
	}
	if _, err := s.repo.GetByID(ctx, v.PatientID); err != nil {
		return err
	}
	return s.repo.AddVitals(ctx, v)
}

func (s *Service) ListVitals(ctx context.Context, patientID int64, limit, offset int) ([]*Vitals, int, error) {
	return s.repo.ListVitals(ctx, patientID, limit, offset)
}

// -- Appointments --

func (s *Service) ScheduleAppointment(ctx context.Context, a *Appointment) error {
	if a.PatientID <= 0 {
		return invalid("patient_id is required")
	}
	if _, err := time.Parse(DateLayout, a.Date); err != nil {
		return invalid("date must be YYYY-MM-DD")
	}
	if !timePattern.MatchString(a.Time) {
		return invalid("time must be HH:MM")
	}
	a.Reason = strings.TrimSpace(a.Reason)
	if a.Reason == "" {
		return invalid("reason is required")
	}
	if _, err := s.repo.GetByID(ctx, a.PatientID); err != nil {
		return err
	}
	a.Status = AppointmentScheduled
	return s.repo.CreateAppointment(ctx, a)
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	if f.Status != "" && !validAppointmentStatus(f.Status) {
		return nil, 0, invalid("invalid status: %s", f.Status)
	}
	return s.repo.ListAppointments(ctx, f, limit, offset)
}

func validAppointmentStatus(status string) bool {
	switch status {
	case AppointmentScheduled, AppointmentCompleted, AppointmentCancelled:
		return true
	}
	return false
}

// SetAppointmentStatus moves a scheduled appointment to completed or
// cancelled. Finished appointments cannot be changed again.
func (s *Service) SetAppointmentStatus(ctx context.Context, id int64, status string) (*Appointment, error) {
	if !validAppointmentStatus(status) {
		return nil, invalid("invalid status: %s", status)
	}
	a, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == status {
		return a, nil
	}
	if a.Status != AppointmentScheduled {
		return nil, fmt.Errorf("appointment %d is already %s: %w", id, a.Status, ErrConflict)
	}
	if err := s.repo.UpdateAppointmentStatus(ctx, id, status); err != nil {
		return nil, err
	}
	a.Status = status
	return a, nil
}

func (s *Service) DeleteAppointment(ctx context.Context, id int64) error {
	return s.repo.DeleteAppointment(ctx, id)
}

// -- Dashboard --

const upcomingLimit = 5

func (s *Service) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := s.now()
	today := now.Format(DateLayout)

	var d Dashboard
	var err error
	if d.TotalPatients, err = s.repo.CountPatients(ctx); err != nil {
		return nil, fmt.Errorf("count patients: %w", err)
	}
	if d.TodayAppointments, err = s.repo.CountAppointmentsOn(ctx, today); err != nil {
		return nil, fmt.Errorf("count appointments: %w", err)
	}
	if d.RecentVitals, err = s.repo.CountVitalsSince(ctx, now.Add(-24*time.Hour)); err != nil {
		return nil, fmt.Errorf("count vitals: %w", err)
	}
	if d.Upcoming, err = s.repo.UpcomingAppointments(ctx, today, upcomingLimit); err != nil {
		return nil, fmt.Errorf("upcoming appointments: %w", err)
	}
	if d.Upcoming == nil {
		d.Upcoming = []*Appointment{}
	}
	return &d, nil
}
