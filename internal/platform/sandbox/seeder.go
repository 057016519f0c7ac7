// Package sandbox generates reproducible synthetic clinic data for demo and
// development databases. Records are written through the domain services so
// seeded rows obey the same validation and queue rules as real traffic.
package sandbox

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/domain/patient"
	"github.com/clinic/clinic/internal/domain/pipeline"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// SeedConfig controls the volume and shape of generated data.
type SeedConfig struct {
	Patients               int     `json:"patients"`
	VitalsPerPatient       int     `json:"vitalsPerPatient"`
	AppointmentsPerPatient int     `json:"appointmentsPerPatient"`
	QueueRatio             float64 `json:"queueRatio"`
	ExamRatio              float64 `json:"examRatio"`
	Seed                   int64   `json:"seed"`
}

// DefaultSeedConfig returns a SeedConfig suited to a developer database.
func DefaultSeedConfig() SeedConfig {
	return SeedConfig{
		Patients:               25,
		VitalsPerPatient:       2,
		AppointmentsPerPatient: 1,
		QueueRatio:             0.4,
		ExamRatio:              0.5,
	}
}

// Validate rejects configurations that cannot be seeded.
func (c SeedConfig) Validate() error {
	if c.Patients < 0 || c.VitalsPerPatient < 0 || c.AppointmentsPerPatient < 0 {
		return fmt.Errorf("seed counts must not be negative")
	}
	if c.QueueRatio < 0 || c.QueueRatio > 1 {
		return fmt.Errorf("queue ratio must be between 0 and 1, got %.2f", c.QueueRatio)
	}
	if c.ExamRatio < 0 || c.ExamRatio > 1 {
		return fmt.Errorf("exam ratio must be between 0 and 1, got %.2f", c.ExamRatio)
	}
	return nil
}

// SeedResult summarizes the output of a seed run.
type SeedResult struct {
	Patients      int   `json:"patients"`
	Vitals        int   `json:"vitals"`
	Appointments  int   `json:"appointments"`
	Consultations int   `json:"consultations"`
	Exams         int   `json:"exams"`
	Seed          int64 `json:"seed"`
}

// ---------------------------------------------------------------------------
// Targets
// ---------------------------------------------------------------------------

// PatientWriter is the subset of patient.Service the seeder writes through.
type PatientWriter interface {
	CreatePatient(ctx context.Context, p *patient.Patient) error
	RecordVitals(ctx context.Context, v *patient.Vitals) error
	ScheduleAppointment(ctx context.Context, a *patient.Appointment) error
}

// QueueWriter is the subset of pipeline.Service the seeder writes through.
type QueueWriter interface {
	Enqueue(ctx context.Context, patientID int64, addedBy string) (*pipeline.Consultation, error)
	RequestExam(ctx context.Context, req pipeline.ExamRequest) (*pipeline.Exam, error)
}

// Actor is recorded as the author of seeded vitals, consultations and exams.
const Actor = "sandbox-seeder"

// ---------------------------------------------------------------------------
// Pools
// ---------------------------------------------------------------------------

var (
	bloodTypes  = []string{"A+", "A-", "B+", "B-", "AB+", "AB-", "O+", "O-", ""}
	departments = []string{"general", "pediatrics", "maternity", "outpatient", "emergency"}
	allergies   = []string{"", "", "", "penicillin", "peanuts", "sulfa drugs", "latex", "dust"}
	reasons     = []string{
		"follow-up visit", "routine check-up", "blood pressure review",
		"antenatal visit", "lab results review", "vaccination",
	}
	complaints = []string{
		"fever and headache for three days", "persistent cough", "abdominal pain",
		"fatigue and dizziness", "painful urination", "joint pain",
	}
	histories = []string{
		"no significant past history", "hypertensive on medication",
		"type 2 diabetes", "previous malaria episode last year", "asthmatic since childhood",
	}
	vitalsNotes = []string{"", "", "patient anxious", "post-exercise reading", "repeat reading"}
)

// ---------------------------------------------------------------------------
// Generator
// ---------------------------------------------------------------------------

// Generator produces deterministic synthetic clinic records. Two generators
// built with the same seed and clock yield identical sequences.
type Generator struct {
	faker *gofakeit.Faker
	now   time.Time
	tests []string
}

// NewGenerator returns a generator seeded for reproducibility. If seed is 0 a
// time-based seed is chosen.
func NewGenerator(seed int64, now time.Time) *Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	catalogue := pipeline.TestCatalogue()
	tests := make([]string, len(catalogue))
	for i, t := range catalogue {
		tests[i] = t.Key
	}
	return &Generator{faker: gofakeit.New(uint64(seed)), now: now, tests: tests}
}

// Patient returns an unsaved patient with plausible demographics.
func (g *Generator) Patient() *patient.Patient {
	f := g.faker
	dob := f.DateRange(g.now.AddDate(-90, 0, 0), g.now.AddDate(0, -1, 0))
	return &patient.Patient{
		Name:        f.FirstName() + " " + f.LastName(),
		DateOfBirth: dob.Format(patient.DateLayout),
		Gender:      f.RandomString([]string{"male", "female"}),
		BloodType:   f.RandomString(bloodTypes),
		Allergies:   f.RandomString(allergies),
		Contact:     f.PhoneFormatted(),
		Address:     f.Street() + ", " + f.City(),
		Department:  f.RandomString(departments),
	}
}

// Vitals returns a reading for patientID inside the accepted clinical ranges.
func (g *Generator) Vitals(patientID int64) *patient.Vitals {
	f := g.faker
	spo2 := f.Number(92, 100)
	return &patient.Vitals{
		PatientID:        patientID,
		BloodPressure:    fmt.Sprintf("%d/%d", f.Number(95, 160), f.Number(60, 100)),
		HeartRate:        f.Number(55, 110),
		Temperature:      math.Round(f.Float64Range(36.0, 38.5)*10) / 10,
		RespiratoryRate:  f.Number(12, 22),
		OxygenSaturation: &spo2,
		Notes:            f.RandomString(vitalsNotes),
		RecordedBy:       Actor,
	}
}

// Appointment returns a future slot within the next 30 days during clinic
// hours.
func (g *Generator) Appointment(patientID int64) *patient.Appointment {
	f := g.faker
	day := g.now.AddDate(0, 0, f.Number(0, 30))
	return &patient.Appointment{
		PatientID: patientID,
		Date:      day.Format(patient.DateLayout),
		Time:      fmt.Sprintf("%02d:%s", f.Number(8, 16), f.RandomString([]string{"00", "15", "30", "45"})),
		Reason:    f.RandomString(reasons),
	}
}

// ExamRequest returns a laboratory request for one to three distinct tests.
func (g *Generator) ExamRequest(c *pipeline.Consultation) pipeline.ExamRequest {
	f := g.faker
	n := f.Number(1, 3)
	picked := make(map[string]bool, n)
	tests := make([]string, 0, n)
	for len(tests) < n {
		key := f.RandomString(g.tests)
		if picked[key] {
			continue
		}
		picked[key] = true
		tests = append(tests, key)
	}
	return pipeline.ExamRequest{
		ConsultationID: c.ID,
		PatientID:      c.PatientID,
		Complaint:      f.RandomString(complaints),
		History:        f.RandomString(histories),
		Tests:          tests,
		RequestedBy:    Actor,
	}
}

// chance reports true with probability p.
func (g *Generator) chance(p float64) bool {
	return p > 0 && g.faker.Float64Range(0, 1) < p
}

// ---------------------------------------------------------------------------
// Seeder
// ---------------------------------------------------------------------------

// Seeder writes a complete synthetic data set through the domain services.
type Seeder struct {
	config   SeedConfig
	patients PatientWriter
	queue    QueueWriter
	logger   zerolog.Logger
	now      func() time.Time
}

// NewSeeder creates a Seeder. queue may be nil, in which case no
// consultations or exams are generated.
func NewSeeder(config SeedConfig, patients PatientWriter, queue QueueWriter, logger zerolog.Logger) *Seeder {
	return &Seeder{
		config:   config,
		patients: patients,
		queue:    queue,
		logger:   logger,
		now:      time.Now,
	}
}

// Run generates and persists the configured data set. Generation stops at the
// first failed write; the returned result counts what was written before it.
func (s *Seeder) Run(ctx context.Context) (*SeedResult, error) {
	if err := s.config.Validate(); err != nil {
		return nil, err
	}
	seed := s.config.Seed
	if seed == 0 {
		seed = s.now().UnixNano()
	}
	gen := NewGenerator(seed, s.now().UTC())
	res := &SeedResult{Seed: seed}

	for i := 0; i < s.config.Patients; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.seedPatient(ctx, gen, res); err != nil {
			return res, err
		}
	}

	s.logger.Info().
		Int("patients", res.Patients).
		Int("vitals", res.Vitals).
		Int("appointments", res.Appointments).
		Int("consultations", res.Consultations).
		Int("exams", res.Exams).
		Int64("seed", res.Seed).
		Msg("sandbox seed complete")
	return res, nil
}

func (s *Seeder) seedPatient(ctx context.Context, gen *Generator, res *SeedResult) error {
	p := gen.Patient()
	if err := s.patients.CreatePatient(ctx, p); err != nil {
		return fmt.Errorf("create patient %q: %w", p.Name, err)
	}
	res.Patients++

	for j := 0; j < s.config.VitalsPerPatient; j++ {
		if err := s.patients.RecordVitals(ctx, gen.Vitals(p.ID)); err != nil {
			return fmt.Errorf("record vitals for patient %d: %w", p.ID, err)
		}
		res.Vitals++
	}
	for j := 0; j < s.config.AppointmentsPerPatient; j++ {
		if err := s.patients.ScheduleAppointment(ctx, gen.Appointment(p.ID)); err != nil {
			return fmt.Errorf("schedule appointment for patient %d: %w", p.ID, err)
		}
		res.Appointments++
	}

	if s.queue == nil || !gen.chance(s.config.QueueRatio) {
		return nil
	}
	c, err := s.queue.Enqueue(ctx, p.ID, Actor)
	if err != nil {
		return fmt.Errorf("enqueue patient %d: %w", p.ID, err)
	}
	res.Consultations++

	if !gen.chance(s.config.ExamRatio) {
		return nil
	}
	if _, err := s.queue.RequestExam(ctx, gen.ExamRequest(c)); err != nil {
		return fmt.Errorf("request exam for consultation %d: %w", c.ID, err)
	}
	res.Exams++
	return nil
}
