package pipeline

import (
	"context"
	"time"
)

// Repository persists pipeline records. Status updates are compare-and-set:
// they only apply when the row is still in the expected state and return
// ErrInvalidState otherwise, so a concurrent transition cannot be lost.
type Repository interface {
	PatientExists(ctx context.Context, patientID int64) (bool, error)
	SetPatientPaymentMethod(ctx context.Context, patientID int64, method string) error
	DeletePatient(ctx context.Context, patientID int64) error

	// CreateConsultation returns ErrDuplicateActiveMembership when the
	// patient already has a waiting consultation.
	CreateConsultation(ctx context.Context, c *Consultation) error
	GetConsultation(ctx context.Context, id int64) (*Consultation, error)
	// ConsultationView returns the consultation with patient name and the
	// derived exam, diagnosis and prescription flags.
	ConsultationView(ctx context.Context, id int64) (*Consultation, error)
	ListConsultations(ctx context.Context, status ConsultationStatus, limit, offset int) ([]*Consultation, int, error)
	UpdateConsultationStatus(ctx context.Context, id int64, from, to ConsultationStatus) error
	DeleteConsultation(ctx context.Context, id int64) error

	// CreateExam returns ErrDuplicatePendingExam when the consultation
	// already has an open exam.
	CreateExam(ctx context.Context, e *Exam) error
	GetExam(ctx context.Context, id int64) (*Exam, error)
	ListOpenExams(ctx context.Context, limit, offset int) ([]*Exam, int, error)
	UpdateExamStatus(ctx context.Context, id int64, from, to ExamStatus) error

	// UpsertResult inserts or replaces the result for (exam, test) and
	// returns the artifact name of the result it replaced, if any.
	UpsertResult(ctx context.Context, r *LabResult) (string, error)
	CountResults(ctx context.Context, examID int64) (int, error)
	ListResults(ctx context.Context, examID int64) ([]*LabResult, error)

	CreateDiagnosis(ctx context.Context, d *Diagnosis) error
	ListDiagnoses(ctx context.Context, consultationID int64) ([]*Diagnosis, error)

	// CreatePrescription returns ErrInvalidState when the consultation
	// already has a prescription.
	CreatePrescription(ctx context.Context, p *Prescription) error
	GetPrescription(ctx context.Context, id int64) (*Prescription, error)
	ListPrescriptions(ctx context.Context, q Queue, limit, offset int) ([]*Prescription, int, error)
	MarkPaid(ctx context.Context, id int64, method string, at time.Time) error
	UpdatePharmacyStatus(ctx context.Context, id int64, from, to PharmacyStatus, at time.Time) error
}
