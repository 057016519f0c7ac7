package pipeline

import (
	"io"
	"time"
)

// Consultation is a patient's membership in the clinical queue. The Has*
// and ExamStatus fields are derived from child rows when read through a
// view and are ignored on write.
type Consultation struct {
	ID              int64              `db:"id" json:"id"`
	PatientID       int64              `db:"patient_id" json:"patient_id"`
	PatientName     string             `db:"-" json:"patient_name,omitempty"`
	Status          ConsultationStatus `db:"status" json:"status"`
	AddedBy         string             `db:"added_by" json:"added_by"`
	CreatedAt       time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `db:"updated_at" json:"updated_at"`
	HasExam         bool               `db:"-" json:"has_exam"`
	ExamStatus      ExamStatus         `db:"-" json:"exam_status,omitempty"`
	HasDiagnosis    bool               `db:"-" json:"has_diagnosis"`
	HasPrescription bool               `db:"-" json:"has_prescription"`
}

// Exam is a lab order attached to one consultation.
type Exam struct {
	ID              int64      `db:"id" json:"id"`
	ConsultationID  int64      `db:"consultation_id" json:"consultation_id"`
	PatientID       int64      `db:"patient_id" json:"patient_id"`
	PatientName     string     `db:"-" json:"patient_name,omitempty"`
	Complaint       string     `db:"complaint" json:"complaint"`
	History         string     `db:"history" json:"history"`
	RequestedTests  []string   `db:"requested_tests" json:"requested_tests"`
	ClinicalDetails string     `db:"clinical_details" json:"clinical_details"`
	Status          ExamStatus `db:"status" json:"status"`
	RequestedBy     string     `db:"requested_by" json:"requested_by"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// Requested reports whether testKey was ordered on the exam.
func (e *Exam) Requested(testKey string) bool {
	for _, k := range e.RequestedTests {
		if k == testKey {
			return true
		}
	}
	return false
}

// LabResult maps to the laboratory table: the outcome of one test.
type LabResult struct {
	ID                  int64     `db:"id" json:"id"`
	ExamID              int64     `db:"exam_id" json:"exam_id"`
	PatientID           int64     `db:"patient_id" json:"patient_id"`
	TestKey             string    `db:"test_key" json:"test_key"`
	Status              LabStatus `db:"status" json:"status"`
	Comments            string    `db:"comments" json:"comments"`
	ArtifactName        string    `db:"artifact_name" json:"artifact_name,omitempty"`
	ArtifactContentType string    `db:"artifact_content_type" json:"artifact_content_type,omitempty"`
	ArtifactSize        int64     `db:"artifact_size" json:"artifact_size,omitempty"`
	ArtifactHash        string    `db:"artifact_hash" json:"artifact_hash,omitempty"`
	PerformedBy         string    `db:"performed_by" json:"performed_by"`
	CreatedAt           time.Time `db:"created_at" json:"created_at"`
}

type TestFeedback struct {
	TestKey  string `json:"test_key"`
	Feedback string `json:"feedback"`
}

type Diagnosis struct {
	ID                 int64          `db:"id" json:"id"`
	ConsultationID     int64          `db:"consultation_id" json:"consultation_id"`
	PatientID          int64          `db:"patient_id" json:"patient_id"`
	ConfirmedDiagnosis string         `db:"confirmed_diagnosis" json:"confirmed_diagnosis"`
	TestFeedbacks      []TestFeedback `db:"test_feedbacks" json:"test_feedbacks"`
	LabTechComment     string         `db:"lab_tech_comment" json:"lab_tech_comment"`
	Notes              string         `db:"notes" json:"notes"`
	DiagnosedBy        string         `db:"diagnosed_by" json:"diagnosed_by"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
}

// Medicine is one line of a prescription.
type Medicine struct {
	Type         string `json:"type"`
	Amount       string `json:"amount"`
	TimesPerDay  int    `json:"times_per_day"`
	DurationDays int    `json:"duration_days"`
}

type Prescription struct {
	ID             int64          `db:"id" json:"id"`
	ConsultationID int64          `db:"consultation_id" json:"consultation_id"`
	PatientID      int64          `db:"patient_id" json:"patient_id"`
	PatientName    string         `db:"-" json:"patient_name,omitempty"`
	Medicines      []Medicine     `db:"medicines" json:"medicines"`
	PaymentStatus  PaymentStatus  `db:"payment_status" json:"payment_status"`
	PharmacyStatus PharmacyStatus `db:"pharmacy_status" json:"pharmacy_status"`
	PaymentMethod  string         `db:"payment_method" json:"payment_method"`
	PrescribedBy   string         `db:"prescribed_by" json:"prescribed_by"`
	PaidAt         *time.Time     `db:"paid_at" json:"paid_at,omitempty"`
	SentAt         *time.Time     `db:"sent_at" json:"sent_at,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// -- Inputs --

type ExamRequest struct {
	ConsultationID  int64    `json:"-"`
	PatientID       int64    `json:"patient_id"`
	Complaint       string   `json:"complaint"`
	History         string   `json:"history"`
	Tests           []string `json:"tests"`
	ClinicalDetails string   `json:"clinical_details"`
	RequestedBy     string   `json:"-"`
}

// Upload is an attachment as received from the caller.
type Upload struct {
	Filename string
	Content  io.Reader
}

// ResultInput carries the outcome of one requested test. An input with
// neither an artifact nor comments records nothing.
type ResultInput struct {
	TestKey     string
	Artifact    *Upload
	Comments    string
	PerformedBy string
}

func (in ResultInput) empty() bool {
	return in.Artifact == nil && in.Comments == ""
}

type DiagnosisInput struct {
	ConsultationID     int64          `json:"-"`
	PatientID          int64          `json:"patient_id"`
	ConfirmedDiagnosis string         `json:"confirmed_diagnosis"`
	TestFeedbacks      []TestFeedback `json:"test_feedbacks"`
	LabTechComment     string         `json:"lab_tech_comment"`
	Notes              string         `json:"notes"`
	DiagnosedBy        string         `json:"-"`
}

type PrescriptionInput struct {
	ConsultationID int64      `json:"-"`
	PatientID      int64      `json:"patient_id"`
	Medicines      []Medicine `json:"medicines"`
	PrescribedBy   string     `json:"-"`
}

// Queue selects a prescription work list.
type Queue int

const (
	// QueueBilling holds prescriptions awaiting payment or paid but not yet
	// sent to the pharmacy.
	QueueBilling Queue = iota
	// QueuePharmacy holds prescriptions sent to the pharmacy.
	QueuePharmacy
)
