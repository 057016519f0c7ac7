package patient

import (
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
)

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

// Patient maps to the patients table.
type Patient struct {
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	DateOfBirth   string    `db:"date_of_birth" json:"date_of_birth"`
	Gender        string    `db:"gender" json:"gender"`
	BloodType     string    `db:"blood_type" json:"blood_type"`
	Allergies     string    `db:"allergies" json:"allergies"`
	Contact       string    `db:"contact" json:"contact"`
	Address       string    `db:"address" json:"address"`
	Department    string    `db:"department" json:"department"`
	PaymentMethod string    `db:"payment_method" json:"payment_method"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// Vitals maps to the vitals table.
type Vitals struct {
	ID               int64     `db:"id" json:"id"`
	PatientID        int64     `db:"patient_id" json:"patient_id"`
	PatientName      string    `db:"-" json:"patient_name,omitempty"`
	BloodPressure    string    `db:"blood_pressure" json:"blood_pressure"`
	HeartRate        int       `db:"heart_rate" json:"heart_rate"`
	Temperature      float64   `db:"temperature" json:"temperature"`
	RespiratoryRate  int       `db:"respiratory_rate" json:"respiratory_rate"`
	OxygenSaturation *int      `db:"oxygen_saturation" json:"oxygen_saturation,omitempty"`
	Notes            string    `db:"notes" json:"notes"`
	RecordedBy       string    `db:"recorded_by" json:"recorded_by"`
	RecordedAt       time.Time `db:"recorded_at" json:"recorded_at"`
}

const (
	AppointmentScheduled = "scheduled"
	AppointmentCompleted = "completed"
	AppointmentCancelled = "cancelled"
)

// Appointment maps to the appointments table.
type Appointment struct {
	ID          int64     `db:"id" json:"id"`
	PatientID   int64     `db:"patient_id" json:"patient_id"`
	PatientName string    `db:"-" json:"patient_name,omitempty"`
	Date        string    `db:"date" json:"date"`
	Time        string    `db:"time" json:"time"`
	Reason      string    `db:"reason" json:"reason"`
	Status      string    `db:"status" json:"status"`
	Notes       string    `db:"notes" json:"notes"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// AppointmentFilter narrows appointment listings. Zero values match all.
type AppointmentFilter struct {
	PatientID int64
	Date      string
	Status    string
}

// Dashboard is the front-desk overview.
type Dashboard struct {
	TotalPatients     int            `json:"total_patients"`
	TodayAppointments int            `json:"today_appointments"`
	RecentVitals      int            `json:"recent_vitals"`
	Upcoming          []*Appointment `json:"upcoming"`
}
