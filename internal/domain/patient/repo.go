package patient

import (
	"context"
	"time"
)

type Repository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id int64) (*Patient, error)
	Update(ctx context.Context, p *Patient) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	Search(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error)

	// Vitals
	AddVitals(ctx context.Context, v *Vitals) error
	ListVitals(ctx context.Context, patientID int64, limit, offset int) ([]*Vitals, int, error)

	// Appointments
	CreateAppointment(ctx context.Context, a *Appointment) error
	GetAppointment(ctx context.Context, id int64) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error)
	UpdateAppointmentStatus(ctx context.Context, id int64, status string) error
	DeleteAppointment(ctx context.Context, id int64) error

	// Dashboard
	CountPatients(ctx context.Context) (int, error)
	CountAppointmentsOn(ctx context.Context, date string) (int, error)
	CountVitalsSince(ctx context.Context, since time.Time) (int, error)
	UpcomingAppointments(ctx context.Context, from string, n int) ([]*Appointment, error)
}
