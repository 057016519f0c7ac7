package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return err
}

func affected(tag pgconn.CommandTag, err error, what string, id int64) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

const patientCols = `id, name, to_char(date_of_birth, 'YYYY-MM-DD'), gender, blood_type,
	allergies, contact, address, department, payment_method, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.DateOfBirth, &p.Gender, &p.BloodType,
		&p.Allergies, &p.Contact, &p.Address, &p.Department, &p.PaymentMethod,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func collectPatients(rows pgx.Rows, total int) ([]*Patient, int, error) {
	var items []*Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patients (name, date_of_birth, gender, blood_type, allergies,
			contact, address, department, payment_method)
		VALUES ($1, $2::date, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`,
		p.Name, p.DateOfBirth, p.Gender, p.BloodType, p.Allergies,
		p.Contact, p.Address, p.Department, p.PaymentMethod,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id int64) (*Patient, error) {
	p, err := scanPatient(r.conn(ctx).QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "patient", id)
	}
	return p, nil
}

func (r *repoPG) Update(ctx context.Context, p *Patient) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE patients SET
			name=$2, date_of_birth=$3::date, gender=$4, blood_type=$5, allergies=$6,
			contact=$7, address=$8, department=$9, payment_method=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.DateOfBirth, p.Gender, p.BloodType, p.Allergies,
		p.Contact, p.Address, p.Department, p.PaymentMethod,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	return notFound(err, "patient", p.ID)
}

func (r *repoPG) Delete(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	return affected(tag, err, "patient", id)
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patients ORDER BY name, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectPatients(rows, total)
}

// Search matches the query against name, contact and department, case
// insensitively.
func (r *repoPG) Search(ctx context.Context, query string, limit, offset int) ([]*Patient, int, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	const where = ` WHERE lower(name) LIKE $1 OR lower(contact) LIKE $1 OR lower(department) LIKE $1`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`+where, pattern).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+patientCols+` FROM patients`+where+` ORDER BY name, id LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	return collectPatients(rows, total)
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// -- Vitals --

func (r *repoPG) AddVitals(ctx context.Context, v *Vitals) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO vitals (patient_id, blood_pressure, heart_rate, temperature,
			respiratory_rate, oxygen_saturation, notes, recorded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, recorded_at`,
		v.PatientID, v.BloodPressure, v.HeartRate, v.Temperature,
		v.RespiratoryRate, v.OxygenSaturation, v.Notes, v.RecordedBy,
	).Scan(&v.ID, &v.RecordedAt)
}

// ListVitals returns readings newest first. patientID 0 lists all patients.
func (r *repoPG) ListVitals(ctx context.Context, patientID int64, limit, offset int) ([]*Vitals, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM vitals WHERE $1 = 0 OR patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT v.id, v.patient_id, p.name, v.blood_pressure, v.heart_rate, v.temperature,
			v.respiratory_rate, v.oxygen_saturation, v.notes, v.recorded_by, v.recorded_at
		FROM vitals v
		JOIN patients p ON p.id = v.patient_id
		WHERE $1 = 0 OR v.patient_id = $1
		ORDER BY v.recorded_at DESC, v.id DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Vitals
	for rows.Next() {
		var v Vitals
		if err := rows.Scan(&v.ID, &v.PatientID, &v.PatientName, &v.BloodPressure, &v.HeartRate,
			&v.Temperature, &v.RespiratoryRate, &v.OxygenSaturation, &v.Notes, &v.RecordedBy,
			&v.RecordedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &v)
	}
	return items, total, rows.Err()
}

// -- Appointments --

const apptSelect = `
	SELECT a.id, a.patient_id, p.name, to_char(a.date, 'YYYY-MM-DD'), a.time, a.reason,
		a.status, a.notes, a.created_at
	FROM appointments a
	JOIN patients p ON p.id = a.patient_id`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	if err := row.Scan(&a.ID, &a.PatientID, &a.PatientName, &a.Date, &a.Time, &a.Reason,
		&a.Status, &a.Notes, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	var items []*Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *repoPG) CreateAppointment(ctx context.Context, a *Appointment) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (patient_id, date, time, reason, status, notes)
		VALUES ($1, $2::date, $3, $4, $5, $6)
		RETURNING id, created_at`,
		a.PatientID, a.Date, a.Time, a.Reason, a.Status, a.Notes,
	).Scan(&a.ID, &a.CreatedAt)
}

func (r *repoPG) GetAppointment(ctx context.Context, id int64) (*Appointment, error) {
	a, err := scanAppointment(r.conn(ctx).QueryRow(ctx, apptSelect+` WHERE a.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "appointment", id)
	}
	return a, nil
}

func (r *repoPG) ListAppointments(ctx context.Context, f AppointmentFilter, limit, offset int) ([]*Appointment, int, error) {
	const where = `
		WHERE ($1 = 0 OR a.patient_id = $1)
		  AND ($2 = '' OR a.date = NULLIF($2, '')::date)
		  AND ($3 = '' OR a.status = $3)`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments a`+where,
		f.PatientID, f.Date, f.Status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, apptSelect+where+`
		ORDER BY a.date DESC, a.time DESC, a.id DESC LIMIT $4 OFFSET $5`,
		f.PatientID, f.Date, f.Status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collectAppointments(rows)
	return items, total, err
}

func (r *repoPG) UpdateAppointmentStatus(ctx context.Context, id int64, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE appointments SET status = $2 WHERE id = $1`, id, status)
	return affected(tag, err, "appointment", id)
}

func (r *repoPG) DeleteAppointment(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	return affected(tag, err, "appointment", id)
}

// -- Dashboard --

func (r *repoPG) CountPatients(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&n)
	return n, err
}

func (r *repoPG) CountAppointmentsOn(ctx context.Context, date string) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM appointments WHERE date = $1::date`, date).Scan(&n)
	return n, err
}

func (r *repoPG) CountVitalsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM vitals WHERE recorded_at > $1`, since).Scan(&n)
	return n, err
}

func (r *repoPG) UpcomingAppointments(ctx context.Context, from string, n int) ([]*Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, apptSelect+`
		WHERE a.date >= $1::date AND a.status = 'scheduled'
		ORDER BY a.date, a.time, a.id
		LIMIT $2`, from, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectAppointments(rows)
}
