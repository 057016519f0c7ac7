package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

const pgUniqueViolation = "23505"

// constraintErrors maps unique indexes onto the pipeline error they enforce.
var constraintErrors = map[string]error{
	"consultations_one_waiting_per_patient": ErrDuplicateActiveMembership,
	"exams_one_open_per_consultation":       ErrDuplicatePendingExam,
	"prescriptions_consultation_unique":     ErrInvalidState,
}

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

// mapPgError translates unique violations on known constraints.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if sentinel, ok := constraintErrors[pgErr.ConstraintName]; ok {
			return fmt.Errorf("%s: %w", pgErr.ConstraintName, sentinel)
		}
	}
	return err
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

// casUpdate runs a compare-and-set status update.
func casUpdate(tag pgconn.CommandTag, err error, what string, id int64, from string) error {
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %d is no longer %s: %w", what, id, from, ErrInvalidState)
	}
	return nil
}

// -- Patients --

func (r *repoPG) PatientExists(ctx context.Context, patientID int64) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, patientID).Scan(&exists)
	return exists, err
}

func (r *repoPG) SetPatientPaymentMethod(ctx context.Context, patientID int64, method string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE patients SET payment_method = $2, updated_at = NOW() WHERE id = $1`, patientID, method)
	return affected(tag, err, "patient", patientID)
}

// DeletePatient removes the patient; every pipeline, vitals and appointment
// row goes with it through ON DELETE CASCADE.
func (r *repoPG) DeletePatient(ctx context.Context, patientID int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM patients WHERE id = $1`, patientID)
	return affected(tag, err, "patient", patientID)
}

// -- Consultations --

func (r *repoPG) CreateConsultation(ctx context.Context, c *Consultation) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consultations (patient_id, status, added_by)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at`,
		c.PatientID, string(c.Status), c.AddedBy,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return mapPgError(err)
}

func (r *repoPG) GetConsultation(ctx context.Context, id int64) (*Consultation, error) {
	var c Consultation
	var status string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, status, added_by, created_at, updated_at
		FROM consultations WHERE id = $1 FOR UPDATE`, id,
	).Scan(&c.ID, &c.PatientID, &status, &c.AddedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "consultation", id)
	}
	c.Status = ConsultationStatus(status)
	return &c, nil
}

// consultationView selects a consultation with its patient name and the
// latest non-cancelled exam, diagnosis and prescription presence.
const consultationView = `
	SELECT c.id, c.patient_id, p.name, c.status, c.added_by, c.created_at, c.updated_at,
		e.status,
		EXISTS (SELECT 1 FROM diagnoses d WHERE d.consultation_id = c.id),
		EXISTS (SELECT 1 FROM prescriptions pr WHERE pr.consultation_id = c.id)
	FROM consultations c
	JOIN patients p ON p.id = c.patient_id
	LEFT JOIN LATERAL (
		SELECT status FROM exams
		WHERE consultation_id = c.id AND status <> 'cancelled'
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	) e ON TRUE`

func scanConsultationView(row pgx.Row) (*Consultation, error) {
	var c Consultation
	var status string
	var examStatus *string
	err := row.Scan(&c.ID, &c.PatientID, &c.PatientName, &status, &c.AddedBy,
		&c.CreatedAt, &c.UpdatedAt, &examStatus, &c.HasDiagnosis, &c.HasPrescription)
	if err != nil {
		return nil, err
	}
	c.Status = ConsultationStatus(status)
	if examStatus != nil {
		c.HasExam = true
		c.ExamStatus = ExamStatus(*examStatus)
	}
	return &c, nil
}

func (r *repoPG) ConsultationView(ctx context.Context, id int64) (*Consultation, error) {
	c, err := scanConsultationView(r.conn(ctx).QueryRow(ctx, consultationView+` WHERE c.id = $1`, id))
	if err != nil {
		return nil, notFound(err, "consultation", id)
	}
	return c, nil
}

func (r *repoPG) ListConsultations(ctx context.Context, status ConsultationStatus, limit, offset int) ([]*Consultation, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM consultations WHERE status = $1`, string(status)).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx,
		consultationView+` WHERE c.status = $1 ORDER BY c.created_at, c.id LIMIT $2 OFFSET $3`,
		string(status), limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Consultation
	for rows.Next() {
		c, err := scanConsultationView(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *repoPG) UpdateConsultationStatus(ctx context.Context, id int64, from, to ConsultationStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consultations SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	return casUpdate(tag, err, "consultation", id, string(from))
}

func (r *repoPG) DeleteConsultation(ctx context.Context, id int64) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM consultations WHERE id = $1`, id)
	return affected(tag, err, "consultation", id)
}

// -- Exams --

const examCols = `e.id, e.consultation_id, e.patient_id, p.name, e.complaint, e.history,
	e.requested_tests, e.clinical_details, e.status, e.requested_by, e.created_at, e.updated_at`

func scanExam(row pgx.Row) (*Exam, error) {
	var e Exam
	var status string
	err := row.Scan(&e.ID, &e.ConsultationID, &e.PatientID, &e.PatientName, &e.Complaint, &e.History,
		&e.RequestedTests, &e.ClinicalDetails, &status, &e.RequestedBy, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = ExamStatus(status)
	return &e, nil
}

func (r *repoPG) CreateExam(ctx context.Context, e *Exam) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO exams (consultation_id, patient_id, complaint, history,
			requested_tests, clinical_details, status, requested_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		e.ConsultationID, e.PatientID, e.Complaint, e.History,
		e.RequestedTests, e.ClinicalDetails, string(e.Status), e.RequestedBy,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	return mapPgError(err)
}

func (r *repoPG) GetExam(ctx context.Context, id int64) (*Exam, error) {
	e, err := scanExam(r.conn(ctx).QueryRow(ctx, `
		SELECT `+examCols+`
		FROM exams e JOIN patients p ON p.id = e.patient_id
		WHERE e.id = $1 FOR UPDATE OF e`, id))
	if err != nil {
		return nil, notFound(err, "exam", id)
	}
	return e, nil
}

func (r *repoPG) ListOpenExams(ctx context.Context, limit, offset int) ([]*Exam, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM exams WHERE status IN ('pending', 'in_progress')`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+examCols+`
		FROM exams e JOIN patients p ON p.id = e.patient_id
		WHERE e.status IN ('pending', 'in_progress')
		ORDER BY e.created_at, e.id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *repoPG) UpdateExamStatus(ctx context.Context, id int64, from, to ExamStatus) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE exams SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, string(from), string(to))
	return casUpdate(tag, err, "exam", id, string(from))
}

// -- Laboratory --

func (r *repoPG) UpsertResult(ctx context.Context, res *LabResult) (string, error) {
	var previous string
	err := r.conn(ctx).QueryRow(ctx, `
		WITH prev AS (
			SELECT artifact_name FROM laboratory
			WHERE exam_id = $1 AND test_key = $3
			FOR UPDATE
		)
		INSERT INTO laboratory (exam_id, patient_id, test_key, status, comments,
			artifact_name, artifact_content_type, artifact_size, artifact_hash, performed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT ON CONSTRAINT laboratory_exam_test_unique DO UPDATE SET
			status = EXCLUDED.status,
			comments = EXCLUDED.comments,
			artifact_name = EXCLUDED.artifact_name,
			artifact_content_type = EXCLUDED.artifact_content_type,
			artifact_size = EXCLUDED.artifact_size,
			artifact_hash = EXCLUDED.artifact_hash,
			performed_by = EXCLUDED.performed_by
		RETURNING id, created_at, COALESCE((SELECT artifact_name FROM prev), '')`,
		res.ExamID, res.PatientID, res.TestKey, string(res.Status), res.Comments,
		res.ArtifactName, res.ArtifactContentType, res.ArtifactSize, res.ArtifactHash, res.PerformedBy,
	).Scan(&res.ID, &res.CreatedAt, &previous)
	return previous, err
}

func (r *repoPG) CountResults(ctx context.Context, examID int64) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM laboratory WHERE exam_id = $1`, examID).Scan(&n)
	return n, err
}

func (r *repoPG) ListResults(ctx context.Context, examID int64) ([]*LabResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, exam_id, patient_id, test_key, status, comments, artifact_name,
			artifact_content_type, artifact_size, artifact_hash, performed_by, created_at
		FROM laboratory WHERE exam_id = $1 ORDER BY test_key`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*LabResult
	for rows.Next() {
		var res LabResult
		var status string
		if err := rows.Scan(&res.ID, &res.ExamID, &res.PatientID, &res.TestKey, &status, &res.Comments,
			&res.ArtifactName, &res.ArtifactContentType, &res.ArtifactSize, &res.ArtifactHash,
			&res.PerformedBy, &res.CreatedAt); err != nil {
			return nil, err
		}
		res.Status = LabStatus(status)
		items = append(items, &res)
	}
	return items, rows.Err()
}

// -- Diagnoses --

func (r *repoPG) CreateDiagnosis(ctx context.Context, d *Diagnosis) error {
	feedbacks := d.TestFeedbacks
	if feedbacks == nil {
		feedbacks = []TestFeedback{}
	}
	data, err := json.Marshal(feedbacks)
	if err != nil {
		return fmt.Errorf("marshal test feedbacks: %w", err)
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO diagnoses (consultation_id, patient_id, confirmed_diagnosis,
			test_feedbacks, lab_tech_comment, notes, diagnosed_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		d.ConsultationID, d.PatientID, d.ConfirmedDiagnosis,
		data, d.LabTechComment, d.Notes, d.DiagnosedBy,
	).Scan(&d.ID, &d.CreatedAt)
}

func (r *repoPG) ListDiagnoses(ctx context.Context, consultationID int64) ([]*Diagnosis, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, consultation_id, patient_id, confirmed_diagnosis, test_feedbacks,
			lab_tech_comment, notes, diagnosed_by, created_at
		FROM diagnoses WHERE consultation_id = $1 ORDER BY created_at, id`, consultationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Diagnosis
	for rows.Next() {
		var d Diagnosis
		var data []byte
		if err := rows.Scan(&d.ID, &d.ConsultationID, &d.PatientID, &d.ConfirmedDiagnosis, &data,
			&d.LabTechComment, &d.Notes, &d.DiagnosedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &d.TestFeedbacks); err != nil {
			return nil, fmt.Errorf("unmarshal test feedbacks of diagnosis %d: %w", d.ID, err)
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

// -- Prescriptions --

const prescriptionCols = `pr.id, pr.consultation_id, pr.patient_id, p.name, pr.medicines,
	pr.payment_status, pr.pharmacy_status, pr.payment_method, pr.prescribed_by,
	pr.paid_at, pr.sent_at, pr.created_at, pr.updated_at`

func scanPrescription(row pgx.Row) (*Prescription, error) {
	var pr Prescription
	var data []byte
	var payment, pharmacy string
	err := row.Scan(&pr.ID, &pr.ConsultationID, &pr.PatientID, &pr.PatientName, &data,
		&payment, &pharmacy, &pr.PaymentMethod, &pr.PrescribedBy,
		&pr.PaidAt, &pr.SentAt, &pr.CreatedAt, &pr.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &pr.Medicines); err != nil {
		return nil, fmt.Errorf("unmarshal medicines of prescription %d: %w", pr.ID, err)
	}
	pr.PaymentStatus = PaymentStatus(payment)
	pr.PharmacyStatus = PharmacyStatus(pharmacy)
	return &pr, nil
}

func (r *repoPG) CreatePrescription(ctx context.Context, pr *Prescription) error {
	data, err := json.Marshal(pr.Medicines)
	if err != nil {
		return fmt.Errorf("marshal medicines: %w", err)
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescriptions (consultation_id, patient_id, medicines,
			payment_status, pharmacy_status, prescribed_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		pr.ConsultationID, pr.PatientID, data,
		string(pr.PaymentStatus), string(pr.PharmacyStatus), pr.PrescribedBy,
	).Scan(&pr.ID, &pr.CreatedAt, &pr.UpdatedAt)
	return mapPgError(err)
}

func (r *repoPG) GetPrescription(ctx context.Context, id int64) (*Prescription, error) {
	pr, err := scanPrescription(r.conn(ctx).QueryRow(ctx, `
		SELECT `+prescriptionCols+`
		FROM prescriptions pr JOIN patients p ON p.id = pr.patient_id
		WHERE pr.id = $1 FOR UPDATE OF pr`, id))
	if err != nil {
		return nil, notFound(err, "prescription", id)
	}
	return pr, nil
}

var queueFilters = map[Queue]string{
	QueueBilling:  `pr.payment_status = 'pending' OR (pr.payment_status = 'paid' AND pr.pharmacy_status = 'not_sent')`,
	QueuePharmacy: `pr.pharmacy_status = 'sent'`,
}

func (r *repoPG) ListPrescriptions(ctx context.Context, q Queue, limit, offset int) ([]*Prescription, int, error) {
	where, ok := queueFilters[q]
	if !ok {
		return nil, 0, fmt.Errorf("unknown prescription queue %d", q)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM prescriptions pr WHERE `+where).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+prescriptionCols+`
		FROM prescriptions pr JOIN patients p ON p.id = pr.patient_id
		WHERE `+where+`
		ORDER BY pr.updated_at, pr.id
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Prescription
	for rows.Next() {
		pr, err := scanPrescription(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, pr)
	}
	return items, total, rows.Err()
}

func (r *repoPG) MarkPaid(ctx context.Context, id int64, method string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions
		SET payment_status = 'paid', payment_method = $2, paid_at = $3, updated_at = NOW()
		WHERE id = $1 AND payment_status = 'pending'`, id, method, at)
	return casUpdate(tag, err, "prescription", id, string(PaymentPending))
}

func (r *repoPG) UpdatePharmacyStatus(ctx context.Context, id int64, from, to PharmacyStatus, at time.Time) error {
	var sentAt *time.Time
	if to == PharmacySent {
		sentAt = &at
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE prescriptions SET pharmacy_status = $3, sent_at = $4, updated_at = NOW()
		WHERE id = $1 AND pharmacy_status = $2`, id, string(from), string(to), sentAt)
	return casUpdate(tag, err, "prescription", id, string(from))
}
