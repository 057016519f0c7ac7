package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memRepo is an in-memory Repository that mirrors the database constraints
// the service relies on: the partial unique indexes, the one prescription
// per consultation rule and ON DELETE CASCADE.
type memRepo struct {
	mu    sync.Mutex
	state memState
}

type memPatient struct {
	Name          string
	PaymentMethod string
}

type memState struct {
	nextID        int64
	patients      map[int64]memPatient
	vitals        map[int64]int64 // id -> patient id
	appointments  map[int64]int64 // id -> patient id
	consultations map[int64]Consultation
	exams         map[int64]Exam
	results       map[int64]LabResult
	diagnoses     map[int64]Diagnosis
	prescriptions map[int64]Prescription
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s memState) clone() memState {
	return memState{
		nextID:        s.nextID,
		patients:      cloneMap(s.patients),
		vitals:        cloneMap(s.vitals),
		appointments:  cloneMap(s.appointments),
		consultations: cloneMap(s.consultations),
		exams:         cloneMap(s.exams),
		results:       cloneMap(s.results),
		diagnoses:     cloneMap(s.diagnoses),
		prescriptions: cloneMap(s.prescriptions),
	}
}

func newMemRepo() *memRepo {
	return &memRepo{state: memState{}.clone()}
}

// memTx snapshots the repository before fn and restores it when fn fails.
type memTx struct {
	repo *memRepo
}

func (t memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.repo.mu.Lock()
	snapshot := t.repo.state.clone()
	t.repo.mu.Unlock()

	if err := fn(ctx); err != nil {
		t.repo.mu.Lock()
		t.repo.state = snapshot
		t.repo.mu.Unlock()
		return err
	}
	return nil
}

func (m *memRepo) id() int64 {
	m.state.nextID++
	return m.state.nextID
}

// -- fixtures --

func (m *memRepo) addPatient(name string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.state.patients[id] = memPatient{Name: name}
	return id
}

func (m *memRepo) addVitals(patientID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.vitals[m.id()] = patientID
}

func (m *memRepo) addAppointment(patientID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.appointments[m.id()] = patientID
}

// rowsFor counts every row owned by patientID across all tables.
func (m *memRepo) rowsFor(patientID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	if _, ok := m.state.patients[patientID]; ok {
		n++
	}
	for _, p := range m.state.vitals {
		if p == patientID {
			n++
		}
	}
	for _, p := range m.state.appointments {
		if p == patientID {
			n++
		}
	}
	for _, c := range m.state.consultations {
		if c.PatientID == patientID {
			n++
		}
	}
	for _, e := range m.state.exams {
		if e.PatientID == patientID {
			n++
		}
	}
	for _, r := range m.state.results {
		if r.PatientID == patientID {
			n++
		}
	}
	for _, d := range m.state.diagnoses {
		if d.PatientID == patientID {
			n++
		}
	}
	for _, p := range m.state.prescriptions {
		if p.PatientID == patientID {
			n++
		}
	}
	return n
}

func (m *memRepo) waitingCount(patientID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.state.consultations {
		if c.PatientID == patientID && c.Status == ConsultationWaiting {
			n++
		}
	}
	return n
}

func (m *memRepo) consultationStatus(id int64) ConsultationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.consultations[id].Status
}

func (m *memRepo) examStatus(id int64) ExamStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.exams[id].Status
}

func (m *memRepo) resultCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.results)
}

func (m *memRepo) prescriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state.prescriptions)
}

// -- Repository --

func (m *memRepo) PatientExists(_ context.Context, patientID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.state.patients[patientID]
	return ok, nil
}

func (m *memRepo) SetPatientPaymentMethod(_ context.Context, patientID int64, method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.patients[patientID]
	if !ok {
		return fmt.Errorf("patient %d: %w", patientID, ErrNotFound)
	}
	p.PaymentMethod = method
	m.state.patients[patientID] = p
	return nil
}

func (m *memRepo) DeletePatient(_ context.Context, patientID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.patients[patientID]; !ok {
		return fmt.Errorf("patient %d: %w", patientID, ErrNotFound)
	}
	delete(m.state.patients, patientID)
	for id, p := range m.state.vitals {
		if p == patientID {
			delete(m.state.vitals, id)
		}
	}
	for id, p := range m.state.appointments {
		if p == patientID {
			delete(m.state.appointments, id)
		}
	}
	for id, c := range m.state.consultations {
		if c.PatientID == patientID {
			m.deleteConsultationLocked(id)
		}
	}
	return nil
}

func (m *memRepo) deleteConsultationLocked(id int64) {
	delete(m.state.consultations, id)
	for eid, e := range m.state.exams {
		if e.ConsultationID == id {
			delete(m.state.exams, eid)
			for rid, r := range m.state.results {
				if r.ExamID == eid {
					delete(m.state.results, rid)
				}
			}
		}
	}
	for did, d := range m.state.diagnoses {
		if d.ConsultationID == id {
			delete(m.state.diagnoses, did)
		}
	}
	for pid, p := range m.state.prescriptions {
		if p.ConsultationID == id {
			delete(m.state.prescriptions, pid)
		}
	}
}

func (m *memRepo) waitingExistsLocked(patientID, except int64) bool {
	for id, c := range m.state.consultations {
		if id != except && c.PatientID == patientID && c.Status == ConsultationWaiting {
			return true
		}
	}
	return false
}

func (m *memRepo) CreateConsultation(_ context.Context, c *Consultation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Status == ConsultationWaiting && m.waitingExistsLocked(c.PatientID, 0) {
		return fmt.Errorf("consultations_one_waiting_per_patient: %w", ErrDuplicateActiveMembership)
	}
	c.ID = m.id()
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	m.state.consultations[c.ID] = *c
	return nil
}

func (m *memRepo) GetConsultation(_ context.Context, id int64) (*Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.state.consultations[id]
	if !ok {
		return nil, fmt.Errorf("consultation %d: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (m *memRepo) viewLocked(c Consultation) *Consultation {
	c.PatientName = m.state.patients[c.PatientID].Name
	var latest *Exam
	for _, e := range m.state.exams {
		e := e
		if e.ConsultationID == c.ID && e.Status != ExamCancelled && (latest == nil || e.ID > latest.ID) {
			latest = &e
		}
	}
	if latest != nil {
		c.HasExam = true
		c.ExamStatus = latest.Status
	}
	for _, d := range m.state.diagnoses {
		if d.ConsultationID == c.ID {
			c.HasDiagnosis = true
		}
	}
	for _, p := range m.state.prescriptions {
		if p.ConsultationID == c.ID {
			c.HasPrescription = true
		}
	}
	return &c
}

func (m *memRepo) ConsultationView(_ context.Context, id int64) (*Consultation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.state.consultations[id]
	if !ok {
		return nil, fmt.Errorf("consultation %d: %w", id, ErrNotFound)
	}
	return m.viewLocked(c), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (m *memRepo) ListConsultations(_ context.Context, status ConsultationStatus, limit, offset int) ([]*Consultation, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Consultation
	for _, c := range m.state.consultations {
		if c.Status == status {
			out = append(out, m.viewLocked(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), len(out), nil
}

func (m *memRepo) UpdateConsultationStatus(_ context.Context, id int64, from, to ConsultationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.state.consultations[id]
	if !ok || c.Status != from {
		return fmt.Errorf("consultation %d is no longer %s: %w", id, from, ErrInvalidState)
	}
	if to == ConsultationWaiting && m.waitingExistsLocked(c.PatientID, id) {
		return fmt.Errorf("consultations_one_waiting_per_patient: %w", ErrDuplicateActiveMembership)
	}
	c.Status = to
	m.state.consultations[id] = c
	return nil
}

func (m *memRepo) DeleteConsultation(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.consultations[id]; !ok {
		return fmt.Errorf("consultation %d: %w", id, ErrNotFound)
	}
	m.deleteConsultationLocked(id)
	return nil
}

func (m *memRepo) CreateExam(_ context.Context, e *Exam) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.state.exams {
		if other.ConsultationID == e.ConsultationID && other.Status.Open() {
			return fmt.Errorf("exams_one_open_per_consultation: %w", ErrDuplicatePendingExam)
		}
	}
	e.ID = m.id()
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	e.PatientName = m.state.patients[e.PatientID].Name
	m.state.exams[e.ID] = *e
	return nil
}

func (m *memRepo) GetExam(_ context.Context, id int64) (*Exam, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.exams[id]
	if !ok {
		return nil, fmt.Errorf("exam %d: %w", id, ErrNotFound)
	}
	return &e, nil
}

func (m *memRepo) ListOpenExams(_ context.Context, limit, offset int) ([]*Exam, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Exam
	for _, e := range m.state.exams {
		if e.Status.Open() {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), len(out), nil
}

func (m *memRepo) UpdateExamStatus(_ context.Context, id int64, from, to ExamStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.state.exams[id]
	if !ok || e.Status != from {
		return fmt.Errorf("exam %d is no longer %s: %w", id, from, ErrInvalidState)
	}
	e.Status = to
	m.state.exams[id] = e
	return nil
}

func (m *memRepo) UpsertResult(_ context.Context, r *LabResult) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.state.results {
		if existing.ExamID == r.ExamID && existing.TestKey == r.TestKey {
			r.ID = id
			r.CreatedAt = existing.CreatedAt
			m.state.results[id] = *r
			return existing.ArtifactName, nil
		}
	}
	r.ID = m.id()
	r.CreatedAt = time.Now()
	m.state.results[r.ID] = *r
	return "", nil
}

func (m *memRepo) CountResults(_ context.Context, examID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.state.results {
		if r.ExamID == examID {
			n++
		}
	}
	return n, nil
}

func (m *memRepo) ListResults(_ context.Context, examID int64) ([]*LabResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LabResult
	for _, r := range m.state.results {
		if r.ExamID == examID {
			r := r
			out = append(out, &r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestKey < out[j].TestKey })
	return out, nil
}

func (m *memRepo) CreateDiagnosis(_ context.Context, d *Diagnosis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = m.id()
	d.CreatedAt = time.Now()
	m.state.diagnoses[d.ID] = *d
	return nil
}

func (m *memRepo) ListDiagnoses(_ context.Context, consultationID int64) ([]*Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Diagnosis
	for _, d := range m.state.diagnoses {
		if d.ConsultationID == consultationID {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) CreatePrescription(_ context.Context, p *Prescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.state.prescriptions {
		if other.ConsultationID == p.ConsultationID {
			return fmt.Errorf("prescriptions_consultation_unique: %w", ErrInvalidState)
		}
	}
	p.ID = m.id()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	p.PatientName = m.state.patients[p.PatientID].Name
	m.state.prescriptions[p.ID] = *p
	return nil
}

func (m *memRepo) GetPrescription(_ context.Context, id int64) (*Prescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.prescriptions[id]
	if !ok {
		return nil, fmt.Errorf("prescription %d: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (m *memRepo) ListPrescriptions(_ context.Context, q Queue, limit, offset int) ([]*Prescription, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Prescription
	for _, p := range m.state.prescriptions {
		var match bool
		switch q {
		case QueueBilling:
			match = p.PaymentStatus == PaymentPending || p.PharmacyStatus == PharmacyNotSent
		case QueuePharmacy:
			match = p.PharmacyStatus == PharmacySent
		}
		if match {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, limit, offset), len(out), nil
}

func (m *memRepo) MarkPaid(_ context.Context, id int64, method string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.prescriptions[id]
	if !ok || p.PaymentStatus != PaymentPending {
		return fmt.Errorf("prescription %d is no longer pending: %w", id, ErrInvalidState)
	}
	p.PaymentStatus = PaymentPaid
	p.PaymentMethod = method
	p.PaidAt = &at
	m.state.prescriptions[id] = p
	return nil
}

func (m *memRepo) UpdatePharmacyStatus(_ context.Context, id int64, from, to PharmacyStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.state.prescriptions[id]
	if !ok || p.PharmacyStatus != from {
		return fmt.Errorf("prescription %d is no longer %s: %w", id, from, ErrInvalidState)
	}
	if to == PharmacySent && p.PaymentStatus != PaymentPaid {
		return fmt.Errorf("prescriptions_sent_requires_paid: %w", ErrInvalidState)
	}
	p.PharmacyStatus = to
	p.SentAt = nil
	if to == PharmacySent {
		p.SentAt = &at
	}
	m.state.prescriptions[id] = p
	return nil
}
