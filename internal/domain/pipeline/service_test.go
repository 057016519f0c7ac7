package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/clinic/clinic/internal/platform/artifact"
	"github.com/clinic/clinic/internal/platform/metrics"
)

var fixedNow = time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)

type testEnv struct {
	svc     *Service
	repo    *memRepo
	fs      afero.Fs
	metrics *metrics.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newMemRepo()
	fs := afero.NewMemMapFs()
	reg := metrics.New()
	svc := NewService(repo, memTx{repo: repo}, artifact.NewFSStore(fs, 1024), WithMetrics(reg))
	svc.now = func() time.Time { return fixedNow }
	return &testEnv{svc: svc, repo: repo, fs: fs, metrics: reg}
}

func (env *testEnv) storedArtifacts(t *testing.T) []string {
	t.Helper()
	infos, err := afero.ReadDir(env.fs, "/")
	if err != nil {
		t.Fatalf("read artifact dir: %v", err)
	}
	var names []string
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	return names
}

func (env *testEnv) enqueue(t *testing.T, patientID int64) *Consultation {
	t.Helper()
	c, err := env.svc.Enqueue(context.Background(), patientID, "Dr. Okafor")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return c
}

func (env *testEnv) requestExam(t *testing.T, c *Consultation, tests ...string) *Exam {
	t.Helper()
	e, err := env.svc.RequestExam(context.Background(), ExamRequest{
		ConsultationID: c.ID,
		PatientID:      c.PatientID,
		Complaint:      "fever for three days",
		History:        "no prior admissions",
		Tests:          tests,
	})
	if err != nil {
		t.Fatalf("RequestExam: %v", err)
	}
	return e
}

func upload(name, body string) *Upload {
	return &Upload{Filename: name, Content: strings.NewReader(body)}
}

func zerologTo(w io.Writer) zerolog.Logger {
	return zerolog.New(w).Level(zerolog.DebugLevel)
}

func amoxicillin() []Medicine {
	return []Medicine{{Type: "Amoxicillin", Amount: "500mg", TimesPerDay: 2, DurationDays: 7}}
}

// -- Consultation queue --

func TestEnqueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pid := env.repo.addPatient("Ngozi Eze")

	c := env.enqueue(t, pid)
	if c.Status != ConsultationWaiting || c.ID == 0 {
		t.Fatalf("unexpected consultation: %+v", c)
	}

	if _, err := env.svc.Enqueue(ctx, pid, "nurse"); !errors.Is(err, ErrDuplicateActiveMembership) {
		t.Errorf("expected ErrDuplicateActiveMembership, got %v", err)
	}
	if n := env.repo.waitingCount(pid); n != 1 {
		t.Errorf("expected exactly one waiting consultation, got %d", n)
	}

	if _, err := env.svc.Enqueue(ctx, 999, "nurse"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown patient, got %v", err)
	}
}

func TestEnqueue_AfterComplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pid := env.repo.addPatient("Repeat Visitor")

	c := env.enqueue(t, pid)
	done, err := env.svc.Complete(ctx, c.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != ConsultationCompleted {
		t.Errorf("expected completed, got %s", done.Status)
	}
	if _, err := env.svc.Complete(ctx, c.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState completing twice, got %v", err)
	}

	env.enqueue(t, pid)
	if n := env.repo.waitingCount(pid); n != 1 {
		t.Errorf("expected one waiting consultation, got %d", n)
	}
}

func TestDequeue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pid := env.repo.addPatient("Leaving")
	c := env.enqueue(t, pid)
	env.requestExam(t, c, "cbc")

	if err := env.svc.Dequeue(ctx, c.ID); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := env.svc.GetConsultation(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after dequeue, got %v", err)
	}
	if n := env.repo.rowsFor(pid); n != 1 {
		t.Errorf("expected only the patient row to remain, got %d rows", n)
	}
	if err := env.svc.Dequeue(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second dequeue, got %v", err)
	}
}

func TestListWaiting_DerivedFlags(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := env.enqueue(t, env.repo.addPatient("Alpha"))
	b := env.enqueue(t, env.repo.addPatient("Bravo"))

	e := env.requestExam(t, a, "malaria")
	if _, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "malaria", Comments: "negative"}); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if _, err := env.svc.FinalizeSubmission(ctx, e.ID); err != nil {
		t.Fatalf("FinalizeSubmission: %v", err)
	}
	if _, err := env.svc.RecordDiagnosis(ctx, DiagnosisInput{ConsultationID: a.ID, PatientID: a.PatientID, ConfirmedDiagnosis: "viral fever"}); err != nil {
		t.Fatalf("RecordDiagnosis: %v", err)
	}

	items, total, err := env.svc.ListWaiting(ctx, 20, 0)
	if err != nil {
		t.Fatalf("ListWaiting: %v", err)
	}
	if total != 2 {
		t.Fatalf("expected 2 waiting, got %d", total)
	}
	byID := map[int64]*Consultation{}
	for _, c := range items {
		byID[c.ID] = c
	}
	if got := byID[a.ID]; !got.HasExam || got.ExamStatus != ExamCompleted || !got.HasDiagnosis || got.HasPrescription {
		t.Errorf("unexpected flags for consultation with exam and diagnosis: %+v", got)
	}
	if got := byID[b.ID]; got.HasExam || got.HasDiagnosis || got.PatientName != "Bravo" {
		t.Errorf("unexpected view for fresh consultation: %+v", got)
	}
}

// -- Exams --

func TestRequestExam(t *testing.T) {
	env := newTestEnv(t)
	c := env.enqueue(t, env.repo.addPatient("Exam"))

	e := env.requestExam(t, c, "CBC", "cbc", "malaria")
	if e.Status != ExamPending {
		t.Errorf("expected pending exam, got %s", e.Status)
	}
	if len(e.RequestedTests) != 2 || e.RequestedTests[0] != "cbc" {
		t.Errorf("expected normalized, de-duplicated tests, got %v", e.RequestedTests)
	}
	if got := env.repo.consultationStatus(c.ID); got != ConsultationSentToLab {
		t.Errorf("expected consultation sent_to_lab, got %s", got)
	}
}

func TestRequestExam_Validation(t *testing.T) {
	env := newTestEnv(t)
	pid := env.repo.addPatient("Validation")
	other := env.repo.addPatient("Other")
	c := env.enqueue(t, pid)

	valid := ExamRequest{ConsultationID: c.ID, PatientID: pid, Complaint: "cough", History: "smoker", Tests: []string{"xray"}}
	tests := []struct {
		name   string
		mutate func(*ExamRequest)
	}{
		{"blank complaint", func(r *ExamRequest) { r.Complaint = "  " }},
		{"blank history", func(r *ExamRequest) { r.History = "" }},
		{"no tests", func(r *ExamRequest) { r.Tests = nil }},
		{"unknown test", func(r *ExamRequest) { r.Tests = []string{"xray", "palm_reading"} }},
		{"wrong patient", func(r *ExamRequest) { r.PatientID = other }},
		{"unknown consultation", func(r *ExamRequest) { r.ConsultationID = 4242 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			if _, err := env.svc.RequestExam(context.Background(), req); !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
			if got := env.repo.consultationStatus(c.ID); got != ConsultationWaiting {
				t.Errorf("expected consultation to stay waiting, got %s", got)
			}
		})
	}
}

func TestRequestExam_DuplicateOpenExam(t *testing.T) {
	env := newTestEnv(t)
	c := env.enqueue(t, env.repo.addPatient("Twice"))
	env.requestExam(t, c, "cbc")

	_, err := env.svc.RequestExam(context.Background(), ExamRequest{
		ConsultationID: c.ID, PatientID: c.PatientID, Complaint: "x", History: "y", Tests: []string{"esr"},
	})
	if !errors.Is(err, ErrDuplicatePendingExam) {
		t.Errorf("expected ErrDuplicatePendingExam, got %v", err)
	}
	if _, total, _ := env.svc.ListLabQueue(context.Background(), 20, 0); total != 1 {
		t.Errorf("expected one open exam, got %d", total)
	}
}

func TestRequestExam_CompletedConsultation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Closed"))
	if _, err := env.svc.Complete(ctx, c.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	_, err := env.svc.RequestExam(ctx, ExamRequest{
		ConsultationID: c.ID, PatientID: c.PatientID, Complaint: "x", History: "y", Tests: []string{"cbc"},
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, total, _ := env.svc.ListLabQueue(ctx, 20, 0); total != 0 {
		t.Errorf("expected the exam insert to be rolled back, got %d open exams", total)
	}
}

func TestRequestThenCancelExam(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pid := env.repo.addPatient("Cancel")
	c := env.enqueue(t, pid)
	e := env.requestExam(t, c, "urinalysis")

	cancelled, err := env.svc.CancelExam(ctx, e.ID)
	if err != nil {
		t.Fatalf("CancelExam: %v", err)
	}
	if cancelled.Status != ExamCancelled || env.repo.examStatus(e.ID) != ExamCancelled {
		t.Errorf("expected exam cancelled, got %s", env.repo.examStatus(e.ID))
	}
	if got := env.repo.consultationStatus(c.ID); got != ConsultationWaiting {
		t.Errorf("expected consultation back to waiting, got %s", got)
	}
	// patient, consultation and the cancelled exam
	if n := env.repo.rowsFor(pid); n != 3 {
		t.Errorf("expected 3 rows for patient, got %d", n)
	}

	if _, err := env.svc.CancelExam(ctx, e.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState cancelling twice, got %v", err)
	}
	if _, err := env.svc.CancelExam(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	view, err := env.svc.GetConsultation(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConsultation: %v", err)
	}
	if view.HasExam {
		t.Error("a cancelled exam must not count as the consultation's exam")
	}
	env.requestExam(t, c, "urinalysis")
}

func TestCancelExam_InProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Busy lab"))
	e := env.requestExam(t, c, "stool")
	if _, err := env.svc.BeginProcessing(ctx, e.ID); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if _, err := env.svc.CancelExam(ctx, e.ID); err != nil {
		t.Fatalf("CancelExam: %v", err)
	}
	if got := env.repo.consultationStatus(c.ID); got != ConsultationWaiting {
		t.Errorf("expected waiting, got %s", got)
	}
}

// -- Laboratory --

func TestBeginProcessing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Begin"))
	e := env.requestExam(t, c, "esr")

	for i := 0; i < 2; i++ {
		got, err := env.svc.BeginProcessing(ctx, e.ID)
		if err != nil {
			t.Fatalf("BeginProcessing #%d: %v", i+1, err)
		}
		if got.Status != ExamInProgress {
			t.Errorf("expected in_progress, got %s", got.Status)
		}
	}

	if _, err := env.svc.CancelExam(ctx, e.ID); err != nil {
		t.Fatalf("CancelExam: %v", err)
	}
	if _, err := env.svc.BeginProcessing(ctx, e.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for cancelled exam, got %v", err)
	}
}

func TestSubmitResult_Artifact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pid := env.repo.addPatient("Artifact")
	c := env.enqueue(t, pid)
	e := env.requestExam(t, c, "xray")

	res, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "XRAY", Artifact: upload("Chest.PNG", "image-bytes"), PerformedBy: "tech"})
	if err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	want := res.ArtifactName
	if prefix := fmt.Sprintf("%d_xray_20240610093000_%d_", pid, e.ID); !strings.HasPrefix(want, prefix) || !strings.HasSuffix(want, ".png") {
		t.Errorf("expected artifact named %s*.png, got %s", prefix, want)
	}
	if res.Status != LabCompleted || res.ArtifactSize != int64(len("image-bytes")) || res.ArtifactContentType != "image/png" {
		t.Errorf("unexpected result: %+v", res)
	}

	rc, meta, err := env.svc.OpenArtifact(ctx, want)
	if err != nil {
		t.Fatalf("OpenArtifact: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "image-bytes" || meta.Name != want {
		t.Errorf("unexpected artifact content %q", body)
	}
}

func TestSubmitResult_Rejections(t *testing.T) {
	env := newTestEnv(t)
	c := env.enqueue(t, env.repo.addPatient("Rejected"))
	e := env.requestExam(t, c, "cbc")

	tests := []struct {
		name string
		in   ResultInput
		want error
	}{
		{"missing extension", ResultInput{TestKey: "cbc", Artifact: upload("scan", "x")}, ErrArtifactMissingExtension},
		{"disallowed type", ResultInput{TestKey: "cbc", Artifact: upload("virus.exe", "x")}, ErrInvalidArtifactType},
		{"too large", ResultInput{TestKey: "cbc", Artifact: upload("big.pdf", strings.Repeat("a", 2048))}, artifact.ErrTooLarge},
		{"test not requested", ResultInput{TestKey: "malaria", Comments: "positive"}, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.SubmitResult(context.Background(), e.ID, tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
	for _, err := range []error{ErrArtifactMissingExtension, ErrInvalidArtifactType} {
		if !errors.Is(err, ErrArtifact) {
			t.Errorf("%v must be an ErrArtifact", err)
		}
	}
	if n := env.repo.resultCount(); n != 0 {
		t.Errorf("expected no results recorded, got %d", n)
	}
	if names := env.storedArtifacts(t); len(names) != 0 {
		t.Errorf("expected no stored artifacts, got %v", names)
	}
}

func TestSubmitResult_EmptyInputRecordsNothing(t *testing.T) {
	env := newTestEnv(t)
	c := env.enqueue(t, env.repo.addPatient("Empty"))
	e := env.requestExam(t, c, "cbc")

	res, err := env.svc.SubmitResult(context.Background(), e.ID, ResultInput{TestKey: "cbc", Comments: "   "})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil || env.repo.resultCount() != 0 {
		t.Errorf("expected nothing recorded, got %+v", res)
	}
}

func TestSubmitResult_ReplacesPrevious(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Retest"))
	e := env.requestExam(t, c, "blood_sugar")

	for _, comment := range []string{"5.1 mmol/L", "5.4 mmol/L"} {
		if _, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "blood_sugar", Comments: comment}); err != nil {
			t.Fatalf("SubmitResult: %v", err)
		}
	}
	results, err := env.svc.ListResults(ctx, e.ID)
	if err != nil {
		t.Fatalf("ListResults: %v", err)
	}
	if len(results) != 1 || results[0].Comments != "5.4 mmol/L" {
		t.Errorf("expected one replaced result, got %+v", results)
	}
}

func TestSubmitResult_ReplacedArtifactRemoved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Rescan"))
	e := env.requestExam(t, c, "xray")

	first, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "xray", Artifact: upload("chest.png", "blurred")})
	if err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	second, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "xray", Artifact: upload("chest.png", "sharp")})
	if err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if second.ArtifactName == first.ArtifactName {
		t.Fatalf("expected a new artifact name, got %s twice", first.ArtifactName)
	}
	if names := env.storedArtifacts(t); len(names) != 1 || names[0] != second.ArtifactName {
		t.Errorf("expected only %s to remain, got %v", second.ArtifactName, names)
	}

	// A comments-only replacement drops the attachment as well.
	if _, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "xray", Comments: "no fracture"}); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if names := env.storedArtifacts(t); len(names) != 0 {
		t.Errorf("expected replaced attachment removed, got %v", names)
	}
}

func TestSubmitResult_ClosedExam(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Closed exam"))
	e := env.requestExam(t, c, "hiv")
	if _, err := env.svc.CancelExam(ctx, e.ID); err != nil {
		t.Fatalf("CancelExam: %v", err)
	}
	_, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "hiv", Comments: "non-reactive"})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestFinalizeSubmission_NoResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Nothing yet"))
	e := env.requestExam(t, c, "cbc")

	if _, err := env.svc.FinalizeSubmission(ctx, e.ID); !errors.Is(err, ErrNoResultsProvided) {
		t.Fatalf("expected ErrNoResultsProvided, got %v", err)
	}
	if got := env.repo.examStatus(e.ID); got != ExamPending {
		t.Errorf("expected exam to stay pending, got %s", got)
	}
	if got := env.repo.consultationStatus(c.ID); got != ConsultationSentToLab {
		t.Errorf("expected consultation to stay sent_to_lab, got %s", got)
	}
}

func TestFinalizeSubmission(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Finalize"))
	e := env.requestExam(t, c, "cbc", "esr")
	if _, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "cbc", Comments: "normal"}); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}

	done, err := env.svc.FinalizeSubmission(ctx, e.ID)
	if err != nil {
		t.Fatalf("FinalizeSubmission: %v", err)
	}
	if done.Status != ExamCompleted {
		t.Errorf("expected completed exam, got %s", done.Status)
	}
	if got := env.repo.consultationStatus(c.ID); got != ConsultationWaiting {
		t.Errorf("expected consultation back to waiting, got %s", got)
	}
	if _, err := env.svc.FinalizeSubmission(ctx, e.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState finalizing twice, got %v", err)
	}
}

func TestFinalizeSubmission_PatientAlreadyWaitingAgain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pid := env.repo.addPatient("Double booked")
	first := env.enqueue(t, pid)
	e := env.requestExam(t, first, "cbc")
	env.enqueue(t, pid)

	if _, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "cbc", Comments: "ok"}); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	if _, err := env.svc.FinalizeSubmission(ctx, e.ID); !errors.Is(err, ErrDuplicateActiveMembership) {
		t.Fatalf("expected ErrDuplicateActiveMembership, got %v", err)
	}
	if got := env.repo.examStatus(e.ID); got != ExamPending {
		t.Errorf("expected the exam transition to roll back, got %s", got)
	}
	if n := env.repo.waitingCount(pid); n != 1 {
		t.Errorf("expected one waiting consultation, got %d", n)
	}
}

// failingStore fails Save for names containing failOn.
type failingStore struct {
	artifact.Store
	failOn string
}

func (s failingStore) Save(ctx context.Context, name string, content io.Reader) (*artifact.Meta, error) {
	if strings.Contains(name, s.failOn) {
		return nil, errors.New("disk full")
	}
	return s.Store.Save(ctx, name, content)
}

func TestSubmitResults_StorageFailureRemovesBatchArtifacts(t *testing.T) {
	env := newTestEnv(t)
	env.svc.store = failingStore{Store: env.svc.store, failOn: "_malaria_"}
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Batch"))
	e := env.requestExam(t, c, "cbc", "widal", "malaria")

	_, _, err := env.svc.SubmitResults(ctx, e.ID, []ResultInput{
		{TestKey: "cbc", Artifact: upload("cbc.pdf", "cbc report")},
		{TestKey: "widal", Artifact: upload("widal.jpg", "widal slide")},
		{TestKey: "malaria", Artifact: upload("smear.png", "smear")},
	})
	if !errors.Is(err, ErrArtifact) {
		t.Fatalf("expected ErrArtifact, got %v", err)
	}
	if names := env.storedArtifacts(t); len(names) != 0 {
		t.Errorf("expected batch artifacts to be removed, found %v", names)
	}
	if n := env.repo.resultCount(); n != 0 {
		t.Errorf("expected no results persisted, got %d", n)
	}
	if got := env.repo.examStatus(e.ID); got != ExamPending {
		t.Errorf("expected exam unchanged, got %s", got)
	}
	if got := env.repo.consultationStatus(c.ID); got != ConsultationSentToLab {
		t.Errorf("expected consultation unchanged, got %s", got)
	}
}

func TestSubmitResults_InvalidTypeRemovesBatchArtifacts(t *testing.T) {
	env := newTestEnv(t)
	c := env.enqueue(t, env.repo.addPatient("Batch type"))
	e := env.requestExam(t, c, "cbc", "xray")

	_, _, err := env.svc.SubmitResults(context.Background(), e.ID, []ResultInput{
		{TestKey: "cbc", Artifact: upload("cbc.txt", "hb 13.2")},
		{TestKey: "xray", Artifact: upload("film.dicom", "...")},
	})
	if !errors.Is(err, ErrInvalidArtifactType) {
		t.Fatalf("expected ErrInvalidArtifactType, got %v", err)
	}
	if names := env.storedArtifacts(t); len(names) != 0 {
		t.Errorf("expected no artifacts left, found %v", names)
	}
}

func TestSubmitResults_RollbackKeepsCommittedArtifact(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Same second"))
	e := env.requestExam(t, c, "cbc", "xray")

	committed, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "cbc", Artifact: upload("cbc.pdf", "first report")})
	if err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	// The clock is fixed, so the batch below runs in the same second.
	_, _, err = env.svc.SubmitResults(ctx, e.ID, []ResultInput{
		{TestKey: "cbc", Artifact: upload("cbc2.pdf", "second report")},
		{TestKey: "xray", Artifact: upload("film.dicom", "...")},
	})
	if !errors.Is(err, ErrInvalidArtifactType) {
		t.Fatalf("expected ErrInvalidArtifactType, got %v", err)
	}

	rc, _, err := env.svc.OpenArtifact(ctx, committed.ArtifactName)
	if err != nil {
		t.Fatalf("expected committed artifact to survive the rollback: %v", err)
	}
	defer rc.Close()
	if body, _ := io.ReadAll(rc); string(body) != "first report" {
		t.Errorf("expected committed content, got %q", body)
	}
	if names := env.storedArtifacts(t); len(names) != 1 {
		t.Errorf("expected only the committed artifact, got %v", names)
	}
	results, err := env.svc.ListResults(ctx, e.ID)
	if err != nil || len(results) != 1 || results[0].ArtifactName != committed.ArtifactName {
		t.Errorf("expected the committed result untouched, got %+v (%v)", results, err)
	}
}

func TestSubmitResults(t *testing.T) {
	env := newTestEnv(t)
	c := env.enqueue(t, env.repo.addPatient("Batch ok"))
	e := env.requestExam(t, c, "cbc", "widal", "stool")

	done, results, err := env.svc.SubmitResults(context.Background(), e.ID, []ResultInput{
		{TestKey: "cbc", Artifact: upload("cbc.pdf", "report"), Comments: "see attached"},
		{TestKey: "widal", Comments: "1:80"},
		{TestKey: "stool"},
	})
	if err != nil {
		t.Fatalf("SubmitResults: %v", err)
	}
	if done.Status != ExamCompleted || len(results) != 2 {
		t.Errorf("expected completed exam with 2 results, got %s and %d", done.Status, len(results))
	}
	if got := env.repo.consultationStatus(c.ID); got != ConsultationWaiting {
		t.Errorf("expected waiting, got %s", got)
	}
	if names := env.storedArtifacts(t); len(names) != 1 {
		t.Errorf("expected one stored artifact, got %v", names)
	}
}

func TestSubmitResults_EmptyBatch(t *testing.T) {
	env := newTestEnv(t)
	c := env.enqueue(t, env.repo.addPatient("Blank batch"))
	e := env.requestExam(t, c, "cbc")

	_, _, err := env.svc.SubmitResults(context.Background(), e.ID, []ResultInput{{TestKey: "cbc"}})
	if !errors.Is(err, ErrNoResultsProvided) {
		t.Errorf("expected ErrNoResultsProvided, got %v", err)
	}
	_, _, err = env.svc.SubmitResults(context.Background(), e.ID, []ResultInput{
		{TestKey: "cbc", Comments: "a"}, {TestKey: "CBC", Comments: "b"},
	})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for duplicate test, got %v", err)
	}
}

func TestOpenArtifact_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, _, err := env.svc.OpenArtifact(ctx, "1_cbc_20240101000000.pdf"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, _, err := env.svc.OpenArtifact(ctx, "../etc/passwd"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}

// -- Diagnosis & prescription --

func TestRecordDiagnosis(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("Diagnosed"))

	if _, err := env.svc.RecordDiagnosis(ctx, DiagnosisInput{ConsultationID: c.ID, PatientID: c.PatientID}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for blank diagnosis, got %v", err)
	}
	if _, err := env.svc.RecordDiagnosis(ctx, DiagnosisInput{ConsultationID: c.ID, PatientID: c.PatientID + 1, ConfirmedDiagnosis: "flu"}); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for mismatched pair, got %v", err)
	}

	d, err := env.svc.RecordDiagnosis(ctx, DiagnosisInput{
		ConsultationID:     c.ID,
		PatientID:          c.PatientID,
		ConfirmedDiagnosis: " Typhoid fever ",
		TestFeedbacks:      []TestFeedback{{TestKey: "WIDAL", Feedback: "titre raised"}, {TestKey: "cbc", Feedback: " "}},
		DiagnosedBy:        "Dr. Adeyemi",
	})
	if err != nil {
		t.Fatalf("RecordDiagnosis: %v", err)
	}
	if d.ConfirmedDiagnosis != "Typhoid fever" || len(d.TestFeedbacks) != 1 || d.TestFeedbacks[0].TestKey != "widal" {
		t.Errorf("unexpected diagnosis: %+v", d)
	}
	if got := env.repo.consultationStatus(c.ID); got != ConsultationWaiting {
		t.Errorf("diagnosis must not move the consultation, got %s", got)
	}

	list, err := env.svc.ListDiagnoses(ctx, c.ID)
	if err != nil || len(list) != 1 {
		t.Errorf("expected one diagnosis, got %d (%v)", len(list), err)
	}
}

func TestRecordPrescription_Boundaries(t *testing.T) {
	env := newTestEnv(t)
	c := env.enqueue(t, env.repo.addPatient("Boundaries"))

	tests := []struct {
		name string
		meds []Medicine
	}{
		{"empty list", nil},
		{"times per day too high", []Medicine{{Type: "Paracetamol", Amount: "1g", TimesPerDay: 11, DurationDays: 3}}},
		{"times per day zero", []Medicine{{Type: "Paracetamol", Amount: "1g", TimesPerDay: 0, DurationDays: 3}}},
		{"duration zero", []Medicine{{Type: "Paracetamol", Amount: "1g", TimesPerDay: 3, DurationDays: 0}}},
		{"duration too long", []Medicine{{Type: "Paracetamol", Amount: "1g", TimesPerDay: 3, DurationDays: 366}}},
		{"blank type", []Medicine{{Type: " ", Amount: "1g", TimesPerDay: 3, DurationDays: 3}}},
		{"blank amount in second entry", append(amoxicillin(), Medicine{Type: "ORS", TimesPerDay: 3, DurationDays: 2})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.RecordPrescription(context.Background(), PrescriptionInput{ConsultationID: c.ID, PatientID: c.PatientID, Medicines: tt.meds})
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
	if n := env.repo.prescriptionCount(); n != 0 {
		t.Errorf("expected nothing persisted, got %d prescriptions", n)
	}
	if got := env.repo.consultationStatus(c.ID); got != ConsultationWaiting {
		t.Errorf("expected waiting, got %s", got)
	}

	edge := []Medicine{
		{Type: "Metformin", Amount: "500mg", TimesPerDay: 1, DurationDays: 365},
		{Type: "Insulin", Amount: "4 units", TimesPerDay: 10, DurationDays: 1},
	}
	p, err := env.svc.RecordPrescription(context.Background(), PrescriptionInput{ConsultationID: c.ID, PatientID: c.PatientID, Medicines: edge})
	if err != nil {
		t.Fatalf("expected boundary values to be accepted: %v", err)
	}
	if p.PaymentStatus != PaymentPending || p.PharmacyStatus != PharmacyNotSent {
		t.Errorf("unexpected prescription statuses: %s/%s", p.PaymentStatus, p.PharmacyStatus)
	}
}

func TestRecordPrescription_ConsultationState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.enqueue(t, env.repo.addPatient("State"))
	in := PrescriptionInput{ConsultationID: c.ID, PatientID: c.PatientID, Medicines: amoxicillin()}

	env.requestExam(t, c, "cbc")
	if _, err := env.svc.RecordPrescription(ctx, in); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState while in lab, got %v", err)
	}

	c2 := env.enqueue(t, env.repo.addPatient("Second"))
	in2 := PrescriptionInput{ConsultationID: c2.ID, PatientID: c2.PatientID, Medicines: amoxicillin()}
	if _, err := env.svc.RecordPrescription(ctx, in2); err != nil {
		t.Fatalf("RecordPrescription: %v", err)
	}
	if got := env.repo.consultationStatus(c2.ID); got != ConsultationCompleted {
		t.Errorf("expected completed, got %s", got)
	}
	if _, err := env.svc.RecordPrescription(ctx, in2); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for a second prescription, got %v", err)
	}
	if n := env.repo.prescriptionCount(); n != 1 {
		t.Errorf("expected one prescription, got %d", n)
	}
}

// -- Billing & pharmacy --

func (env *testEnv) prescribe(t *testing.T, name string) *Prescription {
	t.Helper()
	c := env.enqueue(t, env.repo.addPatient(name))
	p, err := env.svc.RecordPrescription(context.Background(), PrescriptionInput{
		ConsultationID: c.ID, PatientID: c.PatientID, Medicines: amoxicillin(),
	})
	if err != nil {
		t.Fatalf("RecordPrescription: %v", err)
	}
	return p
}

func TestCompletePayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.prescribe(t, "Payer")

	if _, err := env.svc.CompletePayment(ctx, 999, "cash"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.svc.CompletePayment(ctx, p.ID, " "); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}

	paid, err := env.svc.CompletePayment(ctx, p.ID, "insurance")
	if err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}
	if paid.PaymentStatus != PaymentPaid || paid.PaidAt == nil || !paid.PaidAt.Equal(fixedNow) {
		t.Errorf("unexpected payment: %+v", paid)
	}
	if got := env.repo.state.patients[p.PatientID].PaymentMethod; got != "insurance" {
		t.Errorf("expected patient payment method insurance, got %q", got)
	}
	if _, err := env.svc.CompletePayment(ctx, p.ID, "cash"); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState paying twice, got %v", err)
	}
}

func TestSendToPharmacy_RequiresPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.prescribe(t, "Unpaid")

	if _, err := env.svc.SendToPharmacy(ctx, p.ID); !errors.Is(err, ErrPaymentRequired) {
		t.Fatalf("expected ErrPaymentRequired, got %v", err)
	}
	stored, _ := env.svc.GetPrescription(ctx, p.ID)
	if stored.PharmacyStatus != PharmacyNotSent {
		t.Errorf("expected not_sent, got %s", stored.PharmacyStatus)
	}

	if _, err := env.svc.CompletePayment(ctx, p.ID, "cash"); err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}
	sent, err := env.svc.SendToPharmacy(ctx, p.ID)
	if err != nil {
		t.Fatalf("SendToPharmacy: %v", err)
	}
	if sent.PharmacyStatus != PharmacySent || sent.SentAt == nil {
		t.Errorf("expected sent with timestamp, got %+v", sent)
	}
	if _, err := env.svc.SendToPharmacy(ctx, p.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState sending twice, got %v", err)
	}
}

func TestCancelPharmacy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.prescribe(t, "Returned")

	if _, err := env.svc.CancelPharmacy(ctx, p.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState for unsent prescription, got %v", err)
	}
	env.svc.CompletePayment(ctx, p.ID, "cash")
	env.svc.SendToPharmacy(ctx, p.ID)

	back, err := env.svc.CancelPharmacy(ctx, p.ID)
	if err != nil {
		t.Fatalf("CancelPharmacy: %v", err)
	}
	if back.PharmacyStatus != PharmacyNotSent || back.SentAt != nil {
		t.Errorf("expected not_sent without timestamp, got %+v", back)
	}

	billing, total, _ := env.svc.ListBillingQueue(ctx, 20, 0)
	if total != 1 || billing[0].ID != p.ID {
		t.Errorf("expected prescription back in billing queue, got %d", total)
	}
	if _, total, _ := env.svc.ListPharmacyQueue(ctx, 20, 0); total != 0 {
		t.Errorf("expected empty pharmacy queue, got %d", total)
	}
}

func TestCompletePharmacy_RequiresSent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := env.prescribe(t, "Not yet")
	env.svc.CompletePayment(ctx, p.ID, "cash")

	if _, err := env.svc.CompletePharmacy(ctx, p.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if n := env.repo.rowsFor(p.PatientID); n == 0 {
		t.Error("patient must not be deleted before dispensing")
	}
}

func TestCarePipeline_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bystander := env.repo.addPatient("Bystander")
	bc := env.enqueue(t, bystander)
	be := env.requestExam(t, bc, "cbc")
	if _, err := env.svc.SubmitResult(ctx, be.ID, ResultInput{TestKey: "cbc", Artifact: upload("b.pdf", "b")}); err != nil {
		t.Fatalf("bystander SubmitResult: %v", err)
	}

	pid := env.repo.addPatient("Patient P")
	env.repo.addVitals(pid)
	env.repo.addAppointment(pid)

	c := env.enqueue(t, pid)
	e := env.requestExam(t, c, "CBC")
	if e.Status != ExamPending || env.repo.consultationStatus(c.ID) != ConsultationSentToLab {
		t.Fatalf("expected pending exam and consultation in lab")
	}

	if _, err := env.svc.SubmitResult(ctx, e.ID, ResultInput{TestKey: "cbc", Artifact: upload("cbc.pdf", "%PDF-1.4")}); err != nil {
		t.Fatalf("SubmitResult: %v", err)
	}
	e, err := env.svc.FinalizeSubmission(ctx, e.ID)
	if err != nil {
		t.Fatalf("FinalizeSubmission: %v", err)
	}
	if e.Status != ExamCompleted || env.repo.consultationStatus(c.ID) != ConsultationWaiting {
		t.Fatalf("expected completed exam and consultation back in queue")
	}

	if _, err := env.svc.RecordDiagnosis(ctx, DiagnosisInput{ConsultationID: c.ID, PatientID: pid, ConfirmedDiagnosis: "bacterial infection"}); err != nil {
		t.Fatalf("RecordDiagnosis: %v", err)
	}
	p, err := env.svc.RecordPrescription(ctx, PrescriptionInput{ConsultationID: c.ID, PatientID: pid, Medicines: amoxicillin()})
	if err != nil {
		t.Fatalf("RecordPrescription: %v", err)
	}
	if p.PaymentStatus != PaymentPending || p.PharmacyStatus != PharmacyNotSent || env.repo.consultationStatus(c.ID) != ConsultationCompleted {
		t.Fatalf("unexpected state after prescription: %+v", p)
	}

	if p, err = env.svc.CompletePayment(ctx, p.ID, "cash"); err != nil || p.PaymentStatus != PaymentPaid {
		t.Fatalf("CompletePayment: %v", err)
	}
	if p, err = env.svc.SendToPharmacy(ctx, p.ID); err != nil || p.PharmacyStatus != PharmacySent {
		t.Fatalf("SendToPharmacy: %v", err)
	}
	if _, err = env.svc.CompletePharmacy(ctx, p.ID); err != nil {
		t.Fatalf("CompletePharmacy: %v", err)
	}

	if n := env.repo.rowsFor(pid); n != 0 {
		t.Errorf("expected every row of the patient to be deleted, %d remain", n)
	}
	names := env.storedArtifacts(t)
	if len(names) != 1 || !strings.HasPrefix(names[0], artifact.PatientPrefix(bystander)) {
		t.Errorf("expected only the bystander's artifact to remain, got %v", names)
	}
	if n := env.repo.rowsFor(bystander); n != 4 {
		t.Errorf("expected bystander rows untouched, got %d", n)
	}
	if _, err := env.svc.GetPrescription(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected prescription to be gone, got %v", err)
	}
}

func TestService_RecordsMetrics(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pid := env.repo.addPatient("Metered")
	env.enqueue(t, pid)
	env.svc.Enqueue(ctx, pid, "nurse")

	if n, err := testutil.GatherAndCount(env.metrics.Gatherer(), "clinic_pipeline_transitions_total"); err != nil || n != 1 {
		t.Errorf("expected one transition series, got %d (%v)", n, err)
	}
	if n, err := testutil.GatherAndCount(env.metrics.Gatherer(), "clinic_pipeline_rejections_total"); err != nil || n != 1 {
		t.Errorf("expected one rejection series, got %d (%v)", n, err)
	}
}

func TestService_LogsRejections(t *testing.T) {
	env := newTestEnv(t)
	var buf bytes.Buffer
	WithLogger(zerologTo(&buf))(env.svc)

	env.svc.Enqueue(context.Background(), 404, "nurse")
	if !strings.Contains(buf.String(), `"kind":"not_found"`) {
		t.Errorf("expected a debug log of the rejection, got %s", buf.String())
	}
}
