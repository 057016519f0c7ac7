package pipeline

import (
	"errors"
	"testing"
)

func TestConsultationStatus_To(t *testing.T) {
	tests := []struct {
		from, to ConsultationStatus
		ok       bool
	}{
		{ConsultationWaiting, ConsultationSentToLab, true},
		{ConsultationWaiting, ConsultationCompleted, true},
		{ConsultationSentToLab, ConsultationWaiting, true},
		{ConsultationSentToLab, ConsultationCompleted, false},
		{ConsultationCompleted, ConsultationWaiting, false},
		{ConsultationWaiting, ConsultationWaiting, false},
		{ConsultationStatus("processing"), ConsultationWaiting, false},
	}
	for _, tt := range tests {
		err := tt.from.To(tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidState) {
			t.Errorf("%s -> %s: expected ErrInvalidState, got %v", tt.from, tt.to, err)
		}
	}
}

func TestExamStatus_To(t *testing.T) {
	tests := []struct {
		from, to ExamStatus
		ok       bool
	}{
		{ExamPending, ExamInProgress, true},
		{ExamPending, ExamCompleted, true},
		{ExamPending, ExamCancelled, true},
		{ExamInProgress, ExamCompleted, true},
		{ExamInProgress, ExamCancelled, true},
		{ExamInProgress, ExamPending, false},
		{ExamCompleted, ExamCancelled, false},
		{ExamCancelled, ExamPending, false},
	}
	for _, tt := range tests {
		err := tt.from.To(tt.to)
		if tt.ok != (err == nil) {
			t.Errorf("%s -> %s: ok=%v, got %v", tt.from, tt.to, tt.ok, err)
		}
	}
}

func TestExamStatus_Open(t *testing.T) {
	for s, want := range map[ExamStatus]bool{
		ExamPending:    true,
		ExamInProgress: true,
		ExamCompleted:  false,
		ExamCancelled:  false,
	} {
		if got := s.Open(); got != want {
			t.Errorf("%s.Open() = %v, want %v", s, got, want)
		}
	}
}

func TestPrescriptionStatuses_To(t *testing.T) {
	if err := PaymentPending.To(PaymentPaid); err != nil {
		t.Errorf("pending -> paid: %v", err)
	}
	if err := PaymentPaid.To(PaymentPending); !errors.Is(err, ErrInvalidState) {
		t.Errorf("paid -> pending: expected ErrInvalidState, got %v", err)
	}
	if err := PharmacyNotSent.To(PharmacySent); err != nil {
		t.Errorf("not_sent -> sent: %v", err)
	}
	if err := PharmacySent.To(PharmacyNotSent); err != nil {
		t.Errorf("sent -> not_sent: %v", err)
	}
	if err := PharmacySent.To(PharmacySent); !errors.Is(err, ErrInvalidState) {
		t.Errorf("sent -> sent: expected ErrInvalidState, got %v", err)
	}
}

func TestLabStatus_To(t *testing.T) {
	if err := LabPending.To(LabCompleted); err != nil {
		t.Errorf("pending -> completed: %v", err)
	}
	if err := LabCompleted.To(LabInProgress); !errors.Is(err, ErrInvalidState) {
		t.Errorf("completed -> in_progress: expected ErrInvalidState, got %v", err)
	}
}

func TestStatus_Valid(t *testing.T) {
	if !ConsultationSentToLab.Valid() || ConsultationStatus("archived").Valid() {
		t.Error("unexpected consultation status validity")
	}
	if !ExamCancelled.Valid() || ExamStatus("done").Valid() {
		t.Error("unexpected exam status validity")
	}
	if !LabInProgress.Valid() || !PaymentPaid.Valid() || !PharmacyNotSent.Valid() {
		t.Error("expected known statuses to be valid")
	}
	if PaymentStatus("refunded").Valid() || PharmacyStatus("lost").Valid() {
		t.Error("expected unknown statuses to be invalid")
	}
}

func TestNormalizeTestKey(t *testing.T) {
	if key, ok := normalizeTestKey(" CBC "); !ok || key != "cbc" {
		t.Errorf("expected cbc, got %q (%v)", key, ok)
	}
	if _, ok := normalizeTestKey("astrology"); ok {
		t.Error("expected unknown test to be rejected")
	}
	cat := TestCatalogue()
	cat[0].Key = "mutated"
	if TestCatalogue()[0].Key == "mutated" {
		t.Error("TestCatalogue must return a copy")
	}
}

func TestErrorKind(t *testing.T) {
	tests := map[error]string{
		invalid("x"):                "validation",
		ErrInvalidArtifactType:      "artifact",
		ErrArtifactMissingExtension: "artifact",
		ErrPaymentRequired:          "payment_required",
		ErrDuplicatePendingExam:     "duplicate_pending_exam",
		errors.New("boom"):          "internal",
	}
	for err, want := range tests {
		if got := errorKind(err); got != want {
			t.Errorf("errorKind(%v) = %q, want %q", err, got, want)
		}
	}
}
