package pipeline

import "fmt"

// ConsultationStatus is the queue position of a consultation.
type ConsultationStatus string

const (
	ConsultationWaiting   ConsultationStatus = "waiting"
	ConsultationSentToLab ConsultationStatus = "sent_to_lab"
	ConsultationCompleted ConsultationStatus = "completed"
)

// ExamStatus tracks a lab order.
type ExamStatus string

const (
	ExamPending    ExamStatus = "pending"
	ExamInProgress ExamStatus = "in_progress"
	ExamCompleted  ExamStatus = "completed"
	ExamCancelled  ExamStatus = "cancelled"
)

// LabStatus tracks one test result within an exam.
type LabStatus string

const (
	LabPending    LabStatus = "pending"
	LabInProgress LabStatus = "in_progress"
	LabCompleted  LabStatus = "completed"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

type PharmacyStatus string

const (
	PharmacyNotSent PharmacyStatus = "not_sent"
	PharmacySent    PharmacyStatus = "sent"
)

var consultationTransitions = map[ConsultationStatus][]ConsultationStatus{
	ConsultationWaiting:   {ConsultationSentToLab, ConsultationCompleted},
	ConsultationSentToLab: {ConsultationWaiting},
}

var examTransitions = map[ExamStatus][]ExamStatus{
	ExamPending:    {ExamInProgress, ExamCompleted, ExamCancelled},
	ExamInProgress: {ExamCompleted, ExamCancelled},
}

var labTransitions = map[LabStatus][]LabStatus{
	LabPending:    {LabInProgress, LabCompleted},
	LabInProgress: {LabCompleted},
}

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending: {PaymentPaid},
}

var pharmacyTransitions = map[PharmacyStatus][]PharmacyStatus{
	PharmacyNotSent: {PharmacySent},
	PharmacySent:    {PharmacyNotSent},
}

func transition[S ~string](table map[S][]S, entity string, from, to S) error {
	for _, next := range table[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%s cannot move from %q to %q: %w", entity, from, to, ErrInvalidState)
}

func known[S ~string](s S, all ...S) bool {
	for _, v := range all {
		if s == v {
			return true
		}
	}
	return false
}

func (s ConsultationStatus) Valid() bool {
	return known(s, ConsultationWaiting, ConsultationSentToLab, ConsultationCompleted)
}

// To reports whether the consultation may move from s to next.
func (s ConsultationStatus) To(next ConsultationStatus) error {
	return transition(consultationTransitions, "consultation", s, next)
}

func (s ExamStatus) Valid() bool {
	return known(s, ExamPending, ExamInProgress, ExamCompleted, ExamCancelled)
}

// Open reports whether the exam still accepts results.
func (s ExamStatus) Open() bool {
	return s == ExamPending || s == ExamInProgress
}

func (s ExamStatus) To(next ExamStatus) error {
	return transition(examTransitions, "exam", s, next)
}

func (s LabStatus) Valid() bool {
	return known(s, LabPending, LabInProgress, LabCompleted)
}

func (s LabStatus) To(next LabStatus) error {
	return transition(labTransitions, "laboratory result", s, next)
}

func (s PaymentStatus) Valid() bool {
	return known(s, PaymentPending, PaymentPaid)
}

func (s PaymentStatus) To(next PaymentStatus) error {
	return transition(paymentTransitions, "payment", s, next)
}

func (s PharmacyStatus) Valid() bool {
	return known(s, PharmacyNotSent, PharmacySent)
}

func (s PharmacyStatus) To(next PharmacyStatus) error {
	return transition(pharmacyTransitions, "pharmacy", s, next)
}
