package models

import (
	"errors"
	"fmt"

	"github.com/mmdatafocus/books_reconciliation/matcher"
)

type ObligationKind string

const (
	ObligationKindInvoice   ObligationKind = "invoice"
	ObligationKindTaxFiling ObligationKind = "tax_filing"
	ObligationKindSalary    ObligationKind = "salary"
)

func (k ObligationKind) IsValid() bool {
	switch k {
	case ObligationKindInvoice, ObligationKindTaxFiling, ObligationKindSalary:
		return true
	}
	return false
}

// WindowDays is the posting-date window used when matching this kind.
// Tax payments settle on a contractual date, so their window is tight.
func (k ObligationKind) WindowDays(p matcher.Policy) int {
	if k == ObligationKindTaxFiling {
		return p.TaxWindowDays
	}
	return p.DefaultWindowDays
}

func (k *ObligationKind) UnmarshalText(b []byte) error {
	v := ObligationKind(b)
	if !v.IsValid() {
		return errors.New("invalid obligation kind")
	}
	*k = v
	return nil
}

type PaymentChannel string

const (
	PaymentChannelUnset PaymentChannel = "unset"
	PaymentChannelCash  PaymentChannel = "cash"
	PaymentChannelBank  PaymentChannel = "bank"
)

// IsConfirmable reports whether c is a real channel (cash or bank).
func (c PaymentChannel) IsConfirmable() bool {
	return c == PaymentChannelCash || c == PaymentChannelBank
}

func (c PaymentChannel) Other() PaymentChannel {
	switch c {
	case PaymentChannelCash:
		return PaymentChannelBank
	case PaymentChannelBank:
		return PaymentChannelCash
	}
	return PaymentChannelUnset
}

// ConfirmedState is the state an obligation enters once c is confirmed.
func (c PaymentChannel) ConfirmedState() ObligationState {
	if c == PaymentChannelCash {
		return ObligationStateConfirmedCash
	}
	return ObligationStateConfirmedBank
}

func (c *PaymentChannel) UnmarshalText(b []byte) error {
	switch v := PaymentChannel(b); v {
	case PaymentChannelUnset, PaymentChannelCash, PaymentChannelBank:
		*c = v
		return nil
	}
	return errors.New("invalid payment channel")
}

type ObligationState string

const (
	ObligationStateAwaitingChannel ObligationState = "awaiting_channel_confirmation"
	ObligationStateConfirmedCash   ObligationState = "confirmed_cash"
	ObligationStateConfirmedBank   ObligationState = "confirmed_bank"
	ObligationStateSuspended       ObligationState = "suspended_awaiting_statement"
	ObligationStateChannelMismatch ObligationState = "flagged_channel_mismatch"
	ObligationStateAmbiguousMatch  ObligationState = "flagged_ambiguous_match"
	ObligationStateNoMatchFound    ObligationState = "flagged_no_match_found"
	ObligationStateReconciled      ObligationState = "reconciled"
	ObligationStateManuallyLocked  ObligationState = "manually_locked"
)

var AllObligationStates = []ObligationState{
	ObligationStateAwaitingChannel,
	ObligationStateConfirmedCash,
	ObligationStateConfirmedBank,
	ObligationStateSuspended,
	ObligationStateChannelMismatch,
	ObligationStateAmbiguousMatch,
	ObligationStateNoMatchFound,
	ObligationStateReconciled,
	ObligationStateManuallyLocked,
}

func (s ObligationState) IsValid() bool {
	_, ok := automaticTransitions[s]
	return ok
}

func (s ObligationState) IsFlagged() bool {
	switch s {
	case ObligationStateChannelMismatch, ObligationStateAmbiguousMatch, ObligationStateNoMatchFound:
		return true
	}
	return false
}

// IsSweepable reports whether automatic sweeps evaluate obligations in s.
func (s ObligationState) IsSweepable() bool {
	switch s {
	case ObligationStateConfirmedCash, ObligationStateConfirmedBank, ObligationStateSuspended:
		return true
	}
	return false
}

// IsTerminal covers states no automatic process may leave.
func (s ObligationState) IsTerminal() bool {
	return s == ObligationStateReconciled || s == ObligationStateManuallyLocked
}

func (s *ObligationState) UnmarshalText(b []byte) error {
	v := ObligationState(b)
	if !v.IsValid() {
		return errors.New("invalid obligation state")
	}
	*s = v
	return nil
}

// automaticTransitions lists what the coordinator may do on its own.
// Every state must have an entry, even an empty one.
var automaticTransitions = map[ObligationState][]ObligationState{
	ObligationStateAwaitingChannel: {ObligationStateReconciled},
	ObligationStateConfirmedCash:   classifiedStates,
	ObligationStateConfirmedBank:   classifiedStates,
	ObligationStateSuspended:       classifiedStates,
	ObligationStateAmbiguousMatch: {
		ObligationStateReconciled,
		ObligationStateNoMatchFound,
		ObligationStateChannelMismatch,
		ObligationStateSuspended,
	},
	ObligationStateChannelMismatch: {},
	ObligationStateNoMatchFound:    {},
	ObligationStateReconciled:      {},
	ObligationStateManuallyLocked:  {},
}

var classifiedStates = []ObligationState{
	ObligationStateReconciled,
	ObligationStateSuspended,
	ObligationStateChannelMismatch,
	ObligationStateAmbiguousMatch,
	ObligationStateNoMatchFound,
}

// manualTransitions lists what an operator may do explicitly. Unlock is
// handled separately because it restores the recorded pre-lock state.
var manualTransitions = map[ObligationState][]ObligationState{
	// reconciled only through an advance payment: no movement pool is visible yet
	ObligationStateAwaitingChannel: {ObligationStateConfirmedCash, ObligationStateConfirmedBank, ObligationStateReconciled, ObligationStateManuallyLocked},
	ObligationStateConfirmedCash:   operatorStates,
	ObligationStateConfirmedBank:   operatorStates,
	ObligationStateSuspended:       requeueStates,
	ObligationStateAmbiguousMatch:  requeueStates,
	ObligationStateNoMatchFound:    requeueStates,
	ObligationStateChannelMismatch: requeueStates,
	ObligationStateReconciled:      {ObligationStateConfirmedCash, ObligationStateConfirmedBank, ObligationStateAwaitingChannel, ObligationStateManuallyLocked},
	ObligationStateManuallyLocked:  {},
}

var operatorStates = []ObligationState{
	ObligationStateReconciled,
	ObligationStateNoMatchFound,
	ObligationStateManuallyLocked,
}

// requeueStates adds the way back to a confirmed channel, used when an
// operator attaches a split payment or accepts a channel correction.
var requeueStates = append([]ObligationState{ObligationStateConfirmedCash, ObligationStateConfirmedBank}, operatorStates...)

// CanTransition reports whether from -> to is allowed. A state may always
// stay where it is.
func CanTransition(from, to ObligationState, manual bool) bool {
	if from == to {
		return true
	}
	table := automaticTransitions
	if manual {
		table = manualTransitions
	}
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidState when from -> to is not allowed.
func CheckTransition(from, to ObligationState, manual bool) error {
	if !CanTransition(from, to, manual) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidState)
	}
	return nil
}

type ConsumerType string

const (
	ConsumerNone            ConsumerType = ""
	ConsumerObligation      ConsumerType = "obligation"
	ConsumerAdvancePayment  ConsumerType = "advance_payment"
	ConsumerSplitInstrument ConsumerType = "split_instrument"
)

type ReconciliationMethod string

const (
	ReconciliationMethodAuto   ReconciliationMethod = "auto"
	ReconciliationMethodManual ReconciliationMethod = "manual"
	ReconciliationMethodSystem ReconciliationMethod = "system"
)

type RecordAction string

const (
	RecordActionObligationRegistered RecordAction = "obligation_registered"
	RecordActionConfirmChannel       RecordAction = "confirm_channel"
	RecordActionAutoReconcile        RecordAction = "auto_reconcile"
	RecordActionManualReconcile      RecordAction = "manual_reconcile"
	RecordActionFlagAmbiguous        RecordAction = "flag_ambiguous"
	RecordActionFlagNoMatch          RecordAction = "flag_no_match"
	RecordActionFlagChannelMismatch  RecordAction = "flag_channel_mismatch"
	RecordActionSuspend              RecordAction = "suspend"
	RecordActionClaimConflict        RecordAction = "claim_conflict"
	RecordActionMarkUnresolved       RecordAction = "mark_unresolved"
	RecordActionAcceptChannel        RecordAction = "accept_channel_correction"
	RecordActionLock                 RecordAction = "lock"
	RecordActionUnlock               RecordAction = "unlock"
	RecordActionReverse              RecordAction = "reverse"
	RecordActionSplitRegistered      RecordAction = "split_registered"
	RecordActionSplitInstrument      RecordAction = "split_instrument_settled"
	RecordActionSplitCancelled       RecordAction = "split_cancelled"
	RecordActionAdvanceRegistered    RecordAction = "advance_registered"
	RecordActionAdvanceBound         RecordAction = "advance_bound"
	RecordActionObligationDeleted    RecordAction = "obligation_deleted"
	RecordActionMovementDeleted      RecordAction = "movement_deleted"
	RecordActionAdvanceDeleted       RecordAction = "advance_deleted"
)

// ActionForState is the audit action written when matching lands in s.
func ActionForState(s ObligationState, method ReconciliationMethod) RecordAction {
	switch s {
	case ObligationStateReconciled:
		if method == ReconciliationMethodManual {
			return RecordActionManualReconcile
		}
		return RecordActionAutoReconcile
	case ObligationStateAmbiguousMatch:
		return RecordActionFlagAmbiguous
	case ObligationStateNoMatchFound:
		return RecordActionFlagNoMatch
	case ObligationStateChannelMismatch:
		return RecordActionFlagChannelMismatch
	case ObligationStateSuspended:
		return RecordActionSuspend
	}
	return RecordAction("transition")
}

type SplitGroupStatus string

const (
	SplitGroupStatusOpen      SplitGroupStatus = "open"
	SplitGroupStatusClosed    SplitGroupStatus = "closed"
	SplitGroupStatusCancelled SplitGroupStatus = "cancelled"
)

type AdvancePaymentStatus string

const (
	AdvancePaymentStatusOpen      AdvancePaymentStatus = "open"
	AdvancePaymentStatusExhausted AdvancePaymentStatus = "exhausted"
)
