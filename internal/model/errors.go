package model

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput возвращается при некорректных входных данных до любых обращений к реестру.
	ErrInvalidInput = errors.New("invalid input")
	// ErrDepositNotFound возвращается, если депозит не найден.
	ErrDepositNotFound = errors.New("deposit not found")
	// ErrPaymentMethodNotFound возвращается, если способ оплаты не найден.
	ErrPaymentMethodNotFound = errors.New("payment method not found")
	// ErrInvoiceNotFound возвращается, если исходный счёт кредит-ноты не найден.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrDepositNotApproved возвращается при попытке зафиксировать распределение неодобренного депозита.
	ErrDepositNotApproved = errors.New("deposit is not approved")
	// ErrDepositAlreadyReviewed возвращается при повторном рассмотрении депозита.
	ErrDepositAlreadyReviewed = errors.New("deposit already reviewed")
	// ErrPreviewUnavailable возвращается, если предпросмотр не удалось построить и в кеше его нет.
	ErrPreviewUnavailable = errors.New("no preview available")
)

// InputError описывает некорректное поле входных данных.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InputError) Unwrap() error {
	return ErrInvalidInput
}

// StateError описывает операцию, недопустимую в текущем статусе депозита.
type StateError struct {
	DepositID int64
	Status    DepositStatus
	Op        string
	// Err уточняет причину; по умолчанию ErrDepositNotApproved.
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: deposit %d is %s", e.Op, e.DepositID, e.Status)
}

func (e *StateError) Unwrap() error {
	if e.Err == nil {
		return ErrDepositNotApproved
	}
	return e.Err
}
