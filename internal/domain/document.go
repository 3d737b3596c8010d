package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PositionDocument is the JSON form of a Position. Amounts are base-10
// integer strings in the asset's smallest unit.
type PositionDocument struct {
	ID         uint64 `json:"id,omitempty"`
	Owner      string `json:"owner"`
	Collateral string `json:"collateral"`
	Debt       string `json:"debt"`
	Repay      string `json:"repay,omitempty"`
	Status     string `json:"status,omitempty"`
}

// ReceiptDocument is the JSON form of a MigrationReceipt used for storage,
// archives and events.
type ReceiptDocument struct {
	ID                  string           `json:"id"`
	PositionID          uint64           `json:"position_id"`
	Caller              string           `json:"caller"`
	DestinationOwner    string           `json:"destination_owner"`
	CollateralOwner     string           `json:"collateral_owner"`
	FeeRecipient        string           `json:"fee_recipient"`
	MigratedCollateral  string           `json:"migrated_collateral"`
	Fee                 string           `json:"fee"`
	DepositedCollateral string           `json:"deposited_collateral"`
	RepaidDebt          string           `json:"repaid_debt"`
	FlashBorrowed       string           `json:"flash_borrowed"`
	FlashFee            string           `json:"flash_fee"`
	Drawn               string           `json:"drawn"`
	Converted           string           `json:"converted"`
	Surplus             string           `json:"surplus"`
	SourceBefore        PositionDocument `json:"source_before"`
	DestinationBefore   PositionDocument `json:"destination_before"`
	DestinationAfter    PositionDocument `json:"destination_after"`
	CompletedAt         time.Time        `json:"completed_at"`
}

func amountString(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	x, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return x, nil
}

// NewPositionDocument converts p.
func NewPositionDocument(p Position) PositionDocument {
	d := PositionDocument{
		ID:         uint64(p.ID),
		Owner:      p.Owner.Hex(),
		Collateral: amountString(p.Collateral),
		Debt:       amountString(p.Debt),
	}
	if p.Repay != nil {
		d.Repay = p.Repay.Dec()
	}
	if p.Status != TroveNonExistent {
		d.Status = p.Status.String()
	}
	return d
}

// Position converts d back. Status is not restored.
func (d PositionDocument) Position() (Position, error) {
	p := Position{ID: PositionID(d.ID), Owner: common.HexToAddress(d.Owner)}
	var err error
	if p.Collateral, err = parseAmount("collateral", d.Collateral); err != nil {
		return Position{}, err
	}
	if p.Debt, err = parseAmount("debt", d.Debt); err != nil {
		return Position{}, err
	}
	if p.Repay, err = parseAmount("repay", d.Repay); err != nil {
		return Position{}, err
	}
	return p, nil
}

// NewReceiptDocument converts r.
func NewReceiptDocument(r MigrationReceipt) ReceiptDocument {
	return ReceiptDocument{
		ID:                  r.ID,
		PositionID:          uint64(r.PositionID),
		Caller:              r.Caller.Hex(),
		DestinationOwner:    r.DestinationOwner.Hex(),
		CollateralOwner:     r.CollateralOwner.Hex(),
		FeeRecipient:        r.FeeRecipient.Hex(),
		MigratedCollateral:  amountString(r.MigratedCollateral),
		Fee:                 amountString(r.Fee),
		DepositedCollateral: amountString(r.DepositedCollateral),
		RepaidDebt:          amountString(r.RepaidDebt),
		FlashBorrowed:       amountString(r.FlashBorrowed),
		FlashFee:            amountString(r.FlashFee),
		Drawn:               amountString(r.Drawn),
		Converted:           amountString(r.Converted),
		Surplus:             amountString(r.Surplus),
		SourceBefore:        NewPositionDocument(r.SourceBefore),
		DestinationBefore:   NewPositionDocument(r.DestinationBefore),
		DestinationAfter:    NewPositionDocument(r.DestinationAfter),
		CompletedAt:         r.CompletedAt,
	}
}

// Receipt converts d back into a MigrationReceipt.
func (d ReceiptDocument) Receipt() (MigrationReceipt, error) {
	r := MigrationReceipt{
		ID:               d.ID,
		PositionID:       PositionID(d.PositionID),
		Caller:           common.HexToAddress(d.Caller),
		DestinationOwner: common.HexToAddress(d.DestinationOwner),
		CollateralOwner:  common.HexToAddress(d.CollateralOwner),
		FeeRecipient:     common.HexToAddress(d.FeeRecipient),
		CompletedAt:      d.CompletedAt,
	}
	for _, f := range []struct {
		name string
		src  string
		dst  **uint256.Int
	}{
		{"migrated_collateral", d.MigratedCollateral, &r.MigratedCollateral},
		{"fee", d.Fee, &r.Fee},
		{"deposited_collateral", d.DepositedCollateral, &r.DepositedCollateral},
		{"repaid_debt", d.RepaidDebt, &r.RepaidDebt},
		{"flash_borrowed", d.FlashBorrowed, &r.FlashBorrowed},
		{"flash_fee", d.FlashFee, &r.FlashFee},
		{"drawn", d.Drawn, &r.Drawn},
		{"converted", d.Converted, &r.Converted},
		{"surplus", d.Surplus, &r.Surplus},
	} {
		v, err := parseAmount(f.name, f.src)
		if err != nil {
			return MigrationReceipt{}, fmt.Errorf("domain: receipt %s: %w", d.ID, err)
		}
		*f.dst = v
	}
	var err error
	if r.SourceBefore, err = d.SourceBefore.Position(); err != nil {
		return MigrationReceipt{}, fmt.Errorf("domain: receipt %s: source_before: %w", d.ID, err)
	}
	if r.DestinationBefore, err = d.DestinationBefore.Position(); err != nil {
		return MigrationReceipt{}, fmt.Errorf("domain: receipt %s: destination_before: %w", d.ID, err)
	}
	if r.DestinationAfter, err = d.DestinationAfter.Position(); err != nil {
		return MigrationReceipt{}, fmt.Errorf("domain: receipt %s: destination_after: %w", d.ID, err)
	}
	return r, nil
}

// RecordDocument is the JSON form of a MigrationRecord used by the API,
// events and history exports.
type RecordDocument struct {
	ID               string           `json:"id"`
	PositionID       uint64           `json:"position_id"`
	Caller           string           `json:"caller"`
	DestinationOwner string           `json:"destination_owner"`
	CollateralOwner  string           `json:"collateral_owner"`
	MaxSlippageBps   uint32           `json:"max_slippage_bps"`
	Status           MigrationStatus  `json:"status"`
	ErrorKind        ErrorKind        `json:"error_kind,omitempty"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	Receipt          *ReceiptDocument `json:"receipt,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// NewRecordDocument converts rec.
func NewRecordDocument(rec MigrationRecord) RecordDocument {
	d := RecordDocument{
		ID:               rec.ID,
		PositionID:       uint64(rec.PositionID),
		Caller:           rec.Caller.Hex(),
		DestinationOwner: rec.DestinationOwner.Hex(),
		CollateralOwner:  rec.CollateralOwner.Hex(),
		MaxSlippageBps:   rec.MaxSlippageBps,
		Status:           rec.Status,
		ErrorKind:        rec.ErrorKind,
		ErrorMessage:     rec.ErrorMessage,
		CreatedAt:        rec.CreatedAt,
	}
	if rec.Receipt != nil {
		doc := NewReceiptDocument(*rec.Receipt)
		d.Receipt = &doc
	}
	return d
}
