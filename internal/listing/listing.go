// Package listing uploads a property image and then lists the property.
package listing

import (
	"context"
	"fmt"

	"staychain/internal/pinning"
	"staychain/internal/txn"

	"github.com/rs/zerolog"
)

// Submitter is the write path the listing flow drives.
type Submitter interface {
	Validate(req txn.Request) error
	Submit(ctx context.Context, req txn.Request) (txn.Result, error)
}

// Draft is an owner's listing form.
type Draft struct {
	OwnerName string
	Token     string
	DailyRent string
	Image     []byte
}

// Outcome pairs the stored image with the listing transaction.
type Outcome struct {
	Locator string     `json:"image_locator"`
	Result  txn.Result `json:"transaction"`
}

// PartialError reports a listing whose image is stored but whose
// transaction did not confirm. Retry with Locator to skip the upload.
type PartialError struct {
	Locator string
	Result  txn.Result
	Err     error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("image stored at %s but listing did not complete: %v", e.Locator, e.Err)
}

func (e *PartialError) Unwrap() error {
	return e.Err
}

type Service struct {
	uploader pinning.Uploader
	tx       Submitter
	log      zerolog.Logger
}

func NewService(uploader pinning.Uploader, tx Submitter, log zerolog.Logger) *Service {
	return &Service{uploader: uploader, tx: tx, log: log}
}

// Create validates the draft, uploads the image, then submits the listing.
// No transaction is attempted unless the upload returned a locator.
func (s *Service) Create(ctx context.Context, d Draft) (Outcome, error) {
	if err := s.tx.Validate(txn.ListProperty(d.OwnerName, d.Token, d.DailyRent, "")); err != nil {
		return Outcome{}, err
	}

	var locator string
	if len(d.Image) > 0 {
		var err error
		locator, err = s.uploader.Store(ctx, d.Image)
		if err != nil {
			s.log.Warn().Err(err).Str("owner_name", d.OwnerName).Msg("image upload failed")
			return Outcome{}, err
		}
		s.log.Debug().Str("locator", locator).Msg("listing image stored")
	}

	return s.submit(ctx, d, locator)
}

// Retry resubmits a listing whose image is already stored at locator.
func (s *Service) Retry(ctx context.Context, d Draft, locator string) (Outcome, error) {
	return s.submit(ctx, d, locator)
}

func (s *Service) submit(ctx context.Context, d Draft, locator string) (Outcome, error) {
	res, err := s.tx.Submit(ctx, txn.ListProperty(d.OwnerName, d.Token, d.DailyRent, locator))
	out := Outcome{Locator: locator, Result: res}
	if err != nil {
		if locator != "" {
			return out, &PartialError{Locator: locator, Result: res, Err: err}
		}
		return out, err
	}
	s.log.Info().
		Uint64("property_id", res.PropertyID).
		Str("tx_hash", res.Hash).
		Str("locator", locator).
		Msg("property listed")
	return out, nil
}
