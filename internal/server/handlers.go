package server

import (
	"errors"
	"io"
	"strconv"

	"staychain/internal/listing"
	"staychain/internal/txn"
	"staychain/pkg/apperror"
	"staychain/pkg/response"

	"github.com/gin-gonic/gin"
)

const maxImageBytes = 8 << 20

type bookingRequest struct {
	PropertyID uint64 `json:"property_id"`
	Days       int64  `json:"days"`
	Token      string `json:"token" binding:"required"`
}

type scanRequest struct {
	Payload string `json:"payload"`
}

type networkRequest struct {
	ChainID uint64 `json:"chain_id" binding:"required"`
}

func (s *Server) handleListProperties(c *gin.Context) {
	props, err := s.deps.Properties.ListAllProperties(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, props)
}

func (s *Server) handleGetProperty(c *gin.Context) {
	id, err := propertyID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	prop, err := s.deps.Properties.GetProperty(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, prop)
}

func (s *Server) handleCreateProperty(c *gin.Context) {
	d := listing.Draft{
		OwnerName: c.PostForm("owner_name"),
		Token:     c.PostForm("token"),
		DailyRent: c.PostForm("daily_rent"),
	}

	if fh, err := c.FormFile("image"); err == nil {
		if fh.Size > maxImageBytes {
			response.Error(c, apperror.ErrInvalidRequest("Image exceeds 8 MiB"))
			return
		}
		f, err := fh.Open()
		if err != nil {
			response.Error(c, apperror.ErrInvalidRequest("Unreadable image upload"))
			return
		}
		d.Image, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			response.Error(c, apperror.ErrInvalidRequest("Unreadable image upload"))
			return
		}
	}

	var (
		out listing.Outcome
		err error
	)
	if locator := c.PostForm("image_locator"); locator != "" {
		out, err = s.deps.Listings.Retry(c.Request.Context(), d, locator)
	} else {
		out, err = s.deps.Listings.Create(c.Request.Context(), d)
	}
	if err != nil {
		var partial *listing.PartialError
		if errors.As(err, &partial) || out.Result.Hash != "" {
			response.ErrorWithData(c, err, out)
			return
		}
		response.Error(c, err)
		return
	}
	response.Created(c, out)
}

func (s *Server) handleDeactivateProperty(c *gin.Context) {
	id, err := propertyID(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	res, err := s.deps.Transactions.Submit(c.Request.Context(), txn.DeactivateProperty(id))
	s.respondTx(c, res, err)
}

func (s *Server) handleBookStay(c *gin.Context) {
	var req bookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.ErrInvalidRequest("Booking needs a token"))
		return
	}
	b, err := s.deps.Bookings.BookStay(c.Request.Context(), req.PropertyID, req.Days, req.Token)
	if err != nil {
		if b.Approval != nil || b.Payment != nil {
			response.ErrorWithData(c, err, b)
			return
		}
		response.Error(c, err)
		return
	}
	response.Created(c, b)
}

func (s *Server) handleTransactionStatus(c *gin.Context) {
	res, err := s.deps.Transactions.Status(c.Request.Context(), c.Param("hash"))
	s.respondTx(c, res, err)
}

func (s *Server) handleCurrencies(c *gin.Context) {
	response.OK(c, s.deps.Currencies.Entries())
}

func (s *Server) handleScan(c *gin.Context) {
	var req scanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.ErrInvalidRequest("Scan needs a payload"))
		return
	}
	intent, err := s.deps.LocalPay.Scan(req.Payload)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, intent)
}

func (s *Server) handleConfirmLocal(c *gin.Context) {
	rec, err := s.deps.LocalPay.Confirm()
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rec)
}

func (s *Server) handleCancelLocal(c *gin.Context) {
	if err := s.deps.LocalPay.Cancel(); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, s.deps.LocalPay.Snapshot())
}

func (s *Server) handleLocalLedger(c *gin.Context) {
	response.OK(c, gin.H{
		"session": s.deps.LocalPay.Snapshot(),
		"ledger":  s.deps.LocalPay.Ledger(),
	})
}

func (s *Server) handleWallet(c *gin.Context) {
	response.OK(c, s.deps.Wallet.State())
}

func (s *Server) handleSwitchNetwork(c *gin.Context) {
	var req networkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, apperror.ErrInvalidRequest("chain_id is required"))
		return
	}
	st, err := s.deps.Wallet.SwitchNetwork(c.Request.Context(), req.ChainID)
	if err != nil {
		response.ErrorWithData(c, err, st)
		return
	}
	response.OK(c, st)
}

// respondTx sends the result alongside the error so a pending hash is never lost.
func (s *Server) respondTx(c *gin.Context, res txn.Result, err error) {
	if err != nil {
		if res.Hash != "" {
			response.ErrorWithData(c, err, res)
			return
		}
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

func propertyID(c *gin.Context) (uint64, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return 0, apperror.ErrInvalidRequest("Property id must be a positive integer")
	}
	return id, nil
}
