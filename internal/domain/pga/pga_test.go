package pga

import (
	"errors"
	"testing"
	"time"
)

func TestStatusOrderingMatchesLifecycle(t *testing.T) {
	ordered := []Status{
		StatusNone,
		StatusCreated,
		StatusGuaranteeApproved,
		StatusSellerApproved,
		StatusCollateralPaid,
		StatusGoodsShipped,
		StatusBalancePaymentPaid,
		StatusCertificateIssued,
		StatusDeliveryAwaitingConsent,
		StatusCompleted,
	}
	for i := 1; i < len(ordered); i++ {
		if ordered[i] <= ordered[i-1] {
			t.Fatalf("status %s (%d) not ordered after %s (%d)", ordered[i], ordered[i], ordered[i-1], ordered[i-1])
		}
		if !ordered[i-1].CanTransitionTo(ordered[i]) {
			t.Fatalf("expected %s -> %s to be allowed", ordered[i-1], ordered[i])
		}
	}
}

func TestCanTransitionToRejectsSkipsAndBackwardMoves(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusCreated, StatusSellerApproved},
		{StatusCreated, StatusCompleted},
		{StatusSellerApproved, StatusGoodsShipped},
		{StatusGoodsShipped, StatusCollateralPaid},
		{StatusCompleted, StatusCreated},
		{StatusDeliveryAwaitingConsent, StatusCreated},
	}
	for _, tc := range cases {
		if tc.from.CanTransitionTo(tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestTerminalStatesAllowNothing(t *testing.T) {
	terminals := []Status{StatusCompleted, StatusRejected, StatusExpired, StatusDisputed}
	for _, from := range terminals {
		if !from.Terminal() {
			t.Fatalf("expected %s to be terminal", from)
		}
		for target := StatusNone; target <= StatusDisputed; target++ {
			if from.CanTransitionTo(target) {
				t.Errorf("terminal %s must not transition to %s", from, target)
			}
		}
	}
}

func TestTerminalReachableFromAnyActiveState(t *testing.T) {
	active := []Status{
		StatusNone, StatusCreated, StatusGuaranteeApproved, StatusSellerApproved,
		StatusCollateralPaid, StatusGoodsShipped, StatusBalancePaymentPaid,
		StatusCertificateIssued, StatusDeliveryAwaitingConsent,
	}
	for _, from := range active {
		for _, target := range []Status{StatusRejected, StatusExpired, StatusDisputed} {
			if !from.CanTransitionTo(target) {
				t.Errorf("expected %s -> %s to be allowed", from, target)
			}
		}
	}
}

func TestStatusString(t *testing.T) {
	if got := StatusDeliveryAwaitingConsent.String(); got != "DELIVERY_AWAITING_CONSENT" {
		t.Fatalf("unexpected name %q", got)
	}
	if got := Status(99).String(); got != "STATUS(99)" {
		t.Fatalf("unexpected fallback name %q", got)
	}
}

func validParams() CreateParams {
	return CreateParams{
		PGAID:             "PGA-001",
		Buyer:             "0xbuyer00000000000000",
		Seller:            "0xseller0000000000000",
		BeneficiaryWallet: "0xseller0000000000000",
		TradeValue:        1000,
		GuaranteeAmount:   800,
		CollateralAmount:  200,
		Duration:          86400,
	}
}

func TestCreateParamsValidate(t *testing.T) {
	p := validParams()
	if err := p.Validate(); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*CreateParams)
		field  string
	}{
		{"missing id", func(p *CreateParams) { p.PGAID = "  " }, "pgaId"},
		{"bad buyer", func(p *CreateParams) { p.Buyer = "buyer" }, "buyer"},
		{"bad seller", func(p *CreateParams) { p.Seller = "" }, "seller"},
		{"zero trade value", func(p *CreateParams) { p.TradeValue = 0 }, "tradeValue"},
		{"guarantee above trade value", func(p *CreateParams) { p.GuaranteeAmount = 1001 }, "guaranteeAmount"},
		{"collateral above guarantee", func(p *CreateParams) { p.CollateralAmount = 900 }, "collateralAmount"},
		{"zero duration", func(p *CreateParams) { p.Duration = 0 }, "duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validParams()
			tc.mutate(&p)
			err := p.Validate()
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if vErr.Field != tc.field {
				t.Fatalf("expected field %q, got %q", tc.field, vErr.Field)
			}
		})
	}
}

func TestBalanceDue(t *testing.T) {
	info := Info{GuaranteeAmount: 800, CollateralAmount: 200}
	if got := info.BalanceDue(); got != 600 {
		t.Fatalf("expected balance 600, got %d", got)
	}
	info.CollateralAmount = 800
	if got := info.BalanceDue(); got != 0 {
		t.Fatalf("expected zero balance when collateral covers guarantee, got %d", got)
	}
}

func TestVotingClosed(t *testing.T) {
	now := time.Now()
	info := Info{VotingDeadline: now.Add(time.Hour).Unix()}
	if info.VotingClosed(now) {
		t.Fatal("future deadline reported closed")
	}
	info.VotingDeadline = now.Add(-time.Hour).Unix()
	if !info.VotingClosed(now) {
		t.Fatal("past deadline reported open")
	}
	info.VotingDeadline = 0
	if info.VotingClosed(now) {
		t.Fatal("unset deadline must never close voting")
	}
}

func TestGuardErrorIdentityByCode(t *testing.T) {
	wrapped := FromCode("PGA_NOT_FOUND", "gone")
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatal("expected code identity with ErrNotFound")
	}
	if errors.Is(wrapped, ErrAlreadyVoted) {
		t.Fatal("distinct codes must not match")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("plain errors carry no guard code")
	}
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{1500000, 6, "1.5"},
		{1000000, 6, "1"},
		{123, 0, "123"},
		{123, 2, "1.23"},
		{5, 6, "0.000005"},
		{0, 6, "0"},
	}
	for _, tc := range cases {
		if got := FormatAmount(tc.amount, tc.decimals); got != tc.want {
			t.Errorf("FormatAmount(%d, %d) = %q, want %q", tc.amount, tc.decimals, got, tc.want)
		}
	}
}
