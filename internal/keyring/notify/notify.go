// Package notify publishes mail-send requests for an external mailer.
// Delivery is at least once and unordered relative to engine state, so
// every request is self-contained.
package notify

import (
	"context"
	"strconv"
)

type Kind string

const (
	KindMailVerificationCode Kind = "mail_verification_code"
	KindUncompletedAuthn     Kind = "uncompleted_authn"
	KindDeactivationNotice   Kind = "deactivation_notice"
)

type Request struct {
	Recipient string            `json:"recipient"`
	Kind      Kind              `json:"kind"`
	Params    map[string]string `json:"params"`
}

type Publisher interface {
	MailVerificationCode(ctx context.Context, mail, code string) error
	UncompletedAuthn(ctx context.Context, mail, ipAddress string) error
	DeactivationNotice(ctx context.Context, mail, username string, inactiveYears, daysLeft int) error
}

// sender is the one primitive a transport has to provide.
type sender interface {
	send(ctx context.Context, req Request) error
}

// templates builds the three request shapes on top of a sender.
type templates struct {
	s sender
}

func (t templates) MailVerificationCode(ctx context.Context, mail, code string) error {
	return t.s.send(ctx, Request{
		Recipient: mail,
		Kind:      KindMailVerificationCode,
		Params:    map[string]string{"code": code},
	})
}

func (t templates) UncompletedAuthn(ctx context.Context, mail, ipAddress string) error {
	return t.s.send(ctx, Request{
		Recipient: mail,
		Kind:      KindUncompletedAuthn,
		Params:    map[string]string{"ip_address": ipAddress},
	})
}

func (t templates) DeactivationNotice(ctx context.Context, mail, username string, inactiveYears, daysLeft int) error {
	return t.s.send(ctx, Request{
		Recipient: mail,
		Kind:      KindDeactivationNotice,
		Params: map[string]string{
			"username":       username,
			"inactive_years": strconv.Itoa(inactiveYears),
			"days_left":      strconv.Itoa(daysLeft),
		},
	})
}
