package janitor

import (
	"context"

	"github.com/aussiebroadwan/keyring/internal/keyring/chrono"
)

func (j *Janitor) DeleteExpiredMailTokens(ctx context.Context) (int64, error) {
	return j.store.MailTokens().DeleteCreatedBefore(ctx, chrono.Past(j.clock, j.cfg.MailTokenTTL))
}

func (j *Janitor) DeleteExpiredOtpParams(ctx context.Context) (int64, error) {
	return j.store.OtpParams().DeleteCreatedBefore(ctx, chrono.Past(j.clock, j.cfg.OtpParamsTTL))
}

// EvictOtpTokens drops trusted-device tokens. Scratch codes stay.
func (j *Janitor) EvictOtpTokens(ctx context.Context) (int64, error) {
	return j.store.OtpTokens().DeleteNonInitialCreatedBefore(ctx, chrono.Past(j.clock, j.cfg.OtpTokenRetention))
}
