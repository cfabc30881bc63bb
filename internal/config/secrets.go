package config

import "maps"

const redacted = "***"

// Redacted returns a copy safe to log: credentials are masked and slices
// and maps are copied so the result cannot alias the original.
func (c *Config) Redacted() Config {
	out := *c

	redact(&out.Server.APIKey)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	out.Notify.Events = append([]string(nil), c.Notify.Events...)
	out.Clearnode.Allowances = append([]AllowanceConfig(nil), c.Clearnode.Allowances...)
	out.Market.DefaultOutcomes = append([]string(nil), c.Market.DefaultOutcomes...)
	if c.Market.Categories != nil {
		out.Market.Categories = maps.Clone(c.Market.Categories)
	}
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
