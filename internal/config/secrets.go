package config

import (
	"net/url"
	"slices"
)

const redacted = "***"

// secrets lists every field that must never reach a log line.
func (c *Config) secrets() []*string {
	return []*string{
		&c.Operator.PrivateKey,
		&c.Operator.KeyPassword,
		&c.Chain.RPCURL,
		&c.Postgres.DSN,
		&c.Postgres.Password,
		&c.Redis.Password,
		&c.S3.AccessKey,
		&c.S3.SecretKey,
		&c.Server.APIKey,
		&c.Notify.TelegramToken,
		&c.Notify.DiscordWebhookURL,
	}
}

// RedactedConfig returns a copy of cfg safe to log. Secrets become "***",
// except that URLs keep their scheme and host so the target is still visible.
// Slices are cloned, so the copy shares no memory with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	for _, s := range out.secrets() {
		*s = redact(*s)
	}
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Engine.TrustedPools = slices.Clone(cfg.Engine.TrustedPools)
	return out
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://" + u.Host + "/" + redacted
	}
	return redacted
}
