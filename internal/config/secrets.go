package config

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Ledger.Password)
	redact(&out.Ledger.PasswordKey)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Notify.Events = copyStrings(cfg.Notify.Events)
	out.Server.CORSOrigins = copyStrings(cfg.Server.CORSOrigins)
	if cfg.Experiment.Prosumers != nil {
		out.Experiment.Prosumers = make([]ProsumerEntry, len(cfg.Experiment.Prosumers))
		copy(out.Experiment.Prosumers, cfg.Experiment.Prosumers)
	}
	if cfg.Experiment.ImbalancePenalty != nil {
		out.Experiment.ImbalancePenalty = make([]float64, len(cfg.Experiment.ImbalancePenalty))
		copy(out.Experiment.ImbalancePenalty, cfg.Experiment.ImbalancePenalty)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
