package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// storage changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AssistantChanged is true if any hot-reloadable assistant field changed.
	AssistantChanged bool

	CallsignChanged       bool
	LanguageChanged       bool
	VoiceChanged          bool
	AccuracyChanged       bool
	SilenceTimeoutChanged bool
	SpeakFeedbackChanged  bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Assistant, new.Assistant
	d.CallsignChanged = oa.Callsign != na.Callsign
	d.LanguageChanged = oa.Language != na.Language
	d.VoiceChanged = oa.Voice != na.Voice
	d.AccuracyChanged = oa.AccuracyThreshold != na.AccuracyThreshold
	d.SilenceTimeoutChanged = oa.SilenceTimeoutMs != na.SilenceTimeoutMs
	d.SpeakFeedbackChanged = oa.SpeakFeedbackInTraining != na.SpeakFeedbackInTraining

	d.AssistantChanged = d.CallsignChanged || d.LanguageChanged || d.VoiceChanged ||
		d.AccuracyChanged || d.SilenceTimeoutChanged || d.SpeakFeedbackChanged

	return d
}
