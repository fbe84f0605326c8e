package tts

// VoiceProfile describes the voice used for read-back playback.
type VoiceProfile struct {
	// Name is the provider-specific voice identifier (e.g. "Puck", "alloy").
	Name string

	// Language is the BCP-47 tag the utterance is spoken in. Providers that
	// infer language from the text may ignore it.
	Language string

	// Speed adjusts speaking rate (0.5–2.0, 0 = provider default).
	Speed float64

	// Instructions optionally steers delivery for providers that support it
	// (e.g. "speak with the clipped cadence of aviation radio").
	Instructions string
}
