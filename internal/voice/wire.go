package voice

// ElevenLabs-compatible wire shapes. Existing clients unmarshal these field
// for field, so names, nulls and zero-valued sub-objects are preserved
// exactly as the upstream API emits them.

// ElevenLabsVoice is one catalogue entry on the /v1/voices surface.
type ElevenLabsVoice struct {
	VoiceID                 string            `json:"voice_id"`
	Name                    string            `json:"name"`
	Samples                 any               `json:"samples"`
	Category                string            `json:"category"`
	FineTuning              FineTuning        `json:"fine_tuning"`
	Labels                  map[string]string `json:"labels"`
	Description             string            `json:"description"`
	PreviewURL              any               `json:"preview_url"`
	AvailableForTiers       []string          `json:"available_for_tiers"`
	Settings                VoiceSettings     `json:"settings"`
	Sharing                 any               `json:"sharing"`
	HighQualityBaseModelIDs []string          `json:"high_quality_base_model_ids"`
}

// FineTuning is the fixed zero-valued fine-tuning block every proxied voice
// carries.
type FineTuning struct {
	IsAllowedToFineTune         bool           `json:"is_allowed_to_fine_tune"`
	State                       map[string]any `json:"state"`
	VerificationFailures        []string       `json:"verification_failures"`
	VerificationAttemptsCount   int            `json:"verification_attempts_count"`
	ManualVerificationRequested bool           `json:"manual_verification_requested"`
}

// VoiceSettings is the default settings block attached to every voice.
type VoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// WireVoice converts a facade descriptor into the ElevenLabs wire shape.
func WireVoice(f Facade) ElevenLabsVoice {
	language := ""
	if len(f.Languages) > 0 {
		language = f.Languages[0]
	}
	description := f.Name
	if f.Locale != "" {
		description = f.Name + " (" + f.Locale + ")"
	}
	return ElevenLabsVoice{
		VoiceID:  f.ID,
		Name:     f.Name,
		Samples:  nil,
		Category: "premade",
		FineTuning: FineTuning{
			State:                map[string]any{},
			VerificationFailures: []string{},
		},
		Labels: map[string]string{
			"engine":   f.Provider,
			"language": language,
		},
		Description:       description,
		PreviewURL:        nil,
		AvailableForTiers: []string{},
		Settings: VoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Style:           0,
			UseSpeakerBoost: true,
		},
		Sharing:                 nil,
		HighQualityBaseModelIDs: []string{},
	}
}
