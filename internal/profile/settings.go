package profile

// SessionSettings is everything a call needs to configure its realtime
// session. It is derived once per call and never changes afterwards.
type SessionSettings struct {
	SystemPrompt          string
	Voice                 string
	Greeting              string
	TranscriptionLanguage string
	SampleRateHz          int
	Model                 string
	TranscriptionModel    string
}

// Runtime carries the deployment-wide realtime settings that a profile does
// not override.
type Runtime struct {
	Model              string
	TranscriptionModel string
	Voice              string // used when the profile has none
	SampleRateHz       int
}

// Settings derives the session settings for p.
func (p *Profile) Settings(rt Runtime) SessionSettings {
	voice := p.Voice
	if voice == "" {
		voice = rt.Voice
	}
	return SessionSettings{
		SystemPrompt:          BuildSystemPrompt(p),
		Voice:                 voice,
		Greeting:              p.Greeting,
		TranscriptionLanguage: p.TranscriptionLanguage(),
		SampleRateHz:          rt.SampleRateHz,
		Model:                 rt.Model,
		TranscriptionModel:    rt.TranscriptionModel,
	}
}
